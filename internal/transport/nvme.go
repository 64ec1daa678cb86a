package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/nofrep/nofrep/internal/difveri"
	"github.com/nofrep/nofrep/internal/nsentry"
	"github.com/nofrep/nofrep/internal/task"
)

// memShardSize matches backend.Memory's 64KB shard: enough parallelism
// for 4K random I/O from many queue pairs without per-byte lock
// contention.
const memShardSize = 64 * 1024

// memStore is a sharded-mutex RAM-backed namespace, adapted from the
// go-ublk RAM backend to stand in for a real NVMe-oF target in this
// benchmark harness's loopback transport variant.
type memStore struct {
	data   []byte
	shards []sync.RWMutex
}

func newMemStore(size int64) *memStore {
	n := (size + memShardSize - 1) / memShardSize
	return &memStore{data: make([]byte, size), shards: make([]sync.RWMutex, n)}
}

func (m *memStore) shardRange(off, length int64) (start, end int) {
	start = int(off / memShardSize)
	end = int((off + length - 1) / memShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *memStore) readAt(p []byte, off int64) {
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
}

func (m *memStore) writeAt(p []byte, off int64) {
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
}

// nvmeCompletion is one reaped completion, carried from submission to
// CheckIO across the per-queue-pair completion channel.
type nvmeCompletion struct {
	sib   *task.Sibling
	errno int
}

// nvmeQPair is one simulated NVMe-oF queue pair: submissions land on
// the store synchronously (RAM has no async primitive to wait on) and
// immediately post a completion, so CheckIO still observes the
// submit/complete split the coordinator and worker loop are built
// around.
type nvmeQPair struct {
	completions chan nvmeCompletion
}

type nvmeSession struct {
	qpairs    []*nvmeQPair
	numActive int
	next      int
}

func (s *nvmeSession) Connected() bool { return true }
func (s *nvmeSession) Close() error    { return nil }

// NextQPair round-robins over only the active queue pairs; unused ones
// occupy qpairs[numActive:] and are allocated but never selected.
func (s *nvmeSession) NextQPair() int {
	idx := s.next
	s.next = (s.next + 1) % s.numActive
	return idx
}

// NVMe is the loopback Transport variant: namespaces are backed by
// process RAM rather than a real fabric connection, letting the
// engine's replication and coordination logic run and be tested
// without hardware.
type NVMe struct {
	mu     sync.Mutex
	stores map[int]*memStore

	difMu       sync.Mutex
	difTrailers map[int]map[int64][]difveri.Trailer
}

func NewNVMe() *NVMe {
	return &NVMe{stores: make(map[int]*memStore)}
}

func (t *NVMe) storeFor(ns *nsentry.Namespace) *memStore {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stores[ns.ID]
	if s == nil {
		s = newMemStore(ns.SizeInIOs * ns.IOSizeBlocks * int64(ns.BlockSize))
		t.stores[ns.ID] = s
	}
	return s
}

func (t *NVMe) SetupPayload(s *task.Sibling, ioSizeBytes, ioUnitSize int, pattern byte) {
	buf := make([]byte, ioSizeBytes)
	for i := range buf {
		buf[i] = pattern
	}
	s.Payload = buf
	chunks := (ioSizeBytes + ioUnitSize - 1) / ioUnitSize
	s.IOVecs = make([][]byte, 0, chunks)
	for off := 0; off < ioSizeBytes; off += ioUnitSize {
		end := off + ioUnitSize
		if end > ioSizeBytes {
			end = ioSizeBytes
		}
		s.IOVecs = append(s.IOVecs, buf[off:end])
	}
}

func (t *NVMe) recordDIF(ns *nsentry.Namespace, offsetInIOs int64, payload []byte) {
	if !ns.ProtectionInfo {
		return
	}
	lba := uint64(offsetInIOs) * uint64(ns.IOSizeBlocks)
	trailers := difveri.TrailersFor(payload, ns.BlockSize, lba)

	t.difMu.Lock()
	defer t.difMu.Unlock()
	if t.difTrailers == nil {
		t.difTrailers = make(map[int]map[int64][]difveri.Trailer)
	}
	m := t.difTrailers[ns.ID]
	if m == nil {
		m = make(map[int64][]difveri.Trailer)
		t.difTrailers[ns.ID] = m
	}
	m[offsetInIOs] = trailers
}

func (t *NVMe) VerifyIO(s *task.Sibling, ns *nsentry.Namespace) error {
	t.difMu.Lock()
	var trailers []difveri.Trailer
	if m := t.difTrailers[ns.ID]; m != nil {
		trailers = m[s.OffsetInIOs]
	}
	t.difMu.Unlock()
	if trailers == nil {
		return nil
	}
	lba := uint64(s.OffsetInIOs) * uint64(ns.IOSizeBlocks)
	return difveri.VerifyBlocks(s.Payload, ns.BlockSize, lba, trailers)
}

// SubmitIO performs the read or write against the namespace's RAM
// store inline, then posts a completion on the selected queue pair's
// channel; CheckIO reaps it on the next poll, keeping the same
// submit-now/complete-later shape a real fabric transport has.
func (t *NVMe) SubmitIO(sess Session, s *task.Sibling, ns *nsentry.Namespace, offsetInIOs int64, isRead bool) error {
	nsess, ok := sess.(*nvmeSession)
	if !ok {
		return fmt.Errorf("nofrep: nvme SubmitIO called with non-nvme session")
	}
	store := t.storeFor(ns)
	off := offsetInIOs * ns.IOSizeBlocks * int64(ns.BlockSize)

	s.SubmitTime = time.Now()
	if isRead {
		store.readAt(s.Payload, off)
	} else {
		store.writeAt(s.Payload, off)
		t.recordDIF(ns, offsetInIOs, s.Payload)
	}

	qp := nsess.qpairs[nsess.NextQPair()]
	select {
	case qp.completions <- nvmeCompletion{sib: s, errno: 0}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (t *NVMe) CheckIO(sess Session, sink CompletionSink, maxCompletions int) int {
	nsess := sess.(*nvmeSession)
	reaped := 0
qpairLoop:
	for _, qp := range nsess.qpairs {
		for reaped < maxCompletions {
			select {
			case c := <-qp.completions:
				sink.OnComplete(c.sib, c.errno)
				reaped++
			default:
				continue qpairLoop
			}
		}
	}
	return reaped
}

func (t *NVMe) InitNSWorkerCtx(ns *nsentry.Namespace, numActive, numUnused int) (Session, error) {
	t.storeFor(ns) // ensure the store exists before the first submission
	sess := &nvmeSession{numActive: numActive}
	for i := 0; i < numActive+numUnused; i++ {
		sess.qpairs = append(sess.qpairs, &nvmeQPair{completions: make(chan nvmeCompletion, 4096)})
	}
	return sess, nil
}

func (t *NVMe) CleanupNSWorkerCtx(sess Session) error {
	return sess.Close()
}
