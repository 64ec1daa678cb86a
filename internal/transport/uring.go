//go:build linux

package transport

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/nofrep/nofrep/internal/difveri"
	"github.com/nofrep/nofrep/internal/nsentry"
	"github.com/nofrep/nofrep/internal/task"
)

// uringQPair owns one io_uring instance and the in-flight table that
// maps a submitted SQE's user_data back to its Sibling, mirroring the
// teacher's udOpFetch/udOpCommit user-data encoding in
// internal/queue/runner.go but tagging submissions instead of ublk tag
// state transitions.
type uringQPair struct {
	ring *giouring.Ring
	file *os.File

	mu       sync.Mutex
	inFlight map[uint64]*task.Sibling
	nextUD   uint64
}

func (q *uringQPair) Close() error {
	q.ring.QueueExit()
	return q.file.Close()
}

type uringSession struct {
	qpairs    []*uringQPair
	numActive int
	next      int
}

func (s *uringSession) Connected() bool { return true }
func (s *uringSession) Close() error {
	var first error
	for _, q := range s.qpairs {
		if err := q.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NextQPair round-robins over only the active queue pairs; unused ones
// occupy qpairs[numActive:] and are allocated but never selected.
func (s *uringSession) NextQPair() int {
	idx := s.next
	s.next = (s.next + 1) % s.numActive
	return idx
}

// URing is the Transport variant backed by real Linux io_uring via
// giouring, the pure-Go binding the rest of the example corpus favors
// over cgo bindings. Each namespace maps to one pre-sized backing
// file, matching the AIO variant's loopback-harness convention.
type URing struct {
	Paths      map[int]string
	QueueDepth uint32

	difMu       sync.Mutex
	difTrailers map[int]map[int64][]difveri.Trailer
}

func NewURing(paths map[int]string, queueDepth uint32) *URing {
	if queueDepth == 0 {
		queueDepth = 128
	}
	return &URing{Paths: paths, QueueDepth: queueDepth}
}

func (t *URing) SetupPayload(s *task.Sibling, ioSizeBytes, ioUnitSize int, pattern byte) {
	const pageSize = 4096
	raw := make([]byte, ioSizeBytes+pageSize)
	off := (-uintptr(unsafe.Pointer(&raw[0]))) & (pageSize - 1)
	buf := raw[off : off+uintptr(ioSizeBytes)]
	for i := range buf {
		buf[i] = pattern
	}
	s.Payload = buf
	chunks := (ioSizeBytes + ioUnitSize - 1) / ioUnitSize
	s.IOVecs = make([][]byte, 0, chunks)
	for o := 0; o < ioSizeBytes; o += ioUnitSize {
		end := o + ioUnitSize
		if end > ioSizeBytes {
			end = ioSizeBytes
		}
		s.IOVecs = append(s.IOVecs, buf[o:end])
	}
}

func (t *URing) recordDIF(ns *nsentry.Namespace, offsetInIOs int64, payload []byte) {
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

func (t *URing) VerifyIO(s *task.Sibling, ns *nsentry.Namespace) error {
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

// SubmitIO prepares a read or write SQE against the selected queue
// pair's ring and submits it right away, one Submit call per sibling,
// without waiting; CheckIO's later PeekCQE loop reaps the completion.
func (t *URing) SubmitIO(sess Session, s *task.Sibling, ns *nsentry.Namespace, offsetInIOs int64, isRead bool) error {
	usess, ok := sess.(*uringSession)
	if !ok {
		return fmt.Errorf("nofrep: uring SubmitIO called with non-uring session")
	}
	qp := usess.qpairs[usess.NextQPair()]
	off := uint64(offsetInIOs) * uint64(ns.IOSizeBlocks) * uint64(ns.BlockSize)

	if !isRead {
		t.recordDIF(ns, offsetInIOs, s.Payload)
	}

	sqe := qp.ring.GetSQE()
	if sqe == nil {
		return ErrQueueFull
	}

	qp.mu.Lock()
	qp.nextUD++
	ud := qp.nextUD
	qp.inFlight[ud] = s
	qp.mu.Unlock()

	if isRead {
		sqe.PrepareRead(qp.file.Fd(), uintptr(unsafe.Pointer(&s.Payload[0])), uint32(len(s.Payload)), off)
	} else {
		sqe.PrepareWrite(qp.file.Fd(), uintptr(unsafe.Pointer(&s.Payload[0])), uint32(len(s.Payload)), off)
	}
	sqe.UserData = ud

	s.SubmitTime = time.Now()
	if _, err := qp.ring.Submit(); err != nil {
		qp.mu.Lock()
		delete(qp.inFlight, ud)
		qp.mu.Unlock()
		return ErrQueueFull
	}
	return nil
}

// CheckIO drains completion queue entries from every queue pair's
// ring without blocking, matching the worker loop's one-poll-per-
// iteration contract (spec.md §4.5).
func (t *URing) CheckIO(sess Session, sink CompletionSink, maxCompletions int) int {
	usess := sess.(*uringSession)
	reaped := 0
	for _, qp := range usess.qpairs {
		for reaped < maxCompletions {
			var cqe *giouring.CompletionQueueEvent
			if err := qp.ring.PeekCQE(&cqe); err != nil || cqe == nil {
				break
			}

			qp.mu.Lock()
			sib := qp.inFlight[cqe.UserData]
			delete(qp.inFlight, cqe.UserData)
			qp.mu.Unlock()

			errno := 0
			if cqe.Res < 0 {
				errno = int(cqe.Res)
			}
			qp.ring.CQESeen(cqe)
			if sib == nil {
				continue
			}
			sink.OnComplete(sib, errno)
			reaped++
		}
	}
	return reaped
}

func (t *URing) InitNSWorkerCtx(ns *nsentry.Namespace, numActive, numUnused int) (Session, error) {
	path := t.Paths[ns.ID]
	if path == "" {
		return nil, fmt.Errorf("nofrep: no backing file configured for namespace %d", ns.ID)
	}
	sess := &uringSession{numActive: numActive}
	for i := 0; i < numActive+numUnused; i++ {
		f, err := os.OpenFile(path, os.O_RDWR|unix.O_DIRECT, 0644)
		if err != nil {
			return nil, fmt.Errorf("nofrep: open %s O_DIRECT: %w", path, err)
		}
		ring, err := giouring.CreateRing(t.QueueDepth)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("nofrep: io_uring_setup: %w", err)
		}
		sess.qpairs = append(sess.qpairs, &uringQPair{ring: ring, file: f, inFlight: map[uint64]*task.Sibling{}})
	}
	return sess, nil
}

func (t *URing) CleanupNSWorkerCtx(sess Session) error {
	return sess.Close()
}
