package nofrep

import (
	"sync"

	"github.com/nofrep/nofrep/internal/nsentry"
	"github.com/nofrep/nofrep/internal/task"
	"github.com/nofrep/nofrep/internal/transport"
)

// MockSession is the transport.Session half of MockTransport: no real
// queue pairs, just a round-robin counter and an always-connected flag.
type MockSession struct {
	mu       sync.Mutex
	qpairs   int
	rrCursor int
	closed   bool
}

func (s *MockSession) Connected() bool { return true }

func (s *MockSession) NextQPair() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qpairs == 0 {
		return 0
	}
	q := s.rrCursor
	s.rrCursor = (s.rrCursor + 1) % s.qpairs
	return q
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// MockTransport provides a mock implementation of transport.Transport
// for unit testing the coordinator and worker loop without a kernel, a
// real NIC, or O_DIRECT storage. It completes every submission
// synchronously, queuing the completion for the next CheckIO call
// rather than invoking the sink inline, so tests can exercise the
// submit/poll split the real transports expose.
type MockTransport struct {
	mu sync.RWMutex

	stores    map[int][]byte
	pending   []pendingCompletion
	submitErr error // returned by the next SubmitIO call, then cleared

	submitCalls int
	checkCalls  int
	verifyCalls int
}

type pendingCompletion struct {
	sib   *task.Sibling
	errno int
}

// NewMockTransport creates a mock transport with an empty per-namespace
// backing store; a namespace's store grows on any SubmitIO, read or
// write, that reaches past its current end.
func NewMockTransport() *MockTransport {
	return &MockTransport{stores: make(map[int][]byte)}
}

// SetupPayload allocates a plain heap buffer with no page alignment
// (unlike the aio and uring variants) — tests don't need page
// alignment, just a payload and iovecs shaped like the real thing.
func (m *MockTransport) SetupPayload(s *task.Sibling, ioSizeBytes, ioUnitSize int, pattern byte) {
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

// SetNextSubmitError makes the next SubmitIO call fail with err instead
// of succeeding, then clears itself — useful for exercising the
// coordinator's ContinueOnError/permanent-device-error paths.
func (m *MockTransport) SetNextSubmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

func (m *MockTransport) SubmitIO(sess transport.Session, s *task.Sibling, ns *nsentry.Namespace, offsetInIOs int64, isRead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitCalls++

	if m.submitErr != nil {
		err := m.submitErr
		m.submitErr = nil
		return err
	}

	byteOff := offsetInIOs * ns.IOSizeBlocks * int64(ns.BlockSize)
	buf := m.stores[ns.ID]
	need := byteOff + int64(len(s.Payload))
	if int64(len(buf)) < need {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
		m.stores[ns.ID] = buf
	}
	if isRead {
		copy(s.Payload, buf[byteOff:byteOff+int64(len(s.Payload))])
	} else {
		copy(buf[byteOff:byteOff+int64(len(s.Payload))], s.Payload)
	}

	m.pending = append(m.pending, pendingCompletion{sib: s, errno: 0})
	return nil
}

func (m *MockTransport) CheckIO(sess transport.Session, sink transport.CompletionSink, maxCompletions int) int {
	m.mu.Lock()
	m.checkCalls++
	n := len(m.pending)
	if n > maxCompletions {
		n = maxCompletions
	}
	batch := m.pending[:n]
	m.pending = m.pending[n:]
	m.mu.Unlock()

	for _, c := range batch {
		sink.OnComplete(c.sib, c.errno)
	}
	return len(batch)
}

func (m *MockTransport) VerifyIO(s *task.Sibling, ns *nsentry.Namespace) error {
	m.mu.Lock()
	m.verifyCalls++
	m.mu.Unlock()
	return nil
}

func (m *MockTransport) InitNSWorkerCtx(ns *nsentry.Namespace, numActive, numUnused int) (transport.Session, error) {
	return &MockSession{qpairs: numActive}, nil
}

func (m *MockTransport) CleanupNSWorkerCtx(sess transport.Session) error {
	return sess.Close()
}

// CallCounts returns how many times each vtable entry point was
// invoked, for assertions in tests.
func (m *MockTransport) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"submit": m.submitCalls,
		"check":  m.checkCalls,
		"verify": m.verifyCalls,
	}
}

// PendingCount reports how many completions are queued but not yet
// reaped by CheckIO.
func (m *MockTransport) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

var (
	_ transport.Transport = (*MockTransport)(nil)
	_ transport.Session   = (*MockSession)(nil)
)
