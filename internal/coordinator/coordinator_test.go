package coordinator

import (
	"sync"
	"syscall"
	"testing"

	"github.com/nofrep/nofrep/internal/nsentry"
	"github.com/nofrep/nofrep/internal/nsworker"
	"github.com/nofrep/nofrep/internal/task"
	"github.com/nofrep/nofrep/internal/transport"
)

// fakeSession is the minimal transport.Session every fakeTransport
// context uses: no real queue pairs, always connected.
type fakeSession struct{}

func (fakeSession) Connected() bool { return true }
func (fakeSession) NextQPair() int  { return 0 }
func (fakeSession) Close() error    { return nil }

// fakeTransport drives the coordinator tests deterministically: it
// never actually performs I/O or reaps completions through CheckIO —
// tests call OnSiblingComplete directly to control fan-in timing —
// but it does record every SubmitIO call's namespace id in order, so
// submission-order invariants (spec.md §4.4, §8 scenario 3) can be
// asserted without timing dependence.
type fakeTransport struct {
	mu        sync.Mutex
	order     []int
	offsets   []int64
	submitErr error
}

func (t *fakeTransport) SetupPayload(s *task.Sibling, ioSizeBytes, ioUnitSize int, pattern byte) {}

func (t *fakeTransport) SubmitIO(sess transport.Session, s *task.Sibling, ns *nsentry.Namespace, offsetInIOs int64, isRead bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.submitErr != nil {
		err := t.submitErr
		t.submitErr = nil
		return err
	}
	t.order = append(t.order, ns.ID)
	t.offsets = append(t.offsets, offsetInIOs)
	return nil
}

func (t *fakeTransport) CheckIO(sess transport.Session, sink transport.CompletionSink, maxCompletions int) int {
	return 0
}

func (t *fakeTransport) VerifyIO(s *task.Sibling, ns *nsentry.Namespace) error { return nil }

func (t *fakeTransport) InitNSWorkerCtx(ns *nsentry.Namespace, numActive, numUnused int) (transport.Session, error) {
	return fakeSession{}, nil
}

func (t *fakeTransport) CleanupNSWorkerCtx(sess transport.Session) error { return nil }

func (t *fakeTransport) submitOrder() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.order...)
}

func (t *fakeTransport) submitOffsets() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int64(nil), t.offsets...)
}

// newFixture builds replicaNum namespace-worker contexts, all backed by
// the same fakeTransport, and a Coordinator wired against them. Each
// namespace gets sizeInIOs logical I/O slots.
func newFixture(t *testing.T, replicaNum int, sizeInIOs int64, cfg Config) (*Coordinator, []*nsworker.Context, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	pool, err := task.NewPool(64, 1<<20, 4096, 512)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	ctxs := make([]*nsworker.Context, replicaNum)
	for i := 0; i < replicaNum; i++ {
		ns, err := nsentry.Open(i, nsentry.TransportNVMe, sizeInIOs*4096, 4096, 512, 1, uint32(i+1))
		if err != nil {
			t.Fatalf("nsentry.Open: %v", err)
		}
		ctxs[i] = nsworker.New(0, ns, ft, 8)
		if err := ctxs[i].Init(1, 0); err != nil {
			t.Fatalf("ctx.Init: %v", err)
		}
	}

	cfg.ReplicaNum = replicaNum
	if cfg.IOSizeBytes == 0 {
		cfg.IOSizeBytes = 4096
	}
	if cfg.IOUnitSize == 0 {
		cfg.IOUnitSize = 4096
	}
	co, err := New(pool, ctxs, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return co, ctxs, ft
}

// Scenario 1 (spec.md §8): single target, queue depth 1, sequential
// read. After repeated submit/complete cycles, offsets must be issued
// in order 0, 1, 2, ...
func TestScenario1_SequentialOffsetsInOrder(t *testing.T) {
	co, ctxs, ft := newFixture(t, 1, 1<<20, Config{RWMixRead: 100})

	if err := co.EmitInitial(1); err != nil {
		t.Fatalf("EmitInitial: %v", err)
	}

	const cycles = 5
	for i := 0; i < cycles; i++ {
		primary := findInFlightPrimary(co)
		if primary == nil {
			t.Fatalf("no in-flight primary found before cycle %d", i)
		}
		co.OnSiblingComplete(primary, 0)
	}

	order := ft.submitOrder()
	if len(order) != cycles+1 {
		t.Fatalf("expected %d submissions, got %d", cycles+1, len(order))
	}
	if ctxs[0].Stats.IOCompleted.Load() != uint64(cycles) {
		t.Fatalf("expected %d completions, got %d", cycles, ctxs[0].Stats.IOCompleted.Load())
	}
	if ctxs[0].Stats.IOSubmitted.Load()-ctxs[0].Stats.IOCompleted.Load() > 1 {
		t.Fatalf("io_submitted - io_completed should stay in {0,1}, got %d",
			ctxs[0].Stats.IOSubmitted.Load()-ctxs[0].Stats.IOCompleted.Load())
	}

	offsets := ft.submitOffsets()
	for i, off := range offsets {
		if off != int64(i) {
			t.Fatalf("expected sequential offsets 0,1,2,...; got %v", offsets)
		}
	}
}

// Scenario 2 (spec.md §8): 3-way replicate. For every logical I/O that
// starts, three sibling completions are observed, one per namespace,
// before the logical I/O is reissued.
func TestScenario2_ThreeWayFanIn(t *testing.T) {
	co, ctxs, ft := newFixture(t, 3, 1<<20, Config{RWMixRead: 0, RandomOffsets: true})

	if err := co.EmitInitial(1); err != nil {
		t.Fatalf("EmitInitial: %v", err)
	}

	order := ft.submitOrder()
	if len(order) != 3 {
		t.Fatalf("expected 3 initial siblings submitted, got %d", len(order))
	}
	seen := map[int]bool{}
	for _, id := range order {
		seen[id] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected one sibling per namespace, got namespaces %v", order)
	}

	// Locate the primary via the pool's arena: it is whichever sibling
	// in ctxs[0]'s namespace currently has RepCompletedNum tracking for
	// this single in-flight logical I/O.
	primary := findInFlightPrimary(co)
	if primary == nil {
		t.Fatal("no in-flight primary found after EmitInitial")
	}
	if len(primary.SiblingList) != 3 {
		t.Fatalf("expected 3-entry sibling list, got %d", len(primary.SiblingList))
	}

	for i, idx := range primary.SiblingList {
		sib := co.pool.Get(idx)
		co.OnSiblingComplete(sib, 0)
		if i < 2 && primary.RepCompletedNum != i+1 {
			t.Fatalf("after completion %d, expected RepCompletedNum=%d, got %d", i, i+1, primary.RepCompletedNum)
		}
	}
	if primary.RepCompletedNum != 0 {
		t.Fatalf("expected RepCompletedNum reset to 0 after N-th completion, got %d", primary.RepCompletedNum)
	}

	order = ft.submitOrder()
	if len(order) != 6 {
		t.Fatalf("expected 6 total submissions (initial 3 + reissue 3), got %d", len(order))
	}
}

// findInFlightPrimary walks the coordinator's pool looking for the sole
// primary with a non-empty sibling list; test fixtures only ever have
// one logical I/O in flight at a time.
func findInFlightPrimary(co *Coordinator) *task.Sibling {
	for i := uint32(0); i < 64; i++ {
		s := co.pool.Get(i)
		if s.IsPrimary && len(s.SiblingList) > 0 && s.IOID != 0 {
			return s
		}
	}
	return nil
}

// Scenario 3 (spec.md §8): -f/--final-send-main-rep reorders
// submission to [copy_1, copy_2, primary] instead of
// [primary, copy_1, copy_2].
func TestScenario3_PrimaryLastOrdering(t *testing.T) {
	co, _, ft := newFixture(t, 3, 1<<20, Config{SendMainRepLast: true})

	if err := co.EmitInitial(1); err != nil {
		t.Fatalf("EmitInitial: %v", err)
	}

	order := ft.submitOrder()
	if len(order) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(order))
	}
	// Namespace 0 is always the primary's namespace in newFixture; with
	// SendMainRepLast it must be submitted last.
	if order[2] != 0 {
		t.Fatalf("expected primary (ns=0) submitted last, got order %v", order)
	}
	if order[0] == 0 || order[1] == 0 {
		t.Fatalf("primary (ns=0) must not be submitted first or second, got order %v", order)
	}
}

// Scenario 6 (spec.md §8): a completion carrying EIO marks its context
// draining; the logical I/O is released without reissue, and other
// contexts are unaffected.
func TestScenario6_DeviceRemovedMidRun(t *testing.T) {
	co, ctxs, ft := newFixture(t, 3, 1<<20, Config{})

	if err := co.EmitInitial(1); err != nil {
		t.Fatalf("EmitInitial: %v", err)
	}
	primary := findInFlightPrimary(co)
	if primary == nil {
		t.Fatal("no in-flight primary found")
	}
	siblings := append([]uint32(nil), primary.SiblingList...)

	// Complete the namespace-1 sibling with EIO; the other two complete
	// normally.
	for _, idx := range siblings {
		sib := co.pool.Get(idx)
		if sib.NamespaceID == 1 {
			co.OnSiblingComplete(sib, -int(syscall.EIO))
		} else {
			co.OnSiblingComplete(sib, 0)
		}
	}

	if !ctxs[1].IsDraining() {
		t.Fatal("expected namespace 1's context to be draining after EIO completion")
	}
	if ctxs[0].IsDraining() || ctxs[2].IsDraining() {
		t.Fatal("expected namespaces 0 and 2 to remain unaffected")
	}

	order := ft.submitOrder()
	if len(order) != 3 {
		t.Fatalf("expected no reissue after a draining sibling (still only the initial 3 submissions), got %d", len(order))
	}
}
