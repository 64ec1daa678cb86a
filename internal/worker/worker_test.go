package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/nofrep/nofrep/internal/coordinator"
	"github.com/nofrep/nofrep/internal/nsentry"
	"github.com/nofrep/nofrep/internal/nsworker"
	"github.com/nofrep/nofrep/internal/task"
	"github.com/nofrep/nofrep/internal/transport"
)

func buildWorker(t *testing.T, runTime time.Duration) (*Worker, []*nsworker.Context) {
	t.Helper()
	tr := transport.NewNVMe()
	ns, err := nsentry.Open(0, nsentry.TransportNVMe, 1<<20, 4096, 512, 0, 1)
	if err != nil {
		t.Fatalf("nsentry.Open: %v", err)
	}
	ctx := nsworker.New(0, ns, tr, 4)
	ctxs := []*nsworker.Context{ctx}

	pool, err := task.NewPool(64, 1<<20, 4096, 512)
	if err != nil {
		t.Fatalf("task.NewPool: %v", err)
	}
	coord, err := coordinator.New(pool, ctxs, coordinator.Config{
		ReplicaNum:  1,
		IOSizeBytes: 4096,
		IOUnitSize:  4096,
		RWMixRead:   100,
	})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}

	bar := NewBarrier(1)
	var exitFlag atomic.Bool
	cfg := Config{
		CoreID:          -1, // skip affinity pinning in the test environment
		IsMain:          true,
		QueueDepth:      4,
		NumActiveQPairs: 1,
		RunTime:         runTime,
	}
	w := New(cfg, ctxs, coord, nil, bar, &exitFlag)
	return w, ctxs
}

func TestWorkerRunsToDeadlineAndDrains(t *testing.T) {
	w, ctxs := buildWorker(t, 50*time.Millisecond)

	result, err := w.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Failed {
		t.Fatal("expected a successful run")
	}
	if result.ElapsedUsec <= 0 {
		t.Fatal("expected ElapsedUsec to be recorded for the main worker")
	}
	if ctxs[0].Stats.IOCompleted.Load() == 0 {
		t.Fatal("expected at least one completed io during the run")
	}
	if !ctxs[0].IsDraining() {
		t.Fatal("expected the context to be draining after the run completes")
	}
	if ctxs[0].CurrentQueueDepth() != 0 {
		t.Fatalf("expected queue depth 0 after drain, got %d", ctxs[0].CurrentQueueDepth())
	}
}

func TestWorkerExitsEarlyOnExitFlag(t *testing.T) {
	tr := transport.NewNVMe()
	ns, err := nsentry.Open(0, nsentry.TransportNVMe, 1<<20, 4096, 512, 0, 1)
	if err != nil {
		t.Fatalf("nsentry.Open: %v", err)
	}
	ctx := nsworker.New(0, ns, tr, 4)
	ctxs := []*nsworker.Context{ctx}
	pool, err := task.NewPool(64, 1<<20, 4096, 512)
	if err != nil {
		t.Fatalf("task.NewPool: %v", err)
	}
	coord, err := coordinator.New(pool, ctxs, coordinator.Config{ReplicaNum: 1, IOSizeBytes: 4096, IOUnitSize: 4096, RWMixRead: 100})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}

	bar := NewBarrier(1)
	var exitFlag atomic.Bool
	exitFlag.Store(true) // already set before Run starts its main loop

	cfg := Config{CoreID: -1, IsMain: true, QueueDepth: 4, NumActiveQPairs: 1, RunTime: time.Hour}
	w := New(cfg, ctxs, coord, nil, bar, &exitFlag)

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit promptly when exit flag was already set")
	}
}
