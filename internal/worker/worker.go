// Package worker drives one pinned core's full lifecycle: namespace
// context init, the startup barrier, initial fill, the main
// submit/poll loop, and drain-to-exit — spec.md §4.5.
package worker

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nofrep/nofrep/internal/coordinator"
	"github.com/nofrep/nofrep/internal/logging"
	"github.com/nofrep/nofrep/internal/nsworker"
	"github.com/nofrep/nofrep/internal/ratelimit"
	"github.com/nofrep/nofrep/internal/task"
)

// Config carries the per-worker settings the main loop needs, mirroring
// the Runner.Config shape the teacher's queue package uses for one
// pinned ublk queue.
type Config struct {
	CoreID          int
	IsMain          bool
	ContinueOnError bool
	QueueDepth      int
	NumActiveQPairs int
	NumUnusedQPairs int
	WarmupTime      time.Duration
	RunTime         time.Duration
	StatsInterval   time.Duration
	Logger          *logging.Logger
}

// Result is what the main worker records for the process-wide summary
// (engine.go copies ElapsedUsec into the Result that cmd/nofrep-bench
// prints at the end of the run).
type Result struct {
	ElapsedUsec int64
	Failed      bool
}

// Worker owns one core's namespace-worker contexts, its coordinator,
// and (if rate-limited) its gate.
type Worker struct {
	cfg     Config
	ctxs    []*nsworker.Context
	coord   *coordinator.Coordinator
	gate    *ratelimit.Gate
	barrier *Barrier

	exitFlag *atomic.Bool
}

// New builds a Worker. exitFlag is shared process-wide (set by SIGINT/
// SIGTERM handlers); barrier is shared by every worker started together.
func New(cfg Config, ctxs []*nsworker.Context, coord *coordinator.Coordinator, gate *ratelimit.Gate, barrier *Barrier, exitFlag *atomic.Bool) *Worker {
	return &Worker{cfg: cfg, ctxs: ctxs, coord: coord, gate: gate, barrier: barrier, exitFlag: exitFlag}
}

func (w *Worker) pinToCore() {
	if w.cfg.CoreID < 0 {
		return
	}
	var mask unix.CPUSet
	mask.Set(w.cfg.CoreID)
	if err := unix.SchedSetaffinity(0, &mask); err != nil && w.cfg.Logger != nil {
		w.cfg.Logger.WithCore(w.cfg.CoreID).Warnf("sched_setaffinity failed: %v", err)
	}
}

// Run executes the full worker lifecycle and returns once this
// worker's contexts have drained and been cleaned up.
func (w *Worker) Run() (Result, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	w.pinToCore()

	log := w.cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithCore(w.cfg.CoreID)

	for _, ctx := range w.ctxs {
		if err := ctx.Init(w.cfg.NumActiveQPairs, w.cfg.NumUnusedQPairs); err != nil {
			w.barrier.Wait() // still hit the barrier so siblings don't hang forever
			return Result{Failed: true}, fmt.Errorf("nofrep: worker core=%d: %w", w.cfg.CoreID, err)
		}
	}

	w.barrier.Wait()

	start := time.Now()
	warmingUp := w.cfg.WarmupTime > 0
	deadline := w.computeDeadline(start, w.cfg.RunTime)
	if warmingUp {
		deadline = w.computeDeadline(start, w.cfg.WarmupTime)
	}

	if err := w.coord.EmitInitial(w.cfg.QueueDepth); err != nil {
		w.drainAndCleanup(log)
		return Result{Failed: true}, fmt.Errorf("nofrep: worker core=%d emit_initial: %w", w.cfg.CoreID, err)
	}

	var lastStatsPrint time.Time
	var lastIOCompleted uint64
	var lastBytes uint64

	for {
		if w.exitFlag.Load() || w.allDraining() || time.Now().After(deadline) {
			if warmingUp && time.Now().After(deadline) {
				warmingUp = false
				deadline = w.computeDeadline(time.Now(), w.cfg.RunTime)
				start = time.Now()
				w.resetStats()
				continue
			}
			break
		}

		for _, ctx := range w.ctxs {
			if w.cfg.ContinueOnError && !ctx.IsDraining() {
				for _, sib := range ctx.SwapQueued() {
					_ = w.coord.SubmitReplicated(sib)
				}
			}
			n := ctx.Transport.CheckIO(ctx.Sess, w.coord, 32)
			if n < 0 {
				ctx.SetDraining()
			}
		}

		if w.gate != nil {
			w.gate.Tick(func(p *task.Sibling) { _ = w.coord.SubmitReplicated(p) })
		}

		if w.cfg.IsMain && w.cfg.StatsInterval > 0 && time.Since(lastStatsPrint) >= w.cfg.StatsInterval {
			completed, bytes := w.aggregateStats()
			elapsed := w.cfg.StatsInterval.Seconds()
			iops := float64(completed-lastIOCompleted) / elapsed
			mibs := float64(bytes-lastBytes) / elapsed / (1024 * 1024)
			fmt.Printf("\r%.0f IOPS, %.2f MiB/s", iops, mibs)
			lastIOCompleted, lastBytes = completed, bytes
			lastStatsPrint = time.Now()
		}
	}

	result := Result{}
	if w.cfg.IsMain {
		result.ElapsedUsec = time.Since(start).Microseconds()
		fmt.Println()
	}

	w.drainAndCleanup(log)
	return result, nil
}

func (w *Worker) computeDeadline(from time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return from.Add(365 * 24 * time.Hour) // "no deadline" sentinel for a run gated only by number_ios/exit flag
	}
	return from.Add(d)
}

func (w *Worker) allDraining() bool {
	for _, ctx := range w.ctxs {
		if !ctx.IsDraining() {
			return false
		}
	}
	return true
}

func (w *Worker) resetStats() {
	for _, ctx := range w.ctxs {
		ctx.Stats.IOSubmitted.Store(0)
		ctx.Stats.IOCompleted.Store(0)
		ctx.Stats.BytesDone.Store(0)
		ctx.Stats.MinLatNs.Store(0)
		ctx.Stats.MaxLatNs.Store(0)
		ctx.Stats.TotalLatNs.Store(0)
	}
}

func (w *Worker) aggregateStats() (completed, bytes uint64) {
	for _, ctx := range w.ctxs {
		completed += ctx.Stats.IOCompleted.Load()
		bytes += ctx.Stats.BytesDone.Load()
	}
	return
}

// drainAndCleanup implements spec.md §4.5 step 6: force every context
// draining, poll round-robin until each is idle, then clean up.
func (w *Worker) drainAndCleanup(log *logging.Logger) {
	for _, ctx := range w.ctxs {
		ctx.SetDraining()
	}
	for {
		allIdle := true
		for _, ctx := range w.ctxs {
			if ctx.CurrentQueueDepth() > 0 {
				ctx.Transport.CheckIO(ctx.Sess, w.coord, 32)
				if ctx.CurrentQueueDepth() > 0 {
					allIdle = false
				}
			}
		}
		if allIdle {
			break
		}
	}
	for _, ctx := range w.ctxs {
		if err := ctx.Cleanup(w.coord.DrainSibling); err != nil && log != nil {
			log.WithNamespace(ctx.NS.ID).Warnf("cleanup_ns_worker_ctx failed: %v", err)
		}
	}
}
