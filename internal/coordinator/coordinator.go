// Package coordinator implements the replica coordinator of spec.md
// §4.4: it fans one logical I/O into N ordered sibling submissions and
// enforces "at most one concurrent logical I/O per coordinator until
// all N siblings complete." One Coordinator is owned by exactly one
// worker, so none of its state needs locking (spec.md §5).
package coordinator

import (
	"fmt"
	"syscall"
	"time"

	"github.com/nofrep/nofrep/internal/latency"
	"github.com/nofrep/nofrep/internal/logging"
	"github.com/nofrep/nofrep/internal/nsworker"
	"github.com/nofrep/nofrep/internal/ratelimit"
	"github.com/nofrep/nofrep/internal/task"
	"github.com/nofrep/nofrep/internal/transport"
)

// Config carries the per-coordinator settings derived from the
// process-wide Config (root package) that the coordinator needs;
// kept as a plain struct here rather than importing the root package,
// which imports this one.
type Config struct {
	ReplicaNum      int
	SendMainRepLast bool
	ContinueOnError bool
	ErrorLogEveryN  int
	IOSizeBytes     int
	IOUnitSize      int
	RWMixRead       int
	RandomOffsets   bool // true for any rand* pattern; a Zipf generator on the primary's namespace takes precedence
	NumberIOs       uint64
	Gate            *ratelimit.Gate
	Lat             *latency.Aggregator
	Logger          *logging.Logger

	// Stats is the process-wide completion histogram/error-rate
	// accumulator behind the final summary's percentiles; nil disables
	// recording (e.g. in unit tests that only care about fan-in logic).
	Stats EngineStatsRecorder
}

// EngineStatsRecorder is the narrow slice of *nofrep.EngineStats the
// coordinator needs, declared locally to avoid importing the root
// package (which imports this one).
type EngineStatsRecorder interface {
	RecordCompletion(bytes uint64, latencyNs uint64, success bool)
}

// Coordinator turns logical I/Os into N-way sibling fan-out for one
// worker's replica group. ctxs[0] is always the primary's
// namespace-worker context; ctxs[1:] are the copies', in the order
// EmitInitial walked them.
type Coordinator struct {
	pool *task.Pool
	ctxs []*nsworker.Context
	byNS map[int]*nsworker.Context
	cfg  Config

	nextIOID uint64
	errSeen  uint64
}

// New builds a Coordinator for one worker's replica group. ctxs must
// have length cfg.ReplicaNum; ctxs[0] is the primary's context.
func New(pool *task.Pool, ctxs []*nsworker.Context, cfg Config) (*Coordinator, error) {
	if len(ctxs) != cfg.ReplicaNum {
		return nil, fmt.Errorf("nofrep: coordinator needs %d namespace contexts for rep-num %d, got %d", cfg.ReplicaNum, cfg.ReplicaNum, len(ctxs))
	}
	byNS := make(map[int]*nsworker.Context, len(ctxs))
	for _, c := range ctxs {
		byNS[c.NS.ID] = c
	}
	if cfg.ErrorLogEveryN <= 0 {
		cfg.ErrorLogEveryN = 1
	}
	return &Coordinator{pool: pool, ctxs: ctxs, byNS: byNS, cfg: cfg}, nil
}

// minSizeInIOs returns the smallest SizeInIOs across every namespace
// in the replica group, the sequential-workload wrap boundary spec.md
// §4.4 specifies.
func (co *Coordinator) minSizeInIOs() int64 {
	min := co.ctxs[0].NS.SizeInIOs
	for _, c := range co.ctxs[1:] {
		if c.NS.SizeInIOs < min {
			min = c.NS.SizeInIOs
		}
	}
	return min
}

// EmitInitial fills depth logical I/Os' worth of in-flight budget: for
// each, it allocates a primary + (N-1) copies from the task pool and
// either submits immediately (rate limiter disabled) or pushes onto
// the pending FIFO (rate limiter enabled).
func (co *Coordinator) EmitInitial(depth int) error {
	for i := 0; i < depth; i++ {
		if err := co.emitOne(depth); err != nil {
			return err
		}
	}
	return nil
}

func (co *Coordinator) emitOne(depth int) error {
	co.nextIOID++
	ioID := co.nextIOID

	primaryCtx := co.ctxs[0]
	primary, err := co.pool.AllocatePrimary(ioID, primaryCtx.NS.ID, depth, co.cfg.IOSizeBytes, co.cfg.IOUnitSize)
	if err != nil {
		return fmt.Errorf("nofrep: emit_initial: allocate_primary: %w", err)
	}
	for _, c := range co.ctxs[1:] {
		if _, err := co.pool.CloneInto(primary, c.NS.ID); err != nil {
			return fmt.Errorf("nofrep: emit_initial: clone_into ns=%d: %w", c.NS.ID, err)
		}
	}
	if co.cfg.SendMainRepLast {
		co.pool.SendPrimaryLast(primary)
	}

	if co.cfg.Gate != nil {
		co.cfg.Gate.Push(primary)
		return nil
	}
	return co.SubmitReplicated(primary)
}

// computeOffsetAndReadDecision implements spec.md §4.4's shared
// (offset_in_ios, is_read) tuple computation, using the primary
// namespace's policy exactly once per logical I/O.
func (co *Coordinator) computeOffsetAndReadDecision(primary *task.Sibling) (int64, bool) {
	primaryCtx := co.byNS[primary.NamespaceID]
	ns := primaryCtx.NS

	var offset int64
	switch {
	case ns.HasZipf():
		offset = ns.NextZipfOffset()
	case co.cfg.RandomOffsets:
		offset = ns.NextRandomOffset()
	default:
		offset = primaryCtx.NextSequentialOffset(co.minSizeInIOs())
	}

	isRead := ns.NextReadDecision(co.cfg.RWMixRead)
	return offset, isRead
}

func isPermanentDeviceError(err error) bool {
	if errno, ok := err.(syscall.Errno); ok {
		return errno == syscall.EIO || errno == syscall.ENODEV
	}
	return false
}

// SubmitReplicated computes the shared offset/read-decision tuple once
// and walks the primary's sibling list in order, calling each
// sibling's transport SubmitIO. Queue-full responses are re-queued
// when ContinueOnError is set; any other failure is treated as that
// sibling's completion (so fan-in still reaches N), after marking the
// owning context draining or failed as appropriate.
func (co *Coordinator) SubmitReplicated(primary *task.Sibling) error {
	offset, isRead := co.computeOffsetAndReadDecision(primary)

	for _, idx := range primary.SiblingList {
		sib := co.pool.Get(idx)
		ctx := co.byNS[sib.NamespaceID]
		if ctx.IsDraining() {
			continue
		}
		sib.IsRead = isRead
		sib.OffsetInIOs = offset
		sib.CreateTime = time.Now()

		err := ctx.Transport.SubmitIO(ctx.Sess, sib, ctx.NS, offset, isRead)
		switch {
		case err == nil:
			ctx.IncQueueDepth()
			ctx.Stats.IOSubmitted.Add(1)
			if co.cfg.Lat != nil && !sib.SubmitTime.IsZero() {
				co.cfg.Lat.Record(ctx.NS.ID, latency.StageTaskQueue, sib.SubmitTime.Sub(sib.CreateTime))
			}
			if co.cfg.NumberIOs > 0 && ctx.Stats.IOSubmitted.Load() >= co.cfg.NumberIOs {
				ctx.SetDraining()
			}
		case err == transport.ErrQueueFull && co.cfg.ContinueOnError:
			ctx.PushQueued(sib)
		default:
			co.logSubmitError(ctx, err)
			if isPermanentDeviceError(err) {
				ctx.SetDraining()
			} else {
				ctx.SetFailed(err)
			}
			// The submission itself never landed in flight, so there
			// is no completion to reap for this sibling; treat the
			// failure as its completion directly so the logical I/O's
			// N-way fan-in still progresses (spec.md §7: "other
			// siblings... may still complete normally").
			co.advanceFanIn(sib)
		}
	}
	return nil
}

func (co *Coordinator) logSubmitError(ctx *nsworker.Context, err error) {
	co.errSeen++
	if co.cfg.Logger != nil && co.errSeen%uint64(co.cfg.ErrorLogEveryN) == 0 {
		co.cfg.Logger.WithNamespace(ctx.NS.ID).Warnf("submit_io failed: %v", err)
	}
}

// OnComplete implements transport.CompletionSink: CheckIO calls this
// synchronously for every reaped completion.
func (co *Coordinator) OnComplete(sib *task.Sibling, errno int) {
	co.OnSiblingComplete(sib, errno)
}

// OnSiblingComplete updates latency stats, runs VerifyIO, and advances
// the logical I/O's fan-in for one reaped completion.
func (co *Coordinator) OnSiblingComplete(sib *task.Sibling, errno int) {
	ctx := co.byNS[sib.NamespaceID]
	ctx.DecQueueDepth()

	sib.CompleteTime = time.Now()
	d := sib.CompleteTime.Sub(sib.SubmitTime)
	ctx.ObserveCompletion(d, len(sib.Payload))
	if co.cfg.Lat != nil {
		co.cfg.Lat.Record(ctx.NS.ID, latency.StageTaskComplete, d)
	}
	if co.cfg.Stats != nil {
		co.cfg.Stats.RecordCompletion(uint64(len(sib.Payload)), uint64(d.Nanoseconds()), errno == 0)
	}

	switch {
	case errno == 0:
		if ctx.NS.ProtectionInfo && sib.IsRead {
			if err := ctx.Transport.VerifyIO(sib, ctx.NS); err != nil {
				if co.cfg.Logger != nil {
					co.cfg.Logger.WithNamespace(ctx.NS.ID).Warnf("verify_io failed: %v", err)
				}
				ctx.SetFailed(err)
			}
		}
	case isPermanentDeviceError(syscall.Errno(-errno)):
		ctx.SetDraining()
	default:
		ctx.SetFailed(fmt.Errorf("nofrep: sibling completion errno %d", errno))
	}

	co.advanceFanIn(sib)
}

// DrainSibling advances a queued-but-never-submitted sibling's fan-in
// without touching queue-depth or latency stats, for the worker's
// drain path: spec.md §4.3's cleanup() "invoking task_complete on each
// [queued task] (which increments counters without resubmission
// because is_draining will be true)".
func (co *Coordinator) DrainSibling(sib *task.Sibling) {
	co.advanceFanIn(sib)
}

// advanceFanIn increments the owning logical I/O's completion counter
// and, on the N-th completion, either releases the replica group (a
// sibling's context is draining) or reissues it — spec.md §4.4's
// on_sibling_complete steps 1-5.
func (co *Coordinator) advanceFanIn(sib *task.Sibling) {
	primary := co.pool.Get(sib.MainTask)
	primary.RepCompletedNum++
	if primary.RepCompletedNum < co.cfg.ReplicaNum {
		return
	}

	primary.RepCompletedNum = 0
	nextIOID := primary.IOID + uint64(co.ctxs[0].QueueDepth)
	if nextIOID == 0 {
		nextIOID = 1
	}

	anyDraining := false
	for _, idx := range primary.SiblingList {
		if co.byNS[co.pool.Get(idx).NamespaceID].IsDraining() {
			anyDraining = true
			break
		}
	}
	if anyDraining {
		co.pool.ReleaseReplicaGroup(primary)
		return
	}

	co.pool.ReassignIOID(primary, nextIOID)
	if co.cfg.Gate != nil {
		co.cfg.Gate.Push(primary)
		co.cfg.Gate.IncBatchCount()
		return
	}
	_ = co.SubmitReplicated(primary)
}
