// Package ratelimit implements the open-loop rate/batch gate of
// spec.md §4.6: io_num_per_second with batch_size gating over a
// pending-logical-I/O FIFO. The C core busy-waits to its deadline;
// Design Note §9 explicitly permits substituting a sleep-to-deadline
// primitive in languages with nanosecond-accurate sleep, which this
// package does, staying behaviorally equivalent within one period.
package ratelimit

import (
	"time"

	"github.com/nofrep/nofrep/internal/task"
)

// Gate gates logical-I/O reissue to a target rate, releasing bursts of
// up to BatchSize back-to-back within each Period.
type Gate struct {
	BatchSize int
	Period    time.Duration

	pending     []*task.Sibling
	submitBatch int
	batchCount  int
	beforeTime  time.Time
}

// New builds a Gate targeting ioPerSecond logical I/Os per second,
// releasing them in bursts of batchSize. period = 1s/ioPerSecond *
// batchSize, exactly as spec.md §4.6 defines it.
func New(ioPerSecond, batchSize int) *Gate {
	if batchSize < 1 {
		batchSize = 1
	}
	period := time.Second / time.Duration(ioPerSecond) * time.Duration(batchSize)
	return &Gate{
		BatchSize:  batchSize,
		Period:     period,
		beforeTime: time.Now(),
	}
}

// Push appends a primary sibling onto the pending-logical-I/O FIFO.
func (g *Gate) Push(primary *task.Sibling) { g.pending = append(g.pending, primary) }

// IncBatchCount records that a reissue was pushed onto the pending
// FIFO (spec.md §4.4 step 5); EmitInitial's initial fill does not
// advance batch_count, only the coordinator's reissue path does.
func (g *Gate) IncBatchCount() { g.batchCount++ }

// Pending reports the current FIFO depth, for tests and diagnostics.
func (g *Gate) Pending() int { return len(g.pending) }

// Tick drains up to BatchSize pending primaries through submit (one
// worker main-loop iteration's worth of gate servicing), then, once
// BatchSize reissues have been queued, resets both counters and
// sleeps to the next period boundary.
func (g *Gate) Tick(submit func(*task.Sibling)) {
	for g.submitBatch < g.BatchSize && len(g.pending) > 0 {
		p := g.pending[0]
		g.pending = g.pending[1:]
		submit(p)
		g.submitBatch++
	}
	if g.batchCount >= g.BatchSize {
		g.submitBatch = 0
		g.batchCount = 0
		target := g.beforeTime.Add(g.Period)
		if now := time.Now(); now.Before(target) {
			time.Sleep(target.Sub(now))
		}
		g.beforeTime = time.Now()
	}
}
