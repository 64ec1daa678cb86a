// Package nsworker holds the per-(worker, namespace) mutable state
// described in spec.md §4.3: queue-pair handles, the queued_tasks
// retry FIFO, stats, and the draining flag.
package nsworker

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nofrep/nofrep/internal/constants"
	"github.com/nofrep/nofrep/internal/nsentry"
	"github.com/nofrep/nofrep/internal/task"
	"github.com/nofrep/nofrep/internal/transport"
)

// Stats mirrors the counters spec.md §3 calls out:
// stats.io_completed <= stats.io_submitted at all times. Counters are
// atomic because the main worker's periodic print (spec.md §4.5)
// reads every worker's contexts cross-thread.
type Stats struct {
	IOSubmitted atomic.Uint64
	IOCompleted atomic.Uint64
	BytesDone   atomic.Uint64
	MinLatNs    atomic.Uint64
	MaxLatNs    atomic.Uint64
	TotalLatNs  atomic.Uint64
}

func (s *Stats) observeLatency(d time.Duration) {
	ns := uint64(d.Nanoseconds())
	s.TotalLatNs.Add(ns)
	for {
		cur := s.MinLatNs.Load()
		if cur != 0 && cur <= ns {
			break
		}
		if s.MinLatNs.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := s.MaxLatNs.Load()
		if cur >= ns {
			break
		}
		if s.MaxLatNs.CompareAndSwap(cur, ns) {
			break
		}
	}
}

// Context is one worker's view of one namespace: the handle passed
// into every transport vtable call.
type Context struct {
	NS        *nsentry.Namespace
	WorkerID  int
	Transport transport.Transport
	Sess      transport.Session

	QueueDepth int // per-context submission budget (queue_depth)

	Stats Stats

	currentQueueDepth atomic.Int64
	draining          atomic.Bool
	failed            atomic.Bool
	lastErr           error

	offsetInIOs int64 // sequential-workload cursor; this worker's goroutine only

	queued *retryQueue // retry FIFO; single-threaded, this worker's goroutine only
}

// New builds a Context for one (worker, namespace) pair. Init must be
// called before the context is used for submission.
func New(workerID int, ns *nsentry.Namespace, t transport.Transport, queueDepth int) *Context {
	return &Context{NS: ns, WorkerID: workerID, Transport: t, QueueDepth: queueDepth, queued: newRetryQueue(queueDepth)}
}

// Init delegates to the transport's InitNSWorkerCtx then busy-polls
// for up to ConnectTimeout until every queue pair reports connected,
// matching the bounded busy-poll idiom spec.md §4.3 calls out.
func (c *Context) Init(numActive, numUnused int) error {
	sess, err := c.Transport.InitNSWorkerCtx(c.NS, numActive, numUnused)
	if err != nil {
		return fmt.Errorf("nofrep: nsworker init ns=%d: %w", c.NS.ID, err)
	}
	c.Sess = sess

	deadline := time.Now().Add(constants.ConnectTimeout)
	for !sess.Connected() {
		if time.Now().After(deadline) {
			sess.Close()
			return fmt.Errorf("nofrep: nsworker init ns=%d: queue pairs did not connect within %s", c.NS.ID, constants.ConnectTimeout)
		}
		time.Sleep(constants.ConnectPollInterval)
	}
	return nil
}

// Cleanup drains queued_tasks by invoking onDrain on each (which, per
// spec.md §4.5, increments counters without resubmission because
// IsDraining is already true by the time Cleanup runs), then
// delegates to the transport's CleanupNSWorkerCtx.
func (c *Context) Cleanup(onDrain func(*task.Sibling)) error {
	for _, s := range c.queued.swap() {
		onDrain(s)
	}
	if c.Sess == nil {
		return nil
	}
	return c.Transport.CleanupNSWorkerCtx(c.Sess)
}

// PushQueued appends a sibling that could not be submitted (-ENOMEM)
// to this context's retry FIFO.
func (c *Context) PushQueued(s *task.Sibling) { c.queued.push(s) }

// SwapQueued atomically (from this worker's single goroutine's point
// of view) takes ownership of the current retry FIFO and resets it,
// per spec.md §4.5's "atomically swap queued_tasks into a local list".
func (c *Context) SwapQueued() []*task.Sibling {
	return c.queued.swap()
}

// NextSequentialOffset returns this context's offset_in_ios cursor and
// advances it, wrapping at wrapAt (the minimum SizeInIOs across every
// namespace in the replica group, per spec.md §4.4).
func (c *Context) NextSequentialOffset(wrapAt int64) int64 {
	off := c.offsetInIOs
	c.offsetInIOs++
	if c.offsetInIOs >= wrapAt {
		c.offsetInIOs = 0
	}
	return off
}

func (c *Context) IncQueueDepth() { c.currentQueueDepth.Add(1) }
func (c *Context) DecQueueDepth() { c.currentQueueDepth.Add(-1) }
func (c *Context) CurrentQueueDepth() int64 { return c.currentQueueDepth.Load() }

func (c *Context) IsDraining() bool  { return c.draining.Load() }
func (c *Context) SetDraining()      { c.draining.Store(true) }

func (c *Context) Failed() bool    { return c.failed.Load() }
func (c *Context) SetFailed(err error) {
	c.failed.Store(true)
	c.lastErr = err
}
func (c *Context) LastError() error { return c.lastErr }

// ObserveCompletion records a single sibling completion's latency and
// byte count for the end-of-run aggregate print.
func (c *Context) ObserveCompletion(d time.Duration, bytes int) {
	c.Stats.IOCompleted.Add(1)
	c.Stats.BytesDone.Add(uint64(bytes))
	c.Stats.observeLatency(d)
}
