// Package transport presents the uniform vtable over NVMe/AIO/io_uring
// so the coordinator and worker loop never see transport-specific
// submission primitives.
package transport

import (
	"github.com/nofrep/nofrep/internal/nsentry"
	"github.com/nofrep/nofrep/internal/task"
)

// CompletionSink is how a transport reports reaped completions back to
// the coordinator, without importing nsworker or coordinator (which
// would create an import cycle — both depend on transport, not the
// reverse).
type CompletionSink interface {
	// OnComplete is called synchronously from CheckIO for each reaped
	// completion, with the raw negative errno (0 on success). A
	// transport-level polling failure (not tied to one sibling) is
	// reported instead via CheckIO's -1 return, which the caller (who
	// holds the owning nsworker.Context) turns into a draining
	// transition directly — see spec.md §4.2's check_io contract.
	OnComplete(sib *task.Sibling, errno int)
}

// Transport is the capability set every variant implements. Session is
// the handle returned by InitNSWorkerCtx; callers (nsworker.Context)
// hold it opaquely and pass it back into every other vtable call,
// mirroring the C core passing ns_worker_ctx into every transport
// entry point.
type Transport interface {
	// SetupPayload allocates a payload and iovecs for a sibling; each
	// variant builds its own buffer (aio and uring align it to 4096
	// bytes). task.Pool.AllocatePrimary does not call this method; it
	// uses the pool's own task.SetupPayload.
	SetupPayload(s *task.Sibling, ioSizeBytes, ioUnitSize int, pattern byte)

	// SubmitIO issues the read or write at LBA offsetInIOs*ioSizeBlocks
	// against the queue pair selected round-robin within sess. Returns
	// nil on successful enqueue, ErrQueueFull to signal "retry later",
	// or another error that is fatal for the namespace.
	SubmitIO(sess Session, s *task.Sibling, ns *nsentry.Namespace, offsetInIOs int64, isRead bool) error

	// CheckIO polls up to maxCompletions completions on sess, invoking
	// sink.OnComplete for each. Returns the number reaped, or -1 on
	// transport error.
	CheckIO(sess Session, sink CompletionSink, maxCompletions int) int

	// VerifyIO checks DIF/DIX over a completed read's iovecs when the
	// namespace has protection information enabled.
	VerifyIO(s *task.Sibling, ns *nsentry.Namespace) error

	// InitNSWorkerCtx / CleanupNSWorkerCtx perform transport-specific
	// queue-pair setup and teardown.
	InitNSWorkerCtx(ns *nsentry.Namespace, numActive, numUnused int) (Session, error)
	CleanupNSWorkerCtx(sess Session) error
}

// Session is the opaque per-(worker,namespace) transport state
// returned by InitNSWorkerCtx (queue pairs, poll group, event arrays).
type Session interface {
	// Connected reports whether every queue pair has finished
	// connecting; InitNSWorkerCtx callers busy-poll this for up to 10s.
	Connected() bool
	// NextQPair advances and returns the round-robin active queue pair
	// index, in [0, numActiveQPairs). Unused qpairs exist but are never
	// selected here, per the round-robin discipline.
	NextQPair() int
	Close() error
}

// ErrQueueFull is returned by SubmitIO to signal -ENOMEM: the sibling
// should be re-queued rather than treated as a fatal namespace error.
var ErrQueueFull = queueFullError{}

type queueFullError struct{}

func (queueFullError) Error() string { return "nofrep: transport queue full" }
