package nsworker

import (
	"github.com/cloudwego/gopkg/container/ring"

	"github.com/nofrep/nofrep/internal/task"
)

// retryQueue is the queued_tasks FIFO of spec.md §4.3/§4.5: siblings
// that hit ErrQueueFull on submission and must be retried before any
// new logical I/O is emitted. Backed by a cloudwego/gopkg container/ring.Ring
// sized to queue_depth rather than a growable slice — at most
// queue_depth siblings can ever target one namespace-worker context at
// once, so a fixed-capacity ring (one malloc, no resize) covers the
// worst case exactly, the way the pool's buddy arena covers payloads.
type retryQueue struct {
	slots *ring.Ring[*task.Sibling]
	head  int
	count int
}

func newRetryQueue(capacity int) *retryQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &retryQueue{slots: ring.NewFromSlice(make([]*task.Sibling, capacity))}
}

// push appends s to the back of the FIFO. Callers never push more than
// queue_depth outstanding siblings per context, so the ring never
// wraps onto an unread slot.
func (q *retryQueue) push(s *task.Sibling) {
	idx := (q.head + q.count) % q.slots.Len()
	item, _ := q.slots.Get(idx)
	*item.Pointer() = s
	q.count++
}

// swap takes ownership of every queued sibling and empties the FIFO,
// per spec.md §4.5's "atomically swap queued_tasks into a local list".
func (q *retryQueue) swap() []*task.Sibling {
	if q.count == 0 {
		return nil
	}
	out := make([]*task.Sibling, 0, q.count)
	for i := 0; i < q.count; i++ {
		item, _ := q.slots.Get((q.head + i) % q.slots.Len())
		out = append(out, item.Value())
		*item.Pointer() = nil
	}
	q.head = 0
	q.count = 0
	return out
}
