package nsworker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nofrep/nofrep/internal/nsentry"
	"github.com/nofrep/nofrep/internal/task"
	"github.com/nofrep/nofrep/internal/transport"
)

func testNS(t *testing.T) *nsentry.Namespace {
	t.Helper()
	ns, err := nsentry.Open(0, nsentry.TransportNVMe, 1<<20, 4096, 512, 0, 1)
	require.NoError(t, err)
	return ns
}

func TestInitConnectsAndCleanupDelegates(t *testing.T) {
	tr := transport.NewNVMe()
	ctx := New(0, testNS(t), tr, 4)
	require.NoError(t, ctx.Init(2, 1))
	require.NotNil(t, ctx.Sess)
	require.True(t, ctx.Sess.Connected())

	require.NoError(t, ctx.Cleanup(func(*task.Sibling) {}))
}

func TestQueueDepthAccounting(t *testing.T) {
	ctx := New(0, testNS(t), transport.NewNVMe(), 4)
	require.EqualValues(t, 0, ctx.CurrentQueueDepth())
	ctx.IncQueueDepth()
	ctx.IncQueueDepth()
	require.EqualValues(t, 2, ctx.CurrentQueueDepth())
	ctx.DecQueueDepth()
	require.EqualValues(t, 1, ctx.CurrentQueueDepth())
}

func TestDrainingIsOneWay(t *testing.T) {
	ctx := New(0, testNS(t), transport.NewNVMe(), 4)
	require.False(t, ctx.IsDraining())
	ctx.SetDraining()
	require.True(t, ctx.IsDraining())
}

func TestFailedRecordsLastError(t *testing.T) {
	ctx := New(0, testNS(t), transport.NewNVMe(), 4)
	require.False(t, ctx.Failed())
	sentinel := &testError{"boom"}
	ctx.SetFailed(sentinel)
	require.True(t, ctx.Failed())
	require.Equal(t, sentinel, ctx.LastError())
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestNextSequentialOffsetWrapsAtBoundary(t *testing.T) {
	ctx := New(0, testNS(t), transport.NewNVMe(), 4)
	const wrapAt = 3
	got := []int64{
		ctx.NextSequentialOffset(wrapAt),
		ctx.NextSequentialOffset(wrapAt),
		ctx.NextSequentialOffset(wrapAt),
		ctx.NextSequentialOffset(wrapAt),
	}
	require.Equal(t, []int64{0, 1, 2, 0}, got)
}

func TestPushAndSwapQueuedFIFO(t *testing.T) {
	ctx := New(0, testNS(t), transport.NewNVMe(), 4)
	require.Nil(t, ctx.SwapQueued())

	s1 := &task.Sibling{ArenaIndex: 1}
	s2 := &task.Sibling{ArenaIndex: 2}
	ctx.PushQueued(s1)
	ctx.PushQueued(s2)

	local := ctx.SwapQueued()
	require.Equal(t, []*task.Sibling{s1, s2}, local)
	// The retry FIFO must be empty immediately after the swap.
	require.Nil(t, ctx.SwapQueued())
}

func TestRetryQueueReusesRingSlotsAcrossSwaps(t *testing.T) {
	q := newRetryQueue(2)
	require.Nil(t, q.swap())

	s1 := &task.Sibling{ArenaIndex: 1}
	s2 := &task.Sibling{ArenaIndex: 2}
	q.push(s1)
	require.Equal(t, []*task.Sibling{s1}, q.swap())

	// The backing ring has capacity 2; pushing twice more after a swap
	// must wrap back to slot 0 rather than running out of room.
	q.push(s2)
	s3 := &task.Sibling{ArenaIndex: 3}
	q.push(s3)
	require.Equal(t, []*task.Sibling{s2, s3}, q.swap())
}

func TestObserveCompletionUpdatesStats(t *testing.T) {
	ctx := New(0, testNS(t), transport.NewNVMe(), 4)
	ctx.ObserveCompletion(5*time.Millisecond, 4096)
	ctx.ObserveCompletion(1*time.Millisecond, 4096)

	require.EqualValues(t, 2, ctx.Stats.IOCompleted.Load())
	require.EqualValues(t, 8192, ctx.Stats.BytesDone.Load())
	require.EqualValues(t, 1*time.Millisecond, time.Duration(ctx.Stats.MinLatNs.Load()))
	require.EqualValues(t, 5*time.Millisecond, time.Duration(ctx.Stats.MaxLatNs.Load()))
}
