package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nofrep/nofrep/internal/nsentry"
	"github.com/nofrep/nofrep/internal/task"
)

type recordingSink struct {
	completions []int
}

func (r *recordingSink) OnComplete(sib *task.Sibling, errno int) {
	r.completions = append(r.completions, errno)
}

func testNamespace(t *testing.T, protectionInfo bool) *nsentry.Namespace {
	t.Helper()
	ns, err := nsentry.Open(0, nsentry.TransportNVMe, 1<<20, 4096, 512, 0, 1)
	require.NoError(t, err)
	ns.ProtectionInfo = protectionInfo
	return ns
}

func TestNVMeWriteThenReadRoundTrip(t *testing.T) {
	tr := NewNVMe()
	ns := testNamespace(t, false)
	sess, err := tr.InitNSWorkerCtx(ns, 1, 0)
	require.NoError(t, err)

	write := &task.Sibling{Payload: []byte("hello-world-payload-0123456789ab")}
	require.NoError(t, tr.SubmitIO(sess, write, ns, 0, false))

	sink := &recordingSink{}
	require.Equal(t, 1, tr.CheckIO(sess, sink, 8))
	require.Equal(t, []int{0}, sink.completions)

	read := &task.Sibling{Payload: make([]byte, len(write.Payload))}
	require.NoError(t, tr.SubmitIO(sess, read, ns, 0, true))
	require.Equal(t, 1, tr.CheckIO(sess, sink, 8))
	require.Equal(t, write.Payload, read.Payload)
}

func TestNVMeQueueFullWhenCompletionChannelSaturated(t *testing.T) {
	tr := NewNVMe()
	ns := testNamespace(t, false)
	sess, err := tr.InitNSWorkerCtx(ns, 1, 0)
	require.NoError(t, err)
	nsess := sess.(*nvmeSession)
	nsess.qpairs[0] = &nvmeQPair{completions: make(chan nvmeCompletion, 1)}

	s1 := &task.Sibling{Payload: []byte("aaaa")}
	s2 := &task.Sibling{Payload: []byte("bbbb")}
	require.NoError(t, tr.SubmitIO(sess, s1, ns, 0, false))
	require.Equal(t, ErrQueueFull, tr.SubmitIO(sess, s2, ns, 0, false))
}

func TestNVMeVerifyIODetectsCorruption(t *testing.T) {
	tr := NewNVMe()
	ns := testNamespace(t, true)
	sess, err := tr.InitNSWorkerCtx(ns, 1, 0)
	require.NoError(t, err)

	write := &task.Sibling{Payload: make([]byte, 1024)}
	for i := range write.Payload {
		write.Payload[i] = byte(i)
	}
	require.NoError(t, tr.SubmitIO(sess, write, ns, 3, false))
	tr.CheckIO(sess, &recordingSink{}, 8)

	read := &task.Sibling{OffsetInIOs: 3, Payload: make([]byte, 1024)}
	require.NoError(t, tr.SubmitIO(sess, read, ns, 3, true))
	tr.CheckIO(sess, &recordingSink{}, 8)
	require.NoError(t, tr.VerifyIO(read, ns))

	read.Payload[0] ^= 0xFF
	require.Error(t, tr.VerifyIO(read, ns))
}

func TestNVMeSessionRoundRobinsQPairs(t *testing.T) {
	tr := NewNVMe()
	ns := testNamespace(t, false)
	sess, err := tr.InitNSWorkerCtx(ns, 3, 0)
	require.NoError(t, err)
	nsess := sess.(*nvmeSession)
	require.Len(t, nsess.qpairs, 3)
	require.Equal(t, []int{0, 1, 2, 0}, []int{nsess.NextQPair(), nsess.NextQPair(), nsess.NextQPair(), nsess.NextQPair()})
}
