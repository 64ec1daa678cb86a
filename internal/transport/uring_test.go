package transport

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/nofrep/nofrep/internal/task"
)

// As with aio_test.go, only the transport-agnostic pieces are driven
// here; SubmitIO/InitNSWorkerCtx need a real io_uring_setup and an
// O_DIRECT-capable file and aren't exercised without a real kernel ring.

func TestURingSetupPayloadIsPageAlignedAndFilled(t *testing.T) {
	tr := NewURing(map[int]string{}, 0)
	s := &task.Sibling{}
	tr.SetupPayload(s, 8192, 4096, 0x7F)

	require.Len(t, s.Payload, 8192)
	for _, b := range s.Payload {
		require.Equal(t, byte(0x7F), b)
	}
	addr := uintptr(unsafe.Pointer(&s.Payload[0]))
	require.Zero(t, addr%4096)
}

func TestURingSetupPayloadChunksIntoIOVecs(t *testing.T) {
	tr := NewURing(map[int]string{}, 0)
	s := &task.Sibling{}
	tr.SetupPayload(s, 12288, 4096, 0)
	require.Len(t, s.IOVecs, 3)
}

func TestNewURingDefaultsQueueDepth(t *testing.T) {
	tr := NewURing(map[int]string{}, 0)
	require.EqualValues(t, 128, tr.QueueDepth)

	tr2 := NewURing(map[int]string{}, 256)
	require.EqualValues(t, 256, tr2.QueueDepth)
}

func TestURingSessionRoundRobinsOnlyActiveQPairs(t *testing.T) {
	sess := &uringSession{numActive: 2, qpairs: []*uringQPair{{}, {}, {}}}
	got := []int{sess.NextQPair(), sess.NextQPair(), sess.NextQPair(), sess.NextQPair()}
	require.Equal(t, []int{0, 1, 0, 1}, got)
}

func TestURingInitNSWorkerCtxErrorsWithoutBackingPath(t *testing.T) {
	tr := NewURing(map[int]string{}, 0)
	ns := testNamespace(t, false)
	_, err := tr.InitNSWorkerCtx(ns, 1, 0)
	require.Error(t, err)
}
