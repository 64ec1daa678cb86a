//go:build linux

package transport

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Raw Linux AIO ABI structs. The kernel's io_event/iocb layouts are
// fixed C structs; mirrored here field-for-field the same way the
// teacher's minimal io_uring client hand-rolls SQE/CQE layouts rather
// than pulling in a cgo binding.

const (
	iocbCmdPRead  = 0
	iocbCmdPWrite = 1
)

type iocbT struct {
	Data   uint64
	Key    uint32
	RWFlags uint32
	OpCode uint16
	ReqPrio int16
	Fd     int32
	Buf    uint64
	NBytes uint64
	Offset int64
	Reserved2 uint64
	Flags  uint32
	ResFD  uint32
}

type ioEventT struct {
	Obj  uint64
	Data uint64
	Res  int64
	Res2 int64
}

func buildIOCB(fd uintptr, buf []byte, offset int64, isRead bool) *iocbT {
	op := uint16(iocbCmdPWrite)
	if isRead {
		op = iocbCmdPRead
	}
	iocb := &iocbT{
		OpCode: op,
		Fd:     int32(fd),
		Buf:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
		NBytes: uint64(len(buf)),
		Offset: offset,
	}
	iocb.Data = uint64(uintptr(unsafe.Pointer(iocb)))
	return iocb
}

func setupAIOContext(nrEvents uint32) (uintptr, error) {
	var ctx uintptr
	_, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(nrEvents), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return 0, errno
	}
	return ctx, nil
}

func destroyAIOContext(ctx uintptr) {
	unix.Syscall(unix.SYS_IO_DESTROY, ctx, 0, 0)
}

func submitIOCBs(ctx uintptr, iocbs []*iocbT) (int, error) {
	ptrs := make([]uintptr, len(iocbs))
	for i, cb := range iocbs {
		ptrs[i] = uintptr(unsafe.Pointer(cb))
	}
	n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, ctx, uintptr(len(ptrs)), uintptr(unsafe.Pointer(&ptrs[0])))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

func getEvents(ctx uintptr, events []ioEventT) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	zero := unix.Timespec{}
	n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, ctx, 0, uintptr(len(events)),
		uintptr(unsafe.Pointer(&events[0])), uintptr(unsafe.Pointer(&zero)), 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}
