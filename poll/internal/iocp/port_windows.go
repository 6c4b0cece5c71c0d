//go:build windows

package iocp

import (
	"os"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procGetQueuedCompletionStatusEx = modkernel32.NewProc("GetQueuedCompletionStatusEx")
	procPostQueuedCompletionStatus  = modkernel32.NewProc("PostQueuedCompletionStatus")
)

type port struct {
	h windows.Handle
}

// NewPort creates a completion port. concurrency is the number of threads
// the kernel allows to run concurrently, 0 means one per processor.
func NewPort(concurrency uint32) (Port, error) {
	h, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, concurrency)
	if err != nil {
		return nil, os.NewSyscallError("CreateIoCompletionPort", err)
	}
	return &port{h: h}, nil
}

func (p *port) AddHandle(key uintptr, h uintptr) error {
	if _, err := windows.CreateIoCompletionPort(windows.Handle(h), p.h, key, 0); err != nil {
		return os.NewSyscallError("CreateIoCompletionPort", err)
	}
	return nil
}

func (p *port) GetMany(entries []Entry, timeout time.Duration) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	ms := uint32(windows.INFINITE)
	if timeout >= 0 {
		ms = Milliseconds(timeout)
	}

	var removed uint32
	r1, _, e1 := procGetQueuedCompletionStatusEx.Call(
		uintptr(p.h),
		uintptr(unsafe.Pointer(&entries[0])),
		uintptr(len(entries)),
		uintptr(unsafe.Pointer(&removed)),
		uintptr(ms),
		0, // not alertable
	)
	if r1 == 0 {
		if errno, ok := e1.(syscall.Errno); ok && errno == windows.WAIT_TIMEOUT {
			return 0, ErrTimeout
		}
		return 0, os.NewSyscallError("GetQueuedCompletionStatusEx", e1)
	}
	return int(removed), nil
}

func (p *port) Post(e Entry) error {
	r1, _, e1 := procPostQueuedCompletionStatus.Call(uintptr(p.h), uintptr(e.Bytes), e.Key, e.Overlapped)
	if r1 == 0 {
		return os.NewSyscallError("PostQueuedCompletionStatus", e1)
	}
	return nil
}

func (p *port) Close() error {
	return os.NewSyscallError("CloseHandle", windows.CloseHandle(p.h))
}
