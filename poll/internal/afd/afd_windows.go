//go:build windows

package afd

import (
	"os"
	"unsafe"

	"github.com/fzft/go-afdpoll/poll/internal/iocp"
	"golang.org/x/sys/windows"
)

const ioctlAfdPoll = 0x00012024

// Base socket ioctls, tried in order.
const (
	sioBaseHandle        = 0x48000022
	sioBspHandleSelect   = 0x4800001C
	sioBspHandlePoll     = 0x4800001D
	sioBspHandle         = 0x4800001B
	fileSkipSetEventFlag = windows.FILE_SKIP_SET_EVENT_ON_HANDLE
)

// The device name only has to be unique to this package; AFD ignores the
// path below \Device\Afd.
const deviceName = `\Device\Afd\GoAfdPoll`

var (
	modntdll = windows.NewLazySystemDLL("ntdll.dll")

	procNtDeviceIoControlFile = modntdll.NewProc("NtDeviceIoControlFile")
	procNtCancelIoFileEx      = modntdll.NewProc("NtCancelIoFileEx")
)

type driver struct{}

// NewDriver returns the AFD driver of the running system.
func NewDriver() Driver {
	return driver{}
}

func (driver) Open(port iocp.Port, key uintptr) (Handle, error) {
	name, err := windows.NewNTUnicodeString(deviceName)
	if err != nil {
		return nil, err
	}
	oa := &windows.OBJECT_ATTRIBUTES{
		Length:     uint32(unsafe.Sizeof(windows.OBJECT_ATTRIBUTES{})),
		ObjectName: name,
	}

	var (
		h    windows.Handle
		iosb windows.IO_STATUS_BLOCK
	)
	err = windows.NtCreateFile(&h, windows.SYNCHRONIZE, oa, &iosb, nil, 0,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, windows.FILE_OPEN, 0, 0, 0)
	if err != nil {
		return nil, os.NewSyscallError("NtCreateFile", err)
	}

	if err := port.AddHandle(key, uintptr(h)); err != nil {
		_ = windows.CloseHandle(h)
		return nil, err
	}
	if err := windows.SetFileCompletionNotificationModes(h, fileSkipSetEventFlag); err != nil {
		_ = windows.CloseHandle(h)
		return nil, os.NewSyscallError("SetFileCompletionNotificationModes", err)
	}
	return &handle{h: h}, nil
}

func (driver) BaseSocket(s uintptr) (uintptr, error) {
	var err error
	for _, ioctl := range []uint32{sioBaseHandle, sioBspHandleSelect, sioBspHandlePoll, sioBspHandle} {
		var (
			base  windows.Handle
			bytes uint32
		)
		err = windows.WSAIoctl(windows.Handle(s), ioctl, nil, 0,
			(*byte)(unsafe.Pointer(&base)), uint32(unsafe.Sizeof(base)), &bytes, nil, 0)
		if err == nil && base != windows.InvalidHandle {
			return uintptr(base), nil
		}
	}
	return 0, os.NewSyscallError("WSAIoctl", err)
}

type handle struct {
	h windows.Handle
}

func (a *handle) Poll(info *PollInfo, iosb *IOStatusBlock, apcContext uintptr) error {
	iosb.Status = uintptr(StatusPending)
	r0, _, _ := procNtDeviceIoControlFile.Call(
		uintptr(a.h),
		0, // event
		0, // apc routine
		apcContext,
		uintptr(unsafe.Pointer(iosb)),
		ioctlAfdPoll,
		uintptr(unsafe.Pointer(info)),
		unsafe.Sizeof(*info),
		uintptr(unsafe.Pointer(info)),
		unsafe.Sizeof(*info),
	)
	status := uint32(r0)
	switch status {
	case StatusSuccess:
		return nil
	case StatusPending:
		return ErrPending
	}
	errno := windows.NTStatus(status).Errno()
	if errno == windows.ERROR_INVALID_HANDLE {
		return ErrInvalidHandle
	}
	return os.NewSyscallError("NtDeviceIoControlFile", errno)
}

func (a *handle) Cancel(iosb *IOStatusBlock) error {
	if iosb.NTStatus() != StatusPending {
		return nil
	}
	var cancel IOStatusBlock
	r0, _, _ := procNtCancelIoFileEx.Call(
		uintptr(a.h),
		uintptr(unsafe.Pointer(iosb)),
		uintptr(unsafe.Pointer(&cancel)),
	)
	status := uint32(r0)
	if status == StatusSuccess || status == StatusNotFound {
		return nil
	}
	return os.NewSyscallError("NtCancelIoFileEx", windows.NTStatus(status).Errno())
}

func (a *handle) Close() error {
	return os.NewSyscallError("CloseHandle", windows.CloseHandle(a.h))
}
