// Package afd describes the Ancillary Function Driver poll request.
//
// A poll request is submitted against an AFD handle associated with a
// completion port; the kernel fills the PollInfo and IOStatusBlock it was
// given and posts a completion once one of the requested events is ready.
// Both blocks are written asynchronously, so the caller must keep them at a
// fixed address until that completion has been dequeued.
package afd

import (
	"errors"

	"github.com/fzft/go-afdpoll/poll/internal/iocp"
)

// Poll event flags.
const (
	PollReceive          uint32 = 0x0001
	PollReceiveExpedited uint32 = 0x0002
	PollSend             uint32 = 0x0004
	PollDisconnect       uint32 = 0x0008
	PollAbort            uint32 = 0x0010
	PollLocalClose       uint32 = 0x0020
	PollAccept           uint32 = 0x0080
	PollConnectFail      uint32 = 0x0100

	KnownEvents = PollReceive | PollReceiveExpedited | PollSend | PollDisconnect |
		PollAbort | PollLocalClose | PollAccept | PollConnectFail
)

// NTSTATUS values the selector inspects.
const (
	StatusSuccess   uint32 = 0x00000000
	StatusPending   uint32 = 0x00000103
	StatusCancelled uint32 = 0xC0000120
	StatusNotFound  uint32 = 0xC0000225
)

var (
	// ErrPending reports that a poll was submitted and will complete later.
	ErrPending = errors.New("afd: operation pending")

	// ErrInvalidHandle reports that the polled socket is no longer valid,
	// usually because it was closed.
	ErrInvalidHandle = errors.New("afd: invalid handle")
)

// PollHandleInfo is AFD_POLL_HANDLE_INFO.
type PollHandleInfo struct {
	Handle uintptr
	Events uint32
	Status uint32
}

// PollInfo is AFD_POLL_INFO with room for a single handle.
type PollInfo struct {
	Timeout         int64
	NumberOfHandles uint32
	Exclusive       uint32
	Handles         [1]PollHandleInfo
}

// IOStatusBlock is IO_STATUS_BLOCK. The status union is pointer sized; only
// its low 32 bits carry the NTSTATUS.
type IOStatusBlock struct {
	Status      uintptr
	Information uintptr
}

// NTStatus returns the status written by the kernel.
func (b *IOStatusBlock) NTStatus() uint32 {
	return uint32(b.Status)
}

// Succeeded mirrors NT_SUCCESS.
func Succeeded(status uint32) bool {
	return int32(status) >= 0
}

// Handle is one AFD poll handle. Many sockets can be polled through the
// same handle, one outstanding request per socket.
type Handle interface {
	// Poll submits info. It returns nil or ErrPending once the request is
	// in flight; the completion is posted with apcContext as its
	// overlapped value. ErrInvalidHandle means the socket is gone.
	Poll(info *PollInfo, iosb *IOStatusBlock, apcContext uintptr) error

	// Cancel requests cancellation of the poll using iosb. The cancelled
	// request still completes through the port.
	Cancel(iosb *IOStatusBlock) error

	Close() error
}

// Driver opens AFD handles and resolves base sockets.
type Driver interface {
	// Open creates a handle whose completions are posted to port under key.
	Open(port iocp.Port, key uintptr) (Handle, error)

	// BaseSocket returns the base provider socket under s, skipping any
	// layered service providers installed on top of it.
	BaseSocket(s uintptr) (uintptr, error)
}
