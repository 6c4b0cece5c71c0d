//go:build windows

package asyncfile

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/fzft/go-afdpoll/poll"
	"golang.org/x/sys/windows"
)

// ErrSyncCompletion is returned when the kernel finished an operation
// inline. The completion is still queued on the port.
var ErrSyncCompletion = errors.New("asyncfile: operation completed synchronously")

// File is a file opened with FILE_FLAG_OVERLAPPED.
type File struct {
	name   string
	handle windows.Handle
	src    *poll.CompletionSourceHandle
	closed atomic.Bool
}

// Open opens name for reading and writing, creating it if needed.
func Open(name string) (*File, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(
		p,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_ALWAYS,
		windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	f := &File{name: name, handle: h}
	f.src = poll.NewCompletionSourceHandle(f)
	return f, nil
}

func (f *File) Name() string {
	return f.name
}

// Handle returns the completion source handle to associate with a Registry.
func (f *File) Handle() *poll.CompletionSourceHandle {
	return f.src
}

// Read starts reading into buf at the offset set in op. buf and op must not
// be reused until the operation's completion has been polled.
func (f *File) Read(buf []byte, op *poll.Overlapped) error {
	if err := f.src.Begin(op, buf); err != nil {
		return err
	}
	err := windows.ReadFile(f.handle, buf, nil, (*windows.Overlapped)(unsafe.Pointer(op)))
	return f.submitted(op, "ReadFile", err)
}

// Write starts writing buf at the offset set in op. buf and op must not be
// reused until the operation's completion has been polled.
func (f *File) Write(buf []byte, op *poll.Overlapped) error {
	if err := f.src.Begin(op, buf); err != nil {
		return err
	}
	err := windows.WriteFile(f.handle, buf, nil, (*windows.Overlapped)(unsafe.Pointer(op)))
	return f.submitted(op, "WriteFile", err)
}

// submitted maps the result of a submission. Pending is the expected
// outcome; an inline completion is still delivered through the port, so
// the operation stays tracked and the caller is told with
// ErrSyncCompletion.
func (f *File) submitted(op *poll.Overlapped, call string, err error) error {
	switch {
	case err == nil:
		return ErrSyncCompletion
	case errors.Is(err, windows.ERROR_IO_PENDING):
		return nil
	}
	f.src.Abandon(op)
	return &os.PathError{Op: call, Path: f.name, Err: err}
}

// Close closes the file. Operations still in flight complete with an
// error status.
func (f *File) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return os.ErrClosed
	}
	if err := windows.CloseHandle(f.handle); err != nil {
		return os.NewSyscallError("CloseHandle", err)
	}
	return nil
}

func (f *File) RawHandle() uintptr {
	return uintptr(f.handle)
}

func (f *File) CompletionHandler() poll.CompletionHandler {
	return handleCompletion
}

// Complete reports success when the kernel status of the operation is
// STATUS_SUCCESS.
func (f *File) Complete(c *poll.Completion) poll.Outcome {
	status := c.Status
	if c.Op != nil {
		status = uint32(c.Op.Internal)
	}
	if windows.NTStatus(status) != windows.STATUS_SUCCESS {
		return poll.OutcomeFailure
	}
	return poll.OutcomeSuccess
}

func (f *File) String() string {
	return fmt.Sprintf("asyncfile(%s)", f.name)
}

// handleCompletion is the completion handler shared by every File.
func handleCompletion(c *poll.Completion) poll.Outcome {
	if c.Source == nil {
		// not started through Begin, nothing to interpret
		return poll.OutcomeNone
	}
	return c.Source.Complete(c)
}
