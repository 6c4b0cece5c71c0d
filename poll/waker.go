package poll

import (
	"github.com/fzft/go-afdpoll/poll/internal/afd"
	"github.com/fzft/go-afdpoll/poll/internal/iocp"
)

type waker interface {
	wake() error
	close() error
}

// Waker unblocks a goroutine parked in Poll.Poll. The woken call returns one
// readable event carrying the waker's token.
type Waker struct {
	w waker
}

// NewWaker creates a waker for the selector behind r.
func NewWaker(r *Registry, token Token) (*Waker, error) {
	w, err := r.sel.newWaker(token)
	if err != nil {
		return nil, err
	}
	return &Waker{w: w}, nil
}

// Wake is safe to call from any goroutine.
func (w *Waker) Wake() error {
	return w.w.wake()
}

func (w *Waker) Close() error {
	return w.w.close()
}

// iocpWaker posts a zero byte completion whose overlapped value is the
// token.
type iocpWaker struct {
	port  iocp.Port
	token Token
}

func (w *iocpWaker) wake() error {
	return w.port.Post(iocp.Entry{
		Key:        handlerKey(wakerCompletion),
		Overlapped: uintptr(w.token),
	})
}

func (w *iocpWaker) close() error {
	return nil
}

// wakerCompletion identifies waker completions in the dispatch table.
func wakerCompletion(e *iocp.Entry) (Event, bool) {
	return Event{data: uint64(e.Overlapped), flags: afd.PollReceive}, true
}
