// Package poll is a readiness based I/O event notification layer.
//
// Sockets are registered with a Registry under a Token and an Interest;
// Poll.Poll blocks until some of them are ready and reports them as events.
// Readiness is edge triggered: once an event reported a socket readable (or
// writable), the socket is not reported readable again until it is
// reregistered with that interest, normally after the caller drained it
// until the OS reported it would block.
//
// On Windows readiness is emulated over an I/O completion port with the
// AFD poll driver, and resources that complete natively on the port, such
// as overlapped files, can be associated through a CompletionSourceHandle
// and are multiplexed on the same Poll. On Linux the same API is served by
// epoll.
package poll

import (
	"time"
)

// Infinite makes Poll.Poll wait until at least one event is available.
const Infinite time.Duration = -1

type selector interface {
	selectorID() uint64
	selectEvents(events *Events, timeout time.Duration) error
	register(sock Socket, token Token, interest Interest) error
	reregister(sock Socket, token Token, interest Interest) error
	deregister(sock Socket) error
	associate(h *CompletionSourceHandle, token Token) error
	dissociate(h *CompletionSourceHandle) error
	newWaker(token Token) (waker, error)
	close() error
}

// Poll owns a selector. Only one goroutine may be inside Poll.Poll at a
// time; the Registry can be used from any goroutine, including while Poll
// is blocked.
type Poll struct {
	registry Registry
}

// New creates a Poll backed by the selector of the running platform.
func New(opts ...Option) (*Poll, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	sel, err := newSelector(o)
	if err != nil {
		return nil, err
	}
	return &Poll{registry: Registry{sel: sel}}, nil
}

// Poll waits for events and stores them in events, replacing what it held.
// A negative timeout (Infinite) waits until at least one event is
// available; otherwise Poll returns after at most timeout, possibly with no
// events.
func (p *Poll) Poll(events *Events, timeout time.Duration) error {
	return p.registry.sel.selectEvents(events, timeout)
}

func (p *Poll) Registry() *Registry {
	return &p.registry
}

// Close releases the selector. Sockets still registered are not closed.
func (p *Poll) Close() error {
	return p.registry.sel.close()
}

// Registry registers resources with a Poll.
type Registry struct {
	sel selector
}

// Register starts monitoring sock for interest. It fails with
// ErrAlreadyExists if sock is already registered.
func (r *Registry) Register(sock Socket, token Token, interest Interest) error {
	if interest == 0 {
		return ErrInvalidInterest
	}
	return r.sel.register(sock, token, interest)
}

// Reregister replaces the token and interest of a registered socket. It is
// also how a socket is re-armed after an event was reported for it.
func (r *Registry) Reregister(sock Socket, token Token, interest Interest) error {
	if interest == 0 {
		return ErrInvalidInterest
	}
	return r.sel.reregister(sock, token, interest)
}

// Deregister stops monitoring sock. No event is reported for it afterwards.
func (r *Registry) Deregister(sock Socket) error {
	return r.sel.deregister(sock)
}

// Associate binds a completion source to the completion port. Operations
// begun through h complete as events carrying token.
func (r *Registry) Associate(h *CompletionSourceHandle, token Token) error {
	return r.sel.associate(h, token)
}

// Dissociate removes the association of h. Operations still in flight
// complete normally first.
func (r *Registry) Dissociate(h *CompletionSourceHandle) error {
	return r.sel.dissociate(h)
}
