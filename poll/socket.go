package poll

import (
	"fmt"
	"sync"
)

// Socket is a resource that can be registered for readiness.
type Socket interface {
	// RawSocket returns the OS socket: a SOCKET on Windows, a file
	// descriptor elsewhere.
	RawSocket() uintptr

	// PollState returns the registration slot of the socket. It must
	// return the same pointer for the lifetime of the socket.
	PollState() *SocketState
}

// SocketState carries the registration of a socket. The zero value is an
// unregistered socket; embed it in the type implementing Socket.
type SocketState struct {
	mu         sync.Mutex
	selectorID uint64
	prevID     uint64
	attached   any
}

// attach binds state to the socket on behalf of selector id. A socket that
// was once registered with a selector cannot move to another one.
func (s *SocketState) attach(id uint64, state any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attached != nil {
		return ErrAlreadyExists
	}
	if s.selectorID != 0 && s.selectorID != id {
		return fmt.Errorf("%w: socket belongs to selector %d", ErrAlreadyExists, s.selectorID)
	}
	s.prevID = s.selectorID
	s.selectorID = id
	s.attached = state
	return nil
}

// abort undoes an attach by selector id whose registration then failed.
func (s *SocketState) abort(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectorID != id {
		return
	}
	s.attached = nil
	s.selectorID = s.prevID
}

// current returns the state attached by selector id, or nil.
func (s *SocketState) current(id uint64) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectorID != id {
		return nil
	}
	return s.attached
}

// detach removes and returns the state attached by selector id, or nil.
func (s *SocketState) detach(id uint64) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectorID != id {
		return nil
	}
	state := s.attached
	s.attached = nil
	return state
}

// Registered reports whether the socket is currently registered.
func (s *SocketState) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached != nil
}
