package poll

import "errors"

var (
	// ErrAlreadyExists is returned when registering a socket that is already
	// registered, or associating a completion source that is already
	// associated.
	ErrAlreadyExists = errors.New("poll: already registered")

	// ErrNotFound is returned when reregistering, deregistering or
	// dissociating a resource that was never registered.
	ErrNotFound = errors.New("poll: not registered")

	ErrClosed = errors.New("poll: selector closed")

	// ErrConcurrentPoll is returned when Poll is entered while another
	// goroutine is already blocked in it.
	ErrConcurrentPoll = errors.New("poll: concurrent poll")

	ErrInvalidInterest = errors.New("poll: empty interest")

	// ErrUnsupported is returned on platforms or backends that lack the
	// requested feature.
	ErrUnsupported = errors.New("poll: not supported on this platform")
)
