package poll

import (
	"fmt"

	"github.com/fzft/go-afdpoll/poll/internal/afd"
)

// Readiness classes, expressed in AFD poll flags. Both backends report
// events in this encoding.
const (
	readableFlags    = afd.PollReceive | afd.PollDisconnect | afd.PollAccept | afd.PollAbort | afd.PollConnectFail
	writableFlags    = afd.PollSend | afd.PollAbort | afd.PollConnectFail
	errorFlags       = afd.PollConnectFail
	readClosedFlags  = afd.PollDisconnect | afd.PollAbort | afd.PollConnectFail
	writeClosedFlags = afd.PollAbort | afd.PollConnectFail

	// flagCompleted marks the completion of an operation of a completion
	// source. It lies outside the AFD flag space.
	flagCompleted uint32 = 1 << 16
)

// Event is a readiness or completion notification.
type Event struct {
	data  uint64
	flags uint32
}

// Token returns the token the resource was registered with.
func (e Event) Token() Token {
	return Token(e.data)
}

func (e Event) IsReadable() bool {
	return e.flags&readableFlags != 0
}

func (e Event) IsWritable() bool {
	return e.flags&writableFlags != 0
}

func (e Event) IsError() bool {
	return e.flags&errorFlags != 0
}

func (e Event) IsReadClosed() bool {
	return e.flags&readClosedFlags != 0
}

func (e Event) IsWriteClosed() bool {
	return e.flags&writeClosedFlags != 0
}

// IsCompleted reports whether the event is the completion of an operation
// submitted through a CompletionSourceHandle.
func (e Event) IsCompleted() bool {
	return e.flags&flagCompleted != 0
}

func (e Event) String() string {
	return fmt.Sprintf("Event{token: %d, readable: %t, writable: %t, error: %t, read_closed: %t, write_closed: %t, completed: %t}",
		e.data, e.IsReadable(), e.IsWritable(), e.IsError(), e.IsReadClosed(), e.IsWriteClosed(), e.IsCompleted())
}

// Events is the output buffer of Poll.Poll. Its capacity bounds how many
// completions one call retrieves.
type Events struct {
	events []Event
}

// NewEvents returns a buffer for up to capacity events.
func NewEvents(capacity int) *Events {
	if capacity < 1 {
		capacity = 1
	}
	return &Events{events: make([]Event, 0, capacity)}
}

func (e *Events) Cap() int {
	return cap(e.events)
}

func (e *Events) Len() int {
	return len(e.events)
}

func (e *Events) IsEmpty() bool {
	return len(e.events) == 0
}

// All returns the events of the last poll. The slice is reused by the next
// call.
func (e *Events) All() []Event {
	return e.events
}

func (e *Events) Clear() {
	e.events = e.events[:0]
}

func (e *Events) push(ev Event) {
	e.events = append(e.events, ev)
}
