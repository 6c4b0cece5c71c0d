package poll

import (
	"testing"

	"github.com/fzft/go-afdpoll/poll/internal/afd"
	"github.com/stretchr/testify/assert"
)

func TestInterest(t *testing.T) {
	both := Readable.Add(Writable)
	assert.True(t, both.IsReadable())
	assert.True(t, both.IsWritable())
	assert.Equal(t, Writable, both.Remove(Readable))
	assert.Equal(t, "READABLE|WRITABLE", both.String())
	assert.Equal(t, "NONE", Interest(0).String())
}

func TestInterestFlags(t *testing.T) {
	assert.Equal(t, afd.PollReceive|afd.PollAccept|afd.PollDisconnect, interestFlags(Readable))
	assert.Equal(t, afd.PollSend, interestFlags(Writable))
	assert.Zero(t, interestFlags(0))
}

func TestEventClasses(t *testing.T) {
	cases := []struct {
		name  string
		flags uint32
		check func(Event) bool
	}{
		{"accept is readable", afd.PollAccept, Event.IsReadable},
		{"disconnect is read closed", afd.PollDisconnect, Event.IsReadClosed},
		{"abort is write closed", afd.PollAbort, Event.IsWriteClosed},
		{"connect fail is an error", afd.PollConnectFail, Event.IsError},
		{"send is writable", afd.PollSend, Event.IsWritable},
		{"completion", flagCompleted, Event.IsCompleted},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.True(t, c.check(Event{flags: c.flags}))
		})
	}

	recv := Event{data: 3, flags: afd.PollReceive}
	assert.False(t, recv.IsWritable())
	assert.False(t, recv.IsReadClosed())
	assert.False(t, recv.IsCompleted())
	assert.Equal(t, Token(3), recv.Token())
}

func TestEventsBuffer(t *testing.T) {
	events := NewEvents(0)
	assert.Equal(t, 1, events.Cap())
	assert.True(t, events.IsEmpty())

	events = NewEvents(4)
	events.push(Event{data: 1})
	events.push(Event{data: 2})
	assert.Equal(t, 2, events.Len())
	assert.Equal(t, Token(2), events.All()[1].Token())

	events.Clear()
	assert.True(t, events.IsEmpty())
	assert.Equal(t, 4, events.Cap())
}

func TestOptions(t *testing.T) {
	_, err := resolveOptions([]Option{WithGroupSize(0)})
	assert.Error(t, err)
	_, err = resolveOptions([]Option{WithLogger(nil)})
	assert.Error(t, err)

	o, err := resolveOptions([]Option{nil, WithGroupSize(4), WithConcurrency(2)})
	assert.NoError(t, err)
	assert.Equal(t, 4, o.groupSize)
	assert.Equal(t, uint32(2), o.concurrency)
	assert.NotNil(t, o.logger)
}
