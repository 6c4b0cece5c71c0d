package poll

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/fzft/go-afdpoll/poll/internal/iocp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSource completes whatever the test posts for its handle.
type testSource struct {
	raw     uintptr
	outcome Outcome

	mu        sync.Mutex
	completed []*Completion
}

func (s *testSource) Complete(c *Completion) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, c)
	return s.outcome
}

func (s *testSource) RawHandle() uintptr {
	return s.raw
}

func (s *testSource) CompletionHandler() CompletionHandler {
	return testSourceCompletion
}

func testSourceCompletion(c *Completion) Outcome {
	if c.Source == nil {
		return OutcomeNone
	}
	return c.Source.Complete(c)
}

// otherSourceCompletion is a second kind of completion source.
func otherSourceCompletion(c *Completion) Outcome {
	return OutcomeSuccess
}

type otherSource struct {
	testSource
}

func (s *otherSource) CompletionHandler() CompletionHandler {
	return otherSourceCompletion
}

// complete posts what the kernel would post for op.
func complete(t *testing.T, p *testPoll, raw uintptr, op *Overlapped, bytes uint32) {
	t.Helper()
	key, ok := p.port.KeyFor(raw)
	require.True(t, ok)
	require.NoError(t, p.port.Post(iocp.Entry{
		Key:        key,
		Overlapped: uintptr(unsafe.Pointer(op)),
		Bytes:      bytes,
	}))
}

func TestAssociateBindsHandlerKey(t *testing.T) {
	p := newTestPoll(t)
	src := &testSource{raw: 500, outcome: OutcomeSuccess}
	h := NewCompletionSourceHandle(src)

	require.NoError(t, p.Registry().Associate(h, 8))
	assert.True(t, h.Associated())

	key, ok := p.port.KeyFor(500)
	require.True(t, ok)
	assert.Equal(t, handlerKey(testSourceCompletion), key)
}

func TestCompletionBecomesEvent(t *testing.T) {
	p := newTestPoll(t)
	events := NewEvents(8)
	src := &testSource{raw: 500, outcome: OutcomeSuccess}
	h := NewCompletionSourceHandle(src)
	require.NoError(t, p.Registry().Associate(h, 8))

	op := &Overlapped{}
	buf := make([]byte, 16)
	require.NoError(t, h.Begin(op, buf))
	assert.Equal(t, 1, p.sel.sources.pending())

	complete(t, p, 500, op, 12)
	require.NoError(t, p.Poll.Poll(events, Infinite))

	require.Equal(t, 1, events.Len())
	ev := events.All()[0]
	assert.Equal(t, Token(8), ev.Token())
	assert.True(t, ev.IsCompleted())
	assert.False(t, ev.IsError())
	assert.False(t, ev.IsReadable())

	require.Len(t, src.completed, 1)
	assert.Same(t, op, src.completed[0].Op)
	assert.EqualValues(t, 12, src.completed[0].Bytes)
	assert.Equal(t, 0, p.sel.sources.pending())
}

func TestCompletionOutcomes(t *testing.T) {
	p := newTestPoll(t)
	events := NewEvents(8)
	src := &testSource{raw: 500, outcome: OutcomeFailure}
	h := NewCompletionSourceHandle(src)
	require.NoError(t, p.Registry().Associate(h, 8))

	op := &Overlapped{}
	require.NoError(t, h.Begin(op))
	complete(t, p, 500, op, 0)
	require.NoError(t, p.Poll.Poll(events, 0))
	require.Equal(t, 1, events.Len())
	assert.True(t, events.All()[0].IsCompleted())
	assert.True(t, events.All()[0].IsError())

	src.outcome = OutcomeNone
	require.NoError(t, h.Begin(op))
	complete(t, p, 500, op, 0)
	require.NoError(t, p.Poll.Poll(events, 0))
	assert.True(t, events.IsEmpty())
}

func TestAssociateTwice(t *testing.T) {
	p := newTestPoll(t)
	h := NewCompletionSourceHandle(&testSource{raw: 500})

	require.NoError(t, p.Registry().Associate(h, 1))
	assert.ErrorIs(t, p.Registry().Associate(h, 1), ErrAlreadyExists)

	// same OS handle through another wrapper
	dup := NewCompletionSourceHandle(&testSource{raw: 500})
	assert.ErrorIs(t, p.Registry().Associate(dup, 2), ErrAlreadyExists)
	assert.Equal(t, 1, p.sel.sources.len())
}

func TestAssociateWithAnotherSelector(t *testing.T) {
	a := newTestPoll(t)
	b := newTestPoll(t)
	h := NewCompletionSourceHandle(&testSource{raw: 500})

	require.NoError(t, a.Registry().Associate(h, 1))
	require.NoError(t, a.Registry().Dissociate(h))

	assert.ErrorIs(t, b.Registry().Associate(h, 1), ErrAlreadyExists)
	assert.ErrorIs(t, b.Registry().Dissociate(h), ErrNotFound)
}

func TestBeginRequiresAssociation(t *testing.T) {
	p := newTestPoll(t)
	h := NewCompletionSourceHandle(&testSource{raw: 500})

	assert.ErrorIs(t, h.Begin(&Overlapped{}), ErrNotFound)
	assert.ErrorIs(t, p.Registry().Dissociate(h), ErrNotFound)

	require.NoError(t, p.Registry().Associate(h, 1))
	op := &Overlapped{}
	require.NoError(t, h.Begin(op))
	assert.Error(t, h.Begin(op))

	h.Abandon(op)
	assert.Equal(t, 0, p.sel.sources.pending())
	assert.NoError(t, h.Begin(op))
}

func TestDissociateWaitsForOutstandingOperations(t *testing.T) {
	p := newTestPoll(t)
	events := NewEvents(8)
	src := &testSource{raw: 500, outcome: OutcomeSuccess}
	h := NewCompletionSourceHandle(src)
	require.NoError(t, p.Registry().Associate(h, 8))

	op := &Overlapped{}
	require.NoError(t, h.Begin(op))
	require.NoError(t, p.Registry().Dissociate(h))
	assert.False(t, h.Associated())

	// still owned by the operation in flight
	assert.Equal(t, 1, p.sel.sources.len())
	assert.ErrorIs(t, h.Begin(&Overlapped{}), ErrNotFound)
	other := NewCompletionSourceHandle(&testSource{raw: 500})
	assert.ErrorIs(t, p.Registry().Associate(other, 9), ErrAlreadyExists)

	complete(t, p, 500, op, 3)
	require.NoError(t, p.Poll.Poll(events, 0))
	assert.Equal(t, []Token{8}, tokens(events))
	assert.Equal(t, 0, p.sel.sources.len())

	// the handle is still on the port, the same wrapper goes back as is
	adds := p.port.Adds()
	require.NoError(t, p.Registry().Associate(h, 9))
	assert.Equal(t, adds, p.port.Adds())
	assert.ErrorIs(t, p.Registry().Associate(other, 10), ErrAlreadyExists)
}

func TestReusedHandleValueIsAddedAgain(t *testing.T) {
	p := newTestPoll(t)
	events := NewEvents(8)
	h := NewCompletionSourceHandle(&testSource{raw: 500})
	require.NoError(t, p.Registry().Associate(h, 1))
	require.NoError(t, p.Registry().Dissociate(h))
	p.port.CloseHandle(500)

	// a new resource got the closed handle's value
	adds := p.port.Adds()
	reused := NewCompletionSourceHandle(&testSource{raw: 500, outcome: OutcomeSuccess})
	require.NoError(t, p.Registry().Associate(reused, 2))
	assert.Equal(t, adds+1, p.port.Adds())

	op := &Overlapped{}
	require.NoError(t, reused.Begin(op))
	complete(t, p, 500, op, 0)
	require.NoError(t, p.Poll.Poll(events, Infinite))
	assert.Equal(t, []Token{2}, tokens(events))

	// and again, by a resource of another kind
	require.NoError(t, p.Registry().Dissociate(reused))
	p.port.CloseHandle(500)
	other := NewCompletionSourceHandle(&otherSource{testSource{raw: 500}})
	require.NoError(t, p.Registry().Associate(other, 3))
	key, ok := p.port.KeyFor(500)
	require.True(t, ok)
	assert.Equal(t, handlerKey(otherSourceCompletion), key)
}

func TestSourcesShareThePortWithSockets(t *testing.T) {
	p := newTestPoll(t)
	events := NewEvents(8)

	a := NewCompletionSourceHandle(&testSource{raw: 500, outcome: OutcomeSuccess})
	b := NewCompletionSourceHandle(&otherSource{testSource{raw: 501}})
	require.NoError(t, p.Registry().Associate(a, 1))
	require.NoError(t, p.Registry().Associate(b, 2))

	w, err := NewWaker(p.Registry(), 3)
	require.NoError(t, err)

	opA, opB := &Overlapped{}, &Overlapped{}
	require.NoError(t, a.Begin(opA))
	require.NoError(t, b.Begin(opB))
	complete(t, p, 500, opA, 0)
	complete(t, p, 501, opB, 0)
	require.NoError(t, w.Wake())

	require.NoError(t, p.Poll.Poll(events, 0))
	assert.ElementsMatch(t, []Token{1, 2, 3}, tokens(events))
}

func TestUntrackedCompletionRunsHandler(t *testing.T) {
	p := newTestPoll(t)
	events := NewEvents(8)
	h := NewCompletionSourceHandle(&otherSource{testSource{raw: 501}})
	require.NoError(t, p.Registry().Associate(h, 2))

	key, _ := p.port.KeyFor(501)
	require.NoError(t, p.port.Post(iocp.Entry{Key: key, Overlapped: 77}))
	require.NoError(t, p.Poll.Poll(events, 0))
	assert.Equal(t, []Token{77}, tokens(events))
}

func TestCloseReleasesOutstandingOperations(t *testing.T) {
	p := newTestPoll(t)
	h := NewCompletionSourceHandle(&testSource{raw: 500})
	require.NoError(t, p.Registry().Associate(h, 1))

	drained, lost := &Overlapped{}, &Overlapped{}
	require.NoError(t, h.Begin(drained))
	require.NoError(t, h.Begin(lost))
	complete(t, p, 500, drained, 0)

	require.NoError(t, p.Close())
	assert.Equal(t, 0, p.sel.sources.pending())
	assert.ErrorIs(t, p.Registry().Associate(NewCompletionSourceHandle(&testSource{raw: 600}), 1), ErrClosed)
}

func TestOverlappedOffset(t *testing.T) {
	var o Overlapped
	o.SetOffset(1<<32 + 5)
	assert.EqualValues(t, 5, o.Offset)
	assert.EqualValues(t, 1, o.OffsetHigh)
}
