package fake

import (
	"testing"
	"time"

	"github.com/fzft/go-afdpoll/poll/internal/afd"
	"github.com/fzft/go-afdpoll/poll/internal/iocp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pollInfo(sock uintptr, events uint32) *afd.PollInfo {
	info := &afd.PollInfo{NumberOfHandles: 1}
	info.Handles[0] = afd.PollHandleInfo{Handle: sock, Events: events}
	return info
}

func TestPortTimeouts(t *testing.T) {
	p := NewPort()
	entries := make([]iocp.Entry, 4)

	n, err := p.GetMany(entries, 0)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, iocp.ErrTimeout)

	start := time.Now()
	_, err = p.GetMany(entries, 10*time.Millisecond)
	assert.ErrorIs(t, err, iocp.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	p.Spurious(1)
	n, err = p.GetMany(entries, iocp.Infinite)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPortDeliversPosts(t *testing.T) {
	p := NewPort()
	entries := make([]iocp.Entry, 1)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = p.Post(iocp.Entry{Key: 1, Overlapped: 2})
		_ = p.Post(iocp.Entry{Key: 3, Overlapped: 4})
	}()

	n, err := p.GetMany(entries, iocp.Infinite)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, uintptr(1), entries[0].Key)

	require.Eventually(t, func() bool { return p.Queued() == 1 }, time.Second, time.Millisecond)
	n, err = p.GetMany(entries, 0)
	require.NoError(t, err)
	assert.Equal(t, uintptr(3), entries[0].Key)
	assert.Equal(t, 2, p.Posts())

	require.NoError(t, p.Close())
	_, err = p.GetMany(entries, 0)
	assert.ErrorIs(t, err, ErrPortClosed)
}

func TestPortRejectsSecondAssociation(t *testing.T) {
	p := NewPort()
	require.NoError(t, p.AddHandle(1, 10))
	assert.Error(t, p.AddHandle(2, 10))

	key, ok := p.KeyFor(10)
	assert.True(t, ok)
	assert.Equal(t, uintptr(1), key)

	p.CloseHandle(10)
	_, ok = p.KeyFor(10)
	assert.False(t, ok)
	require.NoError(t, p.AddHandle(2, 10))
	assert.Equal(t, 2, p.Adds())
}

func TestDriverLevelTriggered(t *testing.T) {
	p := NewPort()
	d := NewDriver()
	h, err := d.Open(p, 9)
	require.NoError(t, err)
	assert.Equal(t, 1, d.LiveHandles())

	var iosb afd.IOStatusBlock
	info := pollInfo(100, afd.PollReceive)
	assert.ErrorIs(t, h.Poll(info, &iosb, 0x55), afd.ErrPending)
	assert.Equal(t, afd.StatusPending, iosb.NTStatus())

	d.SetReady(100, afd.PollReceive|afd.PollSend)
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, afd.StatusSuccess, iosb.NTStatus())
	assert.Equal(t, afd.PollReceive, info.Handles[0].Events)

	entries := make([]iocp.Entry, 1)
	n, err := p.GetMany(entries, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, uintptr(9), entries[0].Key)
	assert.Equal(t, uintptr(0x55), entries[0].Overlapped)

	// still ready: the next request completes at once
	info = pollInfo(100, afd.PollSend)
	assert.NoError(t, h.Poll(info, &iosb, 0x55))
	assert.Equal(t, 1, p.Queued())

	require.NoError(t, h.Close())
	assert.Equal(t, 0, d.LiveHandles())
}

func TestDriverCancelAndClose(t *testing.T) {
	p := NewPort()
	d := NewDriver()
	h, err := d.Open(p, 9)
	require.NoError(t, err)

	var iosb, other afd.IOStatusBlock
	require.ErrorIs(t, h.Poll(pollInfo(100, afd.PollReceive), &iosb, 1), afd.ErrPending)
	require.ErrorIs(t, h.Poll(pollInfo(101, afd.PollReceive), &other, 2), afd.ErrPending)
	assert.Equal(t, 0, d.DoubleSubmissions())

	require.NoError(t, h.Cancel(&iosb))
	assert.Equal(t, afd.StatusCancelled, iosb.NTStatus())
	assert.Equal(t, 1, d.Cancels())

	require.NoError(t, h.Close())
	assert.Equal(t, afd.StatusCancelled, other.NTStatus())
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, 2, p.Queued())
}

func TestDriverClosedSocket(t *testing.T) {
	p := NewPort()
	d := NewDriver()
	h, err := d.Open(p, 9)
	require.NoError(t, err)

	var iosb afd.IOStatusBlock
	info := pollInfo(100, afd.PollReceive|afd.PollLocalClose)
	require.ErrorIs(t, h.Poll(info, &iosb, 1), afd.ErrPending)

	d.CloseSocket(100)
	assert.Equal(t, afd.PollLocalClose, info.Handles[0].Events)
	assert.ErrorIs(t, h.Poll(pollInfo(100, afd.PollReceive), &iosb, 1), afd.ErrInvalidHandle)
}

func TestDriverCountsDoubleSubmissions(t *testing.T) {
	d := NewDriver()
	h, err := d.Open(NewPort(), 9)
	require.NoError(t, err)

	var a, b afd.IOStatusBlock
	_ = h.Poll(pollInfo(100, afd.PollReceive), &a, 1)
	_ = h.Poll(pollInfo(100, afd.PollReceive), &b, 2)
	assert.Equal(t, 1, d.DoubleSubmissions())
	assert.Equal(t, 2, d.Submissions())
}
