//go:build linux

package poll

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/fzft/go-afdpoll/poll/internal/afd"
	"github.com/fzft/go-afdpoll/poll/internal/iocp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
)

func newSelector(o *options) (selector, error) {
	return newEpollSelector(o)
}

// epollEntry is what an epoll registration attaches to a socket.
type epollEntry struct {
	fd int
}

// epollSelector serves the poll API with edge triggered epoll. Readiness is
// native here, so there is nothing to emulate or to hand to the kernel.
type epollSelector struct {
	id     uint64
	epfd   int
	logger *zap.Logger

	mu     sync.Mutex
	tokens map[int]Token // registered sockets
	wakers map[int]Token // eventfd wakers

	selecting atomic.Bool
	buf       []unix.EpollEvent

	closeOnce sync.Once
	closed    atomic.Bool
}

func newEpollSelector(o *options) (*epollSelector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollSelector{
		id:     nextSelectorID.Add(1),
		epfd:   epfd,
		logger: o.logger,
		tokens: make(map[int]Token),
		wakers: make(map[int]Token),
	}, nil
}

func (s *epollSelector) selectorID() uint64 {
	return s.id
}

func (s *epollSelector) selectEvents(events *Events, timeout time.Duration) error {
	if !s.selecting.CompareAndSwap(false, true) {
		return ErrConcurrentPoll
	}
	defer s.selecting.Store(false)

	if s.closed.Load() {
		return ErrClosed
	}

	events.Clear()
	msec := -1
	if timeout >= 0 {
		msec = int(iocp.Milliseconds(timeout))
	}
	if cap(s.buf) < events.Cap() {
		s.buf = make([]unix.EpollEvent, events.Cap())
	}
	buf := s.buf[:events.Cap()]

	for {
		n, err := unix.EpollWait(s.epfd, buf, msec)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return os.NewSyscallError("epoll_wait", err)
		}
		for i := 0; i < n; i++ {
			if ev, ok := s.event(&buf[i]); ok {
				events.push(ev)
			}
		}
		if msec >= 0 || events.Len() > 0 {
			return nil
		}
	}
}

func (s *epollSelector) event(ev *unix.EpollEvent) (Event, bool) {
	fd := int(ev.Fd)

	s.mu.Lock()
	defer s.mu.Unlock()

	if token, ok := s.wakers[fd]; ok {
		drainEventfd(fd)
		return Event{data: uint64(token), flags: afd.PollReceive}, true
	}
	token, ok := s.tokens[fd]
	if !ok {
		// deregistered while the wait was in progress
		return Event{}, false
	}
	return Event{data: uint64(token), flags: epollFlags(ev.Events)}, true
}

// epollFlags translates epoll events to the flag encoding of Event.
func epollFlags(events uint32) uint32 {
	var flags uint32
	if events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		flags |= afd.PollReceive
	}
	if events&unix.EPOLLOUT != 0 {
		flags |= afd.PollSend
	}
	if events&unix.EPOLLRDHUP != 0 {
		flags |= afd.PollDisconnect
	}
	if events&unix.EPOLLHUP != 0 {
		flags |= afd.PollAbort
	}
	if events&unix.EPOLLERR != 0 {
		flags |= afd.PollConnectFail
	}
	return flags
}

func interestEvents(interest Interest) uint32 {
	events := uint32(unix.EPOLLET)
	if interest.IsReadable() {
		events |= readEvents
	}
	if interest.IsWritable() {
		events |= writeEvents
	}
	return events
}

func (s *epollSelector) register(sock Socket, token Token, interest Interest) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ps := sock.PollState()
	if ps.Registered() {
		return ErrAlreadyExists
	}

	fd := int(sock.RawSocket())
	if err := ps.attach(s.id, &epollEntry{fd: fd}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: interestEvents(interest)})
	if err != nil {
		ps.abort(s.id)
		return os.NewSyscallError("epoll_ctl add", err)
	}
	s.tokens[fd] = token
	return nil
}

func (s *epollSelector) reregister(sock Socket, token Token, interest Interest) error {
	if s.closed.Load() {
		return ErrClosed
	}
	entry, ok := sock.PollState().current(s.id).(*epollEntry)
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, entry.fd, &unix.EpollEvent{Fd: int32(entry.fd), Events: interestEvents(interest)})
	if err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	s.tokens[entry.fd] = token
	return nil
}

func (s *epollSelector) deregister(sock Socket) error {
	if s.closed.Load() {
		return ErrClosed
	}
	entry, ok := sock.PollState().detach(s.id).(*epollEntry)
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, entry.fd)
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, entry.fd, nil))
}

func (s *epollSelector) associate(*CompletionSourceHandle, Token) error {
	return ErrUnsupported
}

func (s *epollSelector) dissociate(*CompletionSourceHandle) error {
	return ErrUnsupported
}

func (s *epollSelector) newWaker(token Token) (waker, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{Fd: int32(efd), Events: unix.EPOLLIN | unix.EPOLLET})
	if err != nil {
		_ = unix.Close(efd)
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}
	s.wakers[efd] = token
	return &eventfdWaker{sel: s, fd: efd}, nil
}

// close order: wakers, then the epoll fd. Registered sockets belong to the
// caller and stay open.
func (s *epollSelector) close() error {
	if !s.selecting.CompareAndSwap(false, true) {
		return ErrConcurrentPoll
	}
	defer s.selecting.Store(false)

	var errs error
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.mu.Lock()
		for fd := range s.wakers {
			if err := unix.Close(fd); err != nil {
				s.logger.Debug("failed to close eventfd", zap.Int("fd", fd), zap.Error(err))
			}
			delete(s.wakers, fd)
		}
		s.tokens = make(map[int]Token)
		s.mu.Unlock()

		errs = multierr.Append(errs, os.NewSyscallError("close", unix.Close(s.epfd)))
	})
	return errs
}

type eventfdWaker struct {
	sel *epollSelector
	fd  int
}

func (w *eventfdWaker) wake() error {
	buf := uint64(1)
	_, err := unix.Write(w.fd, (*(*[8]byte)(unsafe.Pointer(&buf)))[:])
	if errors.Is(err, unix.EAGAIN) {
		// counter is full, the selector has a wake pending already
		return nil
	}
	return os.NewSyscallError("write", err)
}

func (w *eventfdWaker) close() error {
	s := w.sel
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wakers[w.fd]; !ok {
		return nil
	}
	delete(s.wakers, w.fd)
	if !s.closed.Load() {
		_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, w.fd, nil)
	}
	return os.NewSyscallError("close", unix.Close(w.fd))
}

// drainEventfd resets the counter so the next wake is a new edge.
func drainEventfd(fd int) {
	var buf uint64
	_, _ = unix.Read(fd, (*(*[8]byte)(unsafe.Pointer(&buf)))[:])
}
