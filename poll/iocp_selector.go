package poll

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fzft/go-afdpoll/poll/internal/afd"
	"github.com/fzft/go-afdpoll/poll/internal/iocp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// drainBatch is the number of completions retrieved per shutdown drain call.
const drainBatch = 1024

// nextSelectorID numbers selectors for the lifetime of the process, so a
// resource registered with one selector can be refused by another.
var nextSelectorID atomic.Uint64

// iocpSelector emulates readiness on top of a completion port. Sockets are
// polled through AFD; completion sources and wakers complete natively on
// the same port and are told apart by completion key.
type iocpSelector struct {
	id       uint64
	port     iocp.Port
	socks    *sockSelector
	sources  *sourceSet
	handlers *handlerTable
	logger   *zap.Logger

	selecting atomic.Bool
	statuses  []iocp.Entry

	closeOnce sync.Once
	closed    atomic.Bool
}

func newIOCPSelector(port iocp.Port, driver afd.Driver, opts *options) *iocpSelector {
	id := nextSelectorID.Add(1)
	s := &iocpSelector{
		id:       id,
		port:     port,
		socks:    newSockSelector(id, port, driver, opts),
		sources:  newSourceSet(port, opts.logger),
		handlers: newHandlerTable(),
		logger:   opts.logger,
	}
	s.handlers.bind(handlerKey(afdCompletion), func(e *iocp.Entry) (Event, bool) {
		return afdCompletion(s.socks, e)
	})
	s.handlers.bind(handlerKey(wakerCompletion), wakerCompletion)
	return s
}

func (s *iocpSelector) selectorID() uint64 {
	return s.id
}

func (s *iocpSelector) selectEvents(events *Events, timeout time.Duration) error {
	if !s.selecting.CompareAndSwap(false, true) {
		return ErrConcurrentPoll
	}
	defer s.selecting.Store(false)

	if s.closed.Load() {
		return ErrClosed
	}

	events.Clear()
	if timeout >= 0 {
		_, err := s.selectOnce(events, timeout)
		return err
	}
	for {
		n, err := s.selectOnce(events, timeout)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		// nothing user visible came out of the wake, wait again
	}
}

func (s *iocpSelector) selectOnce(events *Events, timeout time.Duration) (int, error) {
	if cap(s.statuses) < events.Cap() {
		s.statuses = make([]iocp.Entry, events.Cap())
	}
	statuses := s.statuses[:events.Cap()]

	err := s.socks.notifyPollStart()
	if err != nil {
		s.socks.notifyPollEnd()
		return 0, err
	}
	n, err := s.port.GetMany(statuses, timeout)
	s.socks.notifyPollEnd()

	if err != nil {
		if errors.Is(err, iocp.ErrTimeout) {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		if ev, ok := s.handlers.dispatch(&statuses[i]); ok {
			events.push(ev)
		}
	}
	return events.Len(), nil
}

func (s *iocpSelector) register(sock Socket, token Token, interest Interest) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.socks.register(sock, token, interest)
}

func (s *iocpSelector) reregister(sock Socket, token Token, interest Interest) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.socks.reregister(sock, token, interest)
}

func (s *iocpSelector) deregister(sock Socket) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.socks.deregister(sock)
}

func (s *iocpSelector) associate(h *CompletionSourceHandle, token Token) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.sources.associate(h, token, s.id, s.handlers)
}

func (s *iocpSelector) dissociate(h *CompletionSourceHandle) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.sources.dissociate(h)
}

func (s *iocpSelector) newWaker(token Token) (waker, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return &iocpWaker{port: s.port, token: token}, nil
}

// close cancels every request still in flight and drains the port so the
// kernel gives back every socket state it holds before the port goes away.
func (s *iocpSelector) close() error {
	if !s.selecting.CompareAndSwap(false, true) {
		return ErrConcurrentPoll
	}
	defer s.selecting.Store(false)

	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.socks.cancelAll()
		s.drain()

		// closing the AFD handles completes whatever is left on them
		err = s.socks.group.close()
		s.drain()
		err = multierr.Append(err, s.port.Close())

		leaked := 0
		for _, st := range s.socks.refs.takeAll() {
			st.unref()
			leaked++
		}
		leaked += s.sources.releaseAll()
		if leaked > 0 {
			s.logger.Warn("operations still owned by the kernel at close", zap.Int("count", leaked))
		}
	})
	return err
}

// drain retrieves queued completions without blocking and reclaims the
// kernel references they carry. Retrieval errors end the drain.
func (s *iocpSelector) drain() {
	statuses := make([]iocp.Entry, drainBatch)
	sockKey := handlerKey(afdCompletion)
	wakerKey := handlerKey(wakerCompletion)
	for {
		n, err := s.port.GetMany(statuses, 0)
		if err != nil || n == 0 {
			return
		}
		for i := 0; i < n; i++ {
			e := &statuses[i]
			switch {
			case e.Overlapped == 0, e.Key == wakerKey:
			case e.Key == sockKey:
				s.socks.reclaim(e)
			default:
				s.sources.reclaim(e)
			}
		}
	}
}
