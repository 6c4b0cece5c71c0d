package poll

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/fzft/go-afdpoll/poll/internal/afd"
	"github.com/fzft/go-afdpoll/poll/internal/iocp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// sockSelector owns the socket half of the IOCP selector: the AFD handle
// pool, the update queue and the kernel references of socket states.
//
// Submitting or changing an AFD poll request is expensive, so updates are
// queued and flushed right before the poller blocks. When a poller is
// already blocked the flush happens at once, otherwise the new interest
// would only be seen after the wait returns.
type sockSelector struct {
	id     uint64
	driver afd.Driver
	group  *afdGroup
	refs   *kernelRefs
	logger *zap.Logger

	queueMu sync.Mutex
	queue   *queue.Queue // of *sockState

	polling atomic.Bool
}

func newSockSelector(id uint64, port iocp.Port, driver afd.Driver, opts *options) *sockSelector {
	return &sockSelector{
		id:     id,
		driver: driver,
		group:  newAfdGroup(port, driver, handlerKey(afdCompletion), opts.groupSize, opts.logger),
		refs:   newKernelRefs(),
		logger: opts.logger,
		queue:  queue.New(),
	}
}

func (s *sockSelector) register(sock Socket, token Token, interest Interest) error {
	ps := sock.PollState()
	if ps.Registered() {
		return ErrAlreadyExists
	}

	member, err := s.group.acquire()
	if err != nil {
		return err
	}
	raw := sock.RawSocket()
	base, err := s.driver.BaseSocket(raw)
	if err != nil {
		s.group.release(member)
		return err
	}

	st := newSockState(s, member, raw, base)
	st.mu.Lock()
	st.setEvent(interestFlags(interest), uint64(token))
	st.mu.Unlock()

	if err := ps.attach(s.id, st); err != nil {
		st.unref()
		return err
	}

	s.enqueue(st)
	return s.updateIfPolling()
}

func (s *sockSelector) reregister(sock Socket, token Token, interest Interest) error {
	st, ok := sock.PollState().current(s.id).(*sockState)
	if !ok {
		return ErrNotFound
	}

	st.mu.Lock()
	st.setEvent(interestFlags(interest), uint64(token))
	st.mu.Unlock()

	s.enqueue(st)
	return s.updateIfPolling()
}

func (s *sockSelector) deregister(sock Socket) error {
	st, ok := sock.PollState().detach(s.id).(*sockState)
	if !ok {
		return ErrNotFound
	}

	st.mu.Lock()
	st.markDelete()
	st.mu.Unlock()

	st.unref()
	s.group.releaseUnused()
	return nil
}

func (s *sockSelector) enqueue(st *sockState) {
	s.queueMu.Lock()
	s.queue.Add(st)
	s.queueMu.Unlock()
}

// flush submits or adjusts the kernel request of every queued socket.
func (s *sockSelector) flush() error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	var errs error
	for s.queue.Length() > 0 {
		st := s.queue.Remove().(*sockState)

		st.mu.Lock()
		if !st.deletePending {
			if err := st.update(); err != nil {
				errs = multierr.Append(errs, err)
				s.logger.Debug("failed to update socket", zap.Uintptr("socket", st.rawSocket), zap.Error(err))
			}
		}
		st.mu.Unlock()
	}

	s.group.releaseUnused()
	return errs
}

func (s *sockSelector) updateIfPolling() error {
	if s.polling.Load() {
		return s.flush()
	}
	return nil
}

func (s *sockSelector) notifyPollStart() error {
	s.polling.Store(true)
	return s.flush()
}

func (s *sockSelector) notifyPollEnd() {
	s.polling.Store(false)
}

// handleCompletion is the reclaim point of a socket's kernel reference in
// normal operation.
func (s *sockSelector) handleCompletion(e *iocp.Entry) (Event, bool) {
	st := s.refs.from(e.Overlapped)
	if st == nil {
		s.logger.Warn("completion for an unknown socket state", zap.Uintptr("context", e.Overlapped))
		return Event{}, false
	}

	st.mu.Lock()
	ev, ok := st.feedEvent()
	requeue := !st.deletePending
	st.mu.Unlock()

	if requeue {
		s.enqueue(st)
	}
	st.unref()
	s.group.releaseUnused()
	return ev, ok
}

// reclaim drops the kernel reference of a completion without feeding it.
// Only the shutdown drain uses it.
func (s *sockSelector) reclaim(e *iocp.Entry) {
	if st := s.refs.from(e.Overlapped); st != nil {
		st.unref()
	}
}

// cancelAll marks every state lent to the kernel for deletion, which cancels
// its request.
func (s *sockSelector) cancelAll() {
	for _, st := range s.refs.snapshot() {
		st.mu.Lock()
		st.markDelete()
		st.mu.Unlock()
	}
}

// afdCompletion identifies socket poll completions in the dispatch table.
func afdCompletion(s *sockSelector, e *iocp.Entry) (Event, bool) {
	return s.handleCompletion(e)
}
