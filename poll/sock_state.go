package poll

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/fzft/go-afdpoll/poll/internal/afd"
	"go.uber.org/zap"
)

type pollStatus uint8

const (
	statusIdle pollStatus = iota
	statusPending
	statusCancelled
)

func (s pollStatus) String() string {
	switch s {
	case statusIdle:
		return "idle"
	case statusPending:
		return "pending"
	case statusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// alwaysReported are reported even when the caller did not ask for them.
const alwaysReported = afd.PollConnectFail | afd.PollAbort

// sockState is the per socket poll state.
//
// iosb and pollInfo are written by the kernel while a request is in flight,
// so a pending sockState is lent to the kernel through kernelRefs and only
// reclaimed once the matching completion has been dequeued.
type sockState struct {
	iosb     afd.IOStatusBlock
	pollInfo afd.PollInfo

	mu            sync.Mutex
	member        *groupMember
	sel           *sockSelector
	rawSocket     uintptr
	baseSocket    uintptr
	userEvents    uint32
	pendingEvents uint32
	userData      uint64
	status        pollStatus
	deletePending bool

	// one for the socket attachment, one per kernel reference
	refs atomic.Int32
}

func newSockState(sel *sockSelector, member *groupMember, raw, base uintptr) *sockState {
	st := &sockState{
		member:     member,
		sel:        sel,
		rawSocket:  raw,
		baseSocket: base,
	}
	st.refs.Store(1)
	return st
}

// setEvent stores the requested flags and the user data. It reports whether
// the pending request misses any of them. Callers hold st.mu.
func (st *sockState) setEvent(flags uint32, data uint64) bool {
	events := flags | alwaysReported
	st.userEvents = events
	st.userData = data
	return events&^st.pendingEvents != 0
}

// update brings the kernel request in line with userEvents. Callers hold
// st.mu and have checked that the state is not pending deletion.
func (st *sockState) update() error {
	switch st.status {
	case statusPending:
		if st.userEvents&afd.KnownEvents&^st.pendingEvents == 0 {
			// the request in flight already covers everything asked for
			return nil
		}
		// a new request goes out once the cancellation completes
		return st.cancel()
	case statusCancelled:
		return nil
	}

	st.pollInfo.Exclusive = 0
	st.pollInfo.NumberOfHandles = 1
	st.pollInfo.Timeout = math.MaxInt64
	st.pollInfo.Handles[0] = afd.PollHandleInfo{
		Handle: st.baseSocket,
		Events: st.userEvents | afd.PollLocalClose,
	}

	ctx := st.sel.refs.into(st)
	err := st.member.handle.Poll(&st.pollInfo, &st.iosb, ctx)
	if err != nil && !errors.Is(err, afd.ErrPending) {
		// the kernel did not take the request
		st.sel.refs.from(ctx)
		st.unref()

		if errors.Is(err, afd.ErrInvalidHandle) {
			st.sel.logger.Debug("socket closed before poll", zap.Uintptr("socket", st.rawSocket))
			st.markDelete()
			return nil
		}
		return err
	}

	st.status = statusPending
	st.pendingEvents = st.userEvents
	return nil
}

func (st *sockState) cancel() error {
	if st.status != statusPending {
		panic("poll: cancel of a socket state that is " + st.status.String())
	}
	if err := st.member.handle.Cancel(&st.iosb); err != nil {
		return err
	}
	st.status = statusCancelled
	st.pendingEvents = 0
	return nil
}

// feedEvent consumes the completion of the request in flight. Callers hold
// st.mu.
func (st *sockState) feedEvent() (Event, bool) {
	st.status = statusIdle
	st.pendingEvents = 0

	var events uint32
	switch status := st.iosb.NTStatus(); {
	case st.deletePending:
		return Event{}, false
	case status == afd.StatusCancelled:
		// our own cancellation
	case !afd.Succeeded(status):
		events = afd.PollConnectFail
	case st.pollInfo.NumberOfHandles < 1:
	case st.pollInfo.Handles[0].Events&afd.PollLocalClose != 0:
		st.markDelete()
		return Event{}, false
	default:
		events = st.pollInfo.Handles[0].Events
	}

	events &= st.userEvents
	if events == 0 {
		return Event{}, false
	}

	// Edge triggering: a reported readiness is not polled for again until
	// the caller reregisters it.
	if events&interestFlags(Readable) != 0 {
		st.userEvents &^= interestFlags(Readable)
	}
	if events&interestFlags(Writable) != 0 {
		st.userEvents &^= interestFlags(Writable)
	}

	return Event{data: st.userData, flags: events}, true
}

// markDelete is idempotent. Callers hold st.mu.
func (st *sockState) markDelete() {
	if st.deletePending {
		return
	}
	if st.status == statusPending {
		if err := st.cancel(); err != nil {
			st.sel.logger.Debug("failed to cancel poll", zap.Uintptr("socket", st.rawSocket), zap.Error(err))
		}
	}
	st.deletePending = true
}

// unref drops one reference; the last one gives the pool member back.
func (st *sockState) unref() {
	if st.refs.Add(-1) == 0 {
		st.sel.group.release(st.member)
	}
}
