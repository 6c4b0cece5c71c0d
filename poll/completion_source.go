package poll

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/fzft/go-afdpoll/poll/internal/iocp"
	"go.uber.org/zap"
)

// Overlapped has the layout of the Windows OVERLAPPED structure. Operations
// of a completion source are submitted with a pointer to one and complete
// with the same pointer.
type Overlapped struct {
	Internal     uintptr
	InternalHigh uintptr
	Offset       uint32
	OffsetHigh   uint32
	HEvent       uintptr
}

// SetOffset sets the file offset of the operation.
func (o *Overlapped) SetOffset(off int64) {
	o.Offset = uint32(off)
	o.OffsetHigh = uint32(off >> 32)
}

// Outcome is what a completion handler made of a completion.
type Outcome uint8

const (
	// OutcomeNone produces no event.
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

// Completion is a dequeued completion of a completion source.
type Completion struct {
	// Source and Op are set when the operation was started with
	// CompletionSourceHandle.Begin; otherwise both are nil and the
	// overlapped value is only available as a number.
	Source     CompletionSource
	Op         *Overlapped
	Overlapped uintptr
	Bytes      uint32
	Status     uint32
}

// CompletionHandler handles the completions of one kind of completion
// source. Its identity is the completion key of that kind, so it must be a
// top level function and not a closure bound to one resource.
type CompletionHandler func(c *Completion) Outcome

// CompletionSource is a resource whose operations complete natively on the
// completion port, such as a file opened for overlapped I/O.
type CompletionSource interface {
	// Complete interprets a completion of one of the source's operations.
	Complete(c *Completion) Outcome

	// RawHandle returns the handle associated with the completion port.
	RawHandle() uintptr

	CompletionHandler() CompletionHandler
}

// CompletionSourceHandle wraps a CompletionSource and tracks its
// association with a selector.
type CompletionSourceHandle struct {
	mu         sync.Mutex
	src        CompletionSource
	selectorID uint64
	portKey    uintptr // key the handle was added to the port with, 0 before
	set        *sourceSet
	assoc      *association
}

func NewCompletionSourceHandle(src CompletionSource) *CompletionSourceHandle {
	return &CompletionSourceHandle{src: src}
}

func (h *CompletionSourceHandle) Source() CompletionSource {
	return h.src
}

// Associated reports whether the source is associated with a selector.
func (h *CompletionSourceHandle) Associated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.assoc != nil
}

// Begin records an operation about to be submitted with op. op and bufs are
// pinned until the operation's completion is dequeued. If the submission
// fails the caller must call Abandon.
func (h *CompletionSourceHandle) Begin(op *Overlapped, bufs ...[]byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.assoc == nil {
		return ErrNotFound
	}
	return h.set.begin(h.assoc, op, bufs)
}

// Abandon forgets an operation whose submission failed.
func (h *CompletionSourceHandle) Abandon(op *Overlapped) {
	h.mu.Lock()
	set := h.set
	h.mu.Unlock()

	if set != nil {
		set.abandon(op)
	}
}

// association binds a completion source to the selector's port.
type association struct {
	src          CompletionSource
	handle       uintptr
	handler      CompletionHandler
	key          uintptr
	token        Token
	outstanding  int
	dissociating bool
}

type pendingOp struct {
	assoc  *association
	op     *Overlapped
	pinner runtime.Pinner
}

// sourceSet holds the associations of a selector and the operations still
// owned by the kernel.
type sourceSet struct {
	mu       sync.Mutex
	port     iocp.Port
	assocs   map[*association]struct{}
	byHandle map[uintptr]*association
	ops      map[uintptr]*pendingOp
	logger   *zap.Logger
}

func newSourceSet(port iocp.Port, logger *zap.Logger) *sourceSet {
	return &sourceSet{
		port:     port,
		assocs:   make(map[*association]struct{}),
		byHandle: make(map[uintptr]*association),
		ops:      make(map[uintptr]*pendingOp),
		logger:   logger,
	}
}

func (s *sourceSet) associate(h *CompletionSourceHandle, token Token, selectorID uint64, table *handlerTable) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.assoc != nil {
		return ErrAlreadyExists
	}
	if h.selectorID != 0 && h.selectorID != selectorID {
		return fmt.Errorf("%w: source belongs to selector %d", ErrAlreadyExists, h.selectorID)
	}

	handler := h.src.CompletionHandler()
	key := handlerKey(handler)
	raw := h.src.RawHandle()
	table.bind(key, func(e *iocp.Entry) (Event, bool) {
		return s.dispatch(handler, e)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHandle[raw]; ok {
		return fmt.Errorf("%w: handle %#x", ErrAlreadyExists, raw)
	}
	// the port keeps a handle until it is closed, so only the first
	// association of this wrapper adds it
	switch h.portKey {
	case 0:
		if err := s.port.AddHandle(key, raw); err != nil {
			return err
		}
		h.portKey = key
	case key:
	default:
		return fmt.Errorf("%w: handle %#x was added to the port under another handler", ErrAlreadyExists, raw)
	}

	a := &association{
		src:     h.src,
		handle:  raw,
		handler: handler,
		key:     key,
		token:   token,
	}
	s.assocs[a] = struct{}{}
	s.byHandle[raw] = a

	h.assoc = a
	h.set = s
	h.selectorID = selectorID
	return nil
}

// dissociate removes the association of h. With operations still in flight
// the removal waits for their completions.
func (s *sourceSet) dissociate(h *CompletionSourceHandle) error {
	h.mu.Lock()
	a := h.assoc
	if a == nil || h.set != s {
		h.mu.Unlock()
		return ErrNotFound
	}
	h.assoc = nil
	h.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	a.dissociating = true
	if a.outstanding == 0 {
		s.removeLocked(a)
	}
	return nil
}

func (s *sourceSet) begin(a *association, op *Overlapped, bufs [][]byte) error {
	if op == nil {
		return fmt.Errorf("poll: nil overlapped")
	}
	ctx := uintptr(unsafe.Pointer(op))

	s.mu.Lock()
	defer s.mu.Unlock()

	if a.dissociating {
		return ErrNotFound
	}
	if _, ok := s.ops[ctx]; ok {
		return fmt.Errorf("poll: overlapped %#x already in flight", ctx)
	}

	p := &pendingOp{assoc: a, op: op}
	p.pinner.Pin(op)
	for _, b := range bufs {
		if len(b) > 0 {
			p.pinner.Pin(&b[0])
		}
	}
	s.ops[ctx] = p
	a.outstanding++
	return nil
}

func (s *sourceSet) abandon(op *Overlapped) {
	if p := s.take(uintptr(unsafe.Pointer(op))); p != nil {
		p.pinner.Unpin()
	}
}

// take removes the operation ctx from the in-flight set.
func (s *sourceSet) take(ctx uintptr) *pendingOp {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.ops[ctx]
	if !ok {
		return nil
	}
	delete(s.ops, ctx)
	a := p.assoc
	a.outstanding--
	if a.dissociating && a.outstanding == 0 {
		s.removeLocked(a)
	}
	return p
}

func (s *sourceSet) removeLocked(a *association) {
	delete(s.assocs, a)
	if s.byHandle[a.handle] == a {
		delete(s.byHandle, a.handle)
	}
}

// dispatch runs handler for a completion of its kind.
func (s *sourceSet) dispatch(handler CompletionHandler, e *iocp.Entry) (Event, bool) {
	c := &Completion{
		Overlapped: e.Overlapped,
		Bytes:      e.Bytes,
		Status:     uint32(e.Internal),
	}
	// untracked operations carry their token in the overlapped value
	token := Token(e.Overlapped)

	p := s.take(e.Overlapped)
	if p != nil {
		c.Source = p.assoc.src
		c.Op = p.op
		token = p.assoc.token
		defer p.pinner.Unpin()
	}

	switch handler(c) {
	case OutcomeSuccess:
		return Event{data: uint64(token), flags: flagCompleted}, true
	case OutcomeFailure:
		return Event{data: uint64(token), flags: flagCompleted | errorFlags}, true
	}
	return Event{}, false
}

// reclaim releases a drained completion without running its handler.
func (s *sourceSet) reclaim(e *iocp.Entry) {
	if p := s.take(e.Overlapped); p != nil {
		p.pinner.Unpin()
	}
}

// releaseAll unpins what the kernel never gave back and reports how many
// operations that was.
func (s *sourceSet) releaseAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.ops)
	for ctx, p := range s.ops {
		p.pinner.Unpin()
		delete(s.ops, ctx)
	}
	s.assocs = make(map[*association]struct{})
	s.byHandle = make(map[uintptr]*association)
	return n
}

func (s *sourceSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assocs)
}

func (s *sourceSet) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}
