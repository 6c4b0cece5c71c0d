package fake

import (
	"sync"

	"github.com/fzft/go-afdpoll/poll/internal/afd"
	"github.com/fzft/go-afdpoll/poll/internal/iocp"
)

// op is a poll request the fake kernel still owns.
type op struct {
	handle *Handle
	info   *afd.PollInfo
	iosb   *afd.IOStatusBlock
	ctx    uintptr
}

// Driver emulates AFD: readiness is level triggered per socket and a poll
// request completes as soon as one of its requested events is ready.
type Driver struct {
	mu      sync.Mutex
	nextID  uintptr
	live    map[*Handle]struct{}
	pending map[uintptr]*op // by socket
	ready   map[uintptr]uint32
	closed  map[uintptr]bool
	bases   map[uintptr]uintptr

	submissions       int
	doubleSubmissions int
	cancels           int
}

func NewDriver() *Driver {
	return &Driver{
		nextID:  0x1000,
		live:    make(map[*Handle]struct{}),
		pending: make(map[uintptr]*op),
		ready:   make(map[uintptr]uint32),
		closed:  make(map[uintptr]bool),
		bases:   make(map[uintptr]uintptr),
	}
}

// Handle is one emulated AFD poll handle.
type Handle struct {
	d    *Driver
	id   uintptr
	port iocp.Port
	key  uintptr
}

func (d *Driver) Open(port iocp.Port, key uintptr) (afd.Handle, error) {
	d.mu.Lock()
	d.nextID += 4
	h := &Handle{d: d, id: d.nextID, port: port, key: key}
	d.mu.Unlock()

	if err := port.AddHandle(key, h.id); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.live[h] = struct{}{}
	d.mu.Unlock()
	return h, nil
}

// BaseSocket returns the base registered with SetBase, or s itself.
func (d *Driver) BaseSocket(s uintptr) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if base, ok := d.bases[s]; ok {
		return base, nil
	}
	return s, nil
}

// ID returns the handle value registered with the port.
func (h *Handle) ID() uintptr {
	return h.id
}

func (h *Handle) Poll(info *afd.PollInfo, iosb *afd.IOStatusBlock, ctx uintptr) error {
	d := h.d
	sock := info.Handles[0].Handle

	d.mu.Lock()
	if d.closed[sock] {
		d.mu.Unlock()
		return afd.ErrInvalidHandle
	}
	if _, ok := d.pending[sock]; ok {
		d.doubleSubmissions++
	}
	d.submissions++
	iosb.Status = uintptr(afd.StatusPending)
	o := &op{handle: h, info: info, iosb: iosb, ctx: ctx}
	d.pending[sock] = o

	var post *op
	if d.ready[sock]&info.Handles[0].Events != 0 {
		post = d.completeLocked(sock, d.ready[sock], afd.StatusSuccess)
	}
	d.mu.Unlock()

	if post != nil {
		post.post()
		return nil
	}
	return afd.ErrPending
}

func (h *Handle) Cancel(iosb *afd.IOStatusBlock) error {
	d := h.d

	d.mu.Lock()
	var post *op
	for sock, o := range d.pending {
		if o.iosb == iosb {
			d.cancels++
			post = d.completeLocked(sock, 0, afd.StatusCancelled)
			break
		}
	}
	d.mu.Unlock()

	if post != nil {
		post.post()
	}
	return nil
}

// Close releases the handle; requests still pending on it complete as
// cancelled, as the kernel does when the last reference goes away.
func (h *Handle) Close() error {
	d := h.d

	d.mu.Lock()
	delete(d.live, h)
	var posts []*op
	for sock, o := range d.pending {
		if o.handle == h {
			posts = append(posts, d.completeLocked(sock, 0, afd.StatusCancelled))
		}
	}
	d.mu.Unlock()

	for _, o := range posts {
		o.post()
	}
	return nil
}

// SetReady raises the readiness level of sock and completes its pending
// request if it asked for any of events.
func (d *Driver) SetReady(sock uintptr, events uint32) {
	d.mu.Lock()
	d.ready[sock] |= events
	var post *op
	if o, ok := d.pending[sock]; ok && o.info.Handles[0].Events&d.ready[sock] != 0 {
		post = d.completeLocked(sock, d.ready[sock], afd.StatusSuccess)
	}
	d.mu.Unlock()

	if post != nil {
		post.post()
	}
}

// ClearReady lowers the readiness level of sock.
func (d *Driver) ClearReady(sock uintptr, events uint32) {
	d.mu.Lock()
	d.ready[sock] &^= events
	d.mu.Unlock()
}

// Fail completes the pending request of sock with an NTSTATUS failure.
func (d *Driver) Fail(sock uintptr, status uint32) {
	d.mu.Lock()
	var post *op
	if _, ok := d.pending[sock]; ok {
		post = d.completeLocked(sock, 0, status)
	}
	d.mu.Unlock()

	if post != nil {
		post.post()
	}
}

// CloseSocket reports a local close to the pending request of sock; later
// submissions fail with an invalid handle.
func (d *Driver) CloseSocket(sock uintptr) {
	d.mu.Lock()
	d.closed[sock] = true
	var post *op
	if _, ok := d.pending[sock]; ok {
		post = d.completeLocked(sock, afd.PollLocalClose, afd.StatusSuccess)
	}
	d.mu.Unlock()

	if post != nil {
		post.post()
	}
}

// SetBase makes BaseSocket(s) return base.
func (d *Driver) SetBase(s, base uintptr) {
	d.mu.Lock()
	d.bases[s] = base
	d.mu.Unlock()
}

// LiveHandles returns the number of open AFD handles.
func (d *Driver) LiveHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Pending returns the number of requests the fake kernel still owns.
func (d *Driver) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// PendingEvents returns the events requested by the pending request of sock.
func (d *Driver) PendingEvents(sock uintptr) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.pending[sock]
	if !ok {
		return 0, false
	}
	return o.info.Handles[0].Events, true
}

func (d *Driver) Submissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submissions
}

// DoubleSubmissions counts requests submitted while another one was still
// pending for the same socket.
func (d *Driver) DoubleSubmissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doubleSubmissions
}

func (d *Driver) Cancels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancels
}

// completeLocked fills the request blocks the way the kernel would and
// detaches the request. The caller posts it after releasing d.mu.
func (d *Driver) completeLocked(sock uintptr, events uint32, status uint32) *op {
	o := d.pending[sock]
	delete(d.pending, sock)

	if status == afd.StatusSuccess {
		o.info.NumberOfHandles = 1
		o.info.Handles[0].Events = events & (o.info.Handles[0].Events | afd.PollLocalClose)
	} else {
		o.info.NumberOfHandles = 0
	}
	o.iosb.Status = uintptr(status)
	return o
}

func (o *op) post() {
	_ = o.handle.port.Post(iocp.Entry{
		Key:        o.handle.key,
		Overlapped: o.ctx,
		Internal:   o.iosb.Status,
	})
}
