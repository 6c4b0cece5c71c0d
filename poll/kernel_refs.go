package poll

import (
	"runtime"
	"sync"
	"unsafe"
)

// kernelRef is the reference a sockState lends to the kernel while its poll
// request is in flight.
type kernelRef struct {
	state  *sockState
	pinner runtime.Pinner
}

// kernelRefs tracks every sockState whose address was handed to the kernel
// as the completion context. The map keeps the state reachable and the
// pinner keeps it in place until the completion is reclaimed through from.
type kernelRefs struct {
	mu   sync.Mutex
	refs map[uintptr]*kernelRef
}

func newKernelRefs() *kernelRefs {
	return &kernelRefs{refs: make(map[uintptr]*kernelRef)}
}

// into takes a reference on st and returns the address to submit as the
// completion context.
func (k *kernelRefs) into(st *sockState) uintptr {
	ctx := uintptr(unsafe.Pointer(st))

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.refs[ctx]; ok {
		panic("poll: socket state submitted to the kernel twice")
	}
	st.refs.Add(1)
	ref := &kernelRef{state: st}
	ref.pinner.Pin(st)
	k.refs[ctx] = ref
	return ctx
}

// from reclaims the reference handed out for ctx. It is the only way back
// from a completion context to its sockState; the caller owns the returned
// reference and must drop it with unref. It returns nil for an unknown ctx.
func (k *kernelRefs) from(ctx uintptr) *sockState {
	k.mu.Lock()
	ref, ok := k.refs[ctx]
	delete(k.refs, ctx)
	k.mu.Unlock()

	if !ok {
		return nil
	}
	ref.pinner.Unpin()
	return ref.state
}

// snapshot returns the states currently lent to the kernel.
func (k *kernelRefs) snapshot() []*sockState {
	k.mu.Lock()
	defer k.mu.Unlock()

	states := make([]*sockState, 0, len(k.refs))
	for _, ref := range k.refs {
		states = append(states, ref.state)
	}
	return states
}

// takeAll reclaims every outstanding reference at once. Only selector close
// uses it, after the port has been drained.
func (k *kernelRefs) takeAll() []*sockState {
	k.mu.Lock()
	refs := k.refs
	k.refs = make(map[uintptr]*kernelRef)
	k.mu.Unlock()

	states := make([]*sockState, 0, len(refs))
	for _, ref := range refs {
		ref.pinner.Unpin()
		states = append(states, ref.state)
	}
	return states
}

func (k *kernelRefs) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.refs)
}
