package poll

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/fzft/go-afdpoll/poll/internal/iocp"
)

// completionFunc turns one dequeued completion into at most one event.
type completionFunc func(e *iocp.Entry) (Event, bool)

// handlerKey derives a completion key from the identity of a handler
// function: its code pointer. Every resource kind declares one handler, so
// the key says which kind a completion belongs to.
func handlerKey(fn any) uintptr {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		panic(fmt.Sprintf("poll: handler key of %T", fn))
	}
	return v.Pointer()
}

// handlerTable routes completion keys to the selector's handlers.
type handlerTable struct {
	mu       sync.RWMutex
	handlers map[uintptr]completionFunc
}

func newHandlerTable() *handlerTable {
	return &handlerTable{handlers: make(map[uintptr]completionFunc)}
}

// bind installs fn under key unless the key already has a handler.
func (t *handlerTable) bind(key uintptr, fn completionFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[key]; !ok {
		t.handlers[key] = fn
	}
}

func (t *handlerTable) dispatch(e *iocp.Entry) (Event, bool) {
	t.mu.RLock()
	fn, ok := t.handlers[e.Key]
	t.mu.RUnlock()

	if !ok {
		panic(fmt.Sprintf("poll: completion with unknown key %#x", e.Key))
	}
	return fn(e)
}
