// Package fake provides in-memory stand-ins for the completion port and the
// AFD driver so the selector can be driven deterministically in tests on any
// platform.
package fake

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fzft/go-afdpoll/poll/internal/iocp"
)

var ErrPortClosed = errors.New("fake: port closed")

// Port is a completion port backed by a FIFO.
type Port struct {
	mu       sync.Mutex
	queue    []iocp.Entry
	handles  map[uintptr]uintptr
	adds     int
	spurious int
	closed   bool
	posts    int

	notify chan struct{}
}

func NewPort() *Port {
	return &Port{
		handles: make(map[uintptr]uintptr),
		notify:  make(chan struct{}, 1),
	}
}

func (p *Port) AddHandle(key uintptr, h uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPortClosed
	}
	// a handle can be bound to one port only once
	if _, ok := p.handles[h]; ok {
		return fmt.Errorf("fake: handle %#x already associated", h)
	}
	p.handles[h] = key
	p.adds++
	return nil
}

// CloseHandle drops the association of h, as closing the handle does. The
// value may then be handed out again and associated anew.
func (p *Port) CloseHandle(h uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handles, h)
}

// Adds returns how many handles were ever associated.
func (p *Port) Adds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.adds
}

func (p *Port) GetMany(entries []iocp.Entry, timeout time.Duration) (int, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, ErrPortClosed
		}
		if p.spurious > 0 {
			p.spurious--
			p.mu.Unlock()
			return 0, nil
		}
		if len(p.queue) > 0 {
			n := copy(entries, p.queue)
			p.queue = p.queue[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		if timeout == 0 {
			return 0, iocp.ErrTimeout
		}
		select {
		case <-p.notify:
		case <-deadline:
			return 0, iocp.ErrTimeout
		}
	}
}

func (p *Port) Post(e iocp.Entry) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPortClosed
	}
	p.queue = append(p.queue, e)
	p.posts++
	p.mu.Unlock()

	p.wake()
	return nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPortClosed
	}
	p.closed = true
	return nil
}

// Spurious makes the next n retrievals return zero entries without error.
func (p *Port) Spurious(n int) {
	p.mu.Lock()
	p.spurious += n
	p.mu.Unlock()
	p.wake()
}

// KeyFor returns the completion key h was associated with.
func (p *Port) KeyFor(h uintptr) (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.handles[h]
	return key, ok
}

// Queued returns the number of completions not yet retrieved.
func (p *Port) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Posts returns how many completions were ever posted.
func (p *Port) Posts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.posts
}

func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}
