// Package iocp wraps an I/O completion port.
//
// Only the operations the selector needs are exposed: associating a handle
// under a completion key, retrieving completions in bulk and posting a
// synthetic completion.
package iocp

import (
	"errors"
	"time"
)

// Infinite makes GetMany block until a completion arrives.
const Infinite time.Duration = -1

// ErrTimeout is returned by GetMany when no completion arrived before the
// timeout expired.
var ErrTimeout = errors.New("iocp: wait timeout")

// Entry is one dequeued completion record.
//
// The field order matches OVERLAPPED_ENTRY so a slice of entries can be
// handed to GetQueuedCompletionStatusEx directly.
type Entry struct {
	Key        uintptr // completion key the handle was associated with
	Overlapped uintptr // per-operation context supplied at submission
	Internal   uintptr // status of the operation
	Bytes      uint32  // number of bytes transferred
}

// Port is the completion channel shared by every resource of a selector.
type Port interface {
	// AddHandle associates h with the port; its completions carry key.
	AddHandle(key uintptr, h uintptr) error

	// GetMany blocks until at least one completion is available or the
	// timeout expires, then fills entries. A negative timeout blocks
	// forever.
	GetMany(entries []Entry, timeout time.Duration) (int, error)

	// Post enqueues a synthetic completion.
	Post(e Entry) error

	Close() error
}

// Milliseconds converts a timeout to the millisecond count expected by the
// kernel, rounding up so a sub-millisecond timeout does not become a poll.
func Milliseconds(timeout time.Duration) uint32 {
	if timeout <= 0 {
		return 0
	}
	ms := (timeout + time.Millisecond - 1) / time.Millisecond
	if ms >= 0xFFFFFFFE {
		return 0xFFFFFFFE
	}
	return uint32(ms)
}
