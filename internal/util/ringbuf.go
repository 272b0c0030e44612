package util

import "sync"

// RingBuffer retains the last N values pushed into it. The transports and
// the remote-track sink use it to keep a bounded tail of recent signals and
// packet sequence numbers for diagnostics.
type RingBuffer[T any] struct {
	mu   sync.Mutex
	buf  []T
	next int
	full bool
}

// NewRingBuffer creates a buffer retaining the last capacity values.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push records one value, displacing the oldest once capacity is reached.
func (r *RingBuffer[T]) Push(v T) {
	r.mu.Lock()
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot copies the retained values, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]T(nil), r.buf[:r.next]...)
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
