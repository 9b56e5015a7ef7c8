package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer that overwrites the oldest
// element once full. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	items []T
	next  int
	full  bool
}

// NewRingBuffer creates a ring buffer holding at most capacity elements.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer[T]{items: make([]T, 0, capacity)}
}

// Push appends an item, evicting the oldest when the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	if !r.full && len(r.items) < cap(r.items) {
		r.items = append(r.items, item)
		if len(r.items) == cap(r.items) {
			r.full = true
		}
		r.mu.Unlock()
		return
	}
	r.items[r.next] = item
	r.next = (r.next + 1) % len(r.items)
	r.mu.Unlock()
}

// Snapshot returns all stored elements, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.items))
	if r.full {
		out = append(out, r.items[r.next:]...)
		out = append(out, r.items[:r.next]...)
		return out
	}
	return append(out, r.items...)
}

// Last returns up to n of the most recent elements, oldest first.
func (r *RingBuffer[T]) Last(n int) []T {
	all := r.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Len returns the number of stored elements.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
