package bus

import "sync"

// Ring is a bounded FIFO buffer with a drop-oldest overflow policy: pushing
// onto a full ring of capacity N evicts exactly the oldest entry, leaving N
// items with the new entry present. Evictions are counted, not hidden.
type Ring[T any] struct {
	mu      sync.Mutex
	items   []T
	cap     int
	dropped int64
}

// NewRing creates a Ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &Ring[T]{cap: capacity}
}

// Push appends v, evicting the oldest entry when full. It reports whether
// an eviction happened.
func (r *Ring[T]) Push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := false
	if len(r.items) >= r.cap {
		r.items = r.items[1:]
		r.dropped++
		evicted = true
	}
	r.items = append(r.items, v)
	return evicted
}

// Pop removes and returns the oldest entry.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	v := r.items[0]
	r.items = r.items[1:]
	return v, true
}

// Drain removes and returns all buffered entries in FIFO order.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.items
	r.items = nil
	return out
}

// Len returns the number of buffered entries.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Dropped returns how many entries have been evicted since creation.
func (r *Ring[T]) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
