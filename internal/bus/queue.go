// Package bus provides the bounded, thread-safe conduits that carry work
// between the relay's workers. Queues are the only shared mutable state
// between the monitor, transport and dispatcher goroutines.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

const putTimeout = 10 * time.Second

// Queue is a bounded, ordered, thread-safe conduit. Producers call Put;
// consumers range over C. Close is safe to call more than once.
type Queue[T any] struct {
	name   string
	ch     chan T
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a Queue with the given capacity.
func New[T any](name string, capacity int, logger *slog.Logger) *Queue[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &Queue[T]{
		name:   name,
		ch:     make(chan T, capacity),
		logger: logger,
	}
}

// Put enqueues v, blocking up to a timeout when the queue is full. It
// reports whether the item was accepted; items offered to a closed or
// persistently full queue are dropped.
func (q *Queue[T]) Put(v T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("put on closed queue", "queue", q.name)
		return false
	}

	select {
	case q.ch <- v:
		return true
	default:
		q.logger.Warn("queue full, waiting", "queue", q.name)
		timer := time.NewTimer(putTimeout)
		defer timer.Stop()
		select {
		case q.ch <- v:
			return true
		case <-timer.C:
			q.logger.Error("item dropped, queue full past timeout", "queue", q.name)
			return false
		}
	}
}

// TryPut enqueues v without blocking.
func (q *Queue[T]) TryPut(v T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// C returns the consume side. The channel is closed when the queue is
// closed; buffered items remain readable until drained.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops the queue. Pending items stay readable from C.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
