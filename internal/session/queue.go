package session

import (
	"context"
	"sync"
)

// dropQueue is a bounded FIFO that never blocks the producer. When it is
// full, Push evicts the oldest droppable item to make room. Items that are
// not droppable are always kept, so the queue may briefly exceed its
// capacity with them.
type dropQueue[T any] struct {
	mu        sync.Mutex
	items     []T
	capacity  int
	droppable func(T) bool
	ready     chan struct{}
	closed    bool
}

func newDropQueue[T any](capacity int, droppable func(T) bool) *dropQueue[T] {
	return &dropQueue[T]{
		capacity:  max(capacity, 1),
		droppable: droppable,
		ready:     make(chan struct{}, 1),
	}
}

// Push appends v and reports how many items were evicted.
func (q *dropQueue[T]) Push(v T) (dropped int) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	for len(q.items) >= q.capacity {
		i := q.oldestDroppable()
		if i < 0 {
			break
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		dropped++
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

func (q *dropQueue[T]) oldestDroppable() int {
	for i, it := range q.items {
		if q.droppable == nil || q.droppable(it) {
			return i
		}
	}
	return -1
}

// Pop removes and returns the oldest item, waiting until one is available.
// ok is false when ctx is done or the queue was closed and drained.
func (q *dropQueue[T]) Pop(ctx context.Context) (v T, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return v, false
		}

		select {
		case <-ctx.Done():
			return v, false
		case <-q.ready:
		}
	}
}

// Len returns the number of queued items.
func (q *dropQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items. Queued items can still be popped.
func (q *dropQueue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
