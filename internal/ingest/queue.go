package ingest

import (
	"context"
	"sync"
)

// Queue is a bounded in-memory notification queue. Enqueueing never blocks
// the webhook: a full queue rejects the event and Graph redelivers it later.
type Queue struct {
	mu     sync.RWMutex
	ch     chan Notification
	closed bool
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan Notification, capacity)}
}

// TryEnqueue adds n without blocking. It returns false when the queue is full
// or closed.
func (q *Queue) TryEnqueue(n Notification) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- n:
		return true
	default:
		return false
	}
}

// Dequeue waits for the next notification. It returns false once the queue is
// closed and empty, or when ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (Notification, bool) {
	select {
	case n, ok := <-q.ch:
		return n, ok
	case <-ctx.Done():
		return Notification{}, false
	}
}

func (q *Queue) Depth() int {
	return len(q.ch)
}

func (q *Queue) Capacity() int {
	return cap(q.ch)
}

// Close stops accepting new notifications. Queued ones can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
