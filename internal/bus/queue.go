package bus

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
)

// Queue is a bounded, non-blocking FIFO connecting two execution
// contexts. Messages are immutable once published; ordering within a
// single producer is preserved.
type Queue[T any] struct {
	ch     chan T
	mu     sync.RWMutex
	closed bool
}

// NewQueue allocates a queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPublish enqueues a message without blocking. A publish racing
// Close observes ErrQueueClosed; the channel is only closed once no
// send is in progress.
func (q *Queue[T]) TryPublish(msg T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// TryPop dequeues a single message without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	var zero T
	select {
	case msg, ok := <-q.ch:
		if !ok {
			return zero, false
		}
		return msg, true
	default:
		return zero, false
	}
}

// Drain pops every currently-pending message without blocking.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		msg, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

// Len reports the number of pending messages.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new messages. Pending messages
// remain poppable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Run consumes messages until the context is done or the queue is closed.
func (q *Queue[T]) Run(ctx context.Context, handler func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-q.ch:
			if !ok {
				return
			}
			handler(msg)
		}
	}
}
