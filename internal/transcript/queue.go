// Package transcript decouples chat delivery from persistence: messages are
// queued without blocking and written to the store by a single background
// writer.
package transcript

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/chatdesk/internal/domain"
)

// ErrQueueClosed is returned by Dequeue once the queue is closed and empty.
var ErrQueueClosed = errors.New("transcript queue closed")

// Queue is an unbounded FIFO of chat messages with a single consumer.
type Queue struct {
	mu     sync.Mutex
	items  []*domain.ChatMessage
	wake   chan struct{}
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue appends msg. It never blocks. Messages offered after Close are
// dropped and false is returned.
func (q *Queue) Enqueue(msg *domain.ChatMessage) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the oldest message without waiting.
func (q *Queue) TryDequeue() (*domain.ChatMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return msg, true
}

// Dequeue waits for the oldest message, ctx cancellation, or the queue being
// closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (*domain.ChatMessage, error) {
	for {
		if msg, ok := q.TryDequeue(); ok {
			return msg, nil
		}

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops accepting new messages. Queued messages remain available.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
