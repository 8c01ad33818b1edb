// Package memory provides an in-memory task queue for local deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jipview/collector/internal/collect"
)

// ErrClosed is returned when using a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch     chan collect.TaskMessage
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan collect.TaskMessage, capacity),
	}
}

// Enqueue pushes a task message or returns if the context ends. The read
// lock is held across the send so Close cannot close the channel under a
// blocked sender; a late enqueue during shutdown gets ErrClosed instead of
// a panic.
func (q *Queue) Enqueue(ctx context.Context, msg collect.TaskMessage) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- msg:
		return nil
	}
}

// Dequeue pops the next task message, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (collect.TaskMessage, error) {
	select {
	case <-ctx.Done():
		return collect.TaskMessage{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case msg, ok := <-q.ch:
		if !ok {
			return collect.TaskMessage{}, ErrClosed
		}
		return msg, nil
	}
}

// Len reports how many messages are currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. It waits for in-flight
// enqueues to return, so the process context should be cancelled first.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
