// Package memory provides the bounded in-process forward queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/upload-relay/internal/relay"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan relay.ForwardTask
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan relay.ForwardTask, capacity),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task relay.ForwardTask) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return relay.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (relay.ForwardTask, error) {
	select {
	case <-ctx.Done():
		return relay.ForwardTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return relay.ForwardTask{}, relay.ErrQueueClosed
		}
		return task, nil
	}
}

// Len reports how many tasks are buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting tasks. Buffered tasks can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
