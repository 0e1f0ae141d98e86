// Package memory provides the in-process event queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan collector.NetworkEvent
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan collector.NetworkEvent, capacity),
	}
}

// Enqueue pushes an event into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, event collector.NetworkEvent) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return collector.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- event:
		return nil
	}
}

// Dequeue pops the next event, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (collector.NetworkEvent, error) {
	select {
	case <-ctx.Done():
		return collector.NetworkEvent{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case event, ok := <-q.ch:
		if !ok {
			return collector.NetworkEvent{}, collector.ErrQueueClosed
		}
		return event, nil
	}
}

// Len reports how many events are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Buffered events can still
// be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
