// Package dispatcher manages worker fan-out over the event queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
	"github.com/JakeFAU/sourcemap-collector/internal/worker"
)

// Dispatcher fans out queued events to a pool of workers.
type Dispatcher struct {
	queue   collector.EventQueue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue collector.EventQueue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until every worker has returned, which
// happens when ctx ends or the queue is closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, event collector.NetworkEvent) error {
	if err := d.queue.Enqueue(ctx, event); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
