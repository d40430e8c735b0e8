// Package dispatcher fans accepted operations out to a fixed worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/worker"
)

type tryEnqueuer interface {
	TryEnqueue(item enrich.QueueItem) error
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   enrich.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue enrich.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Enqueue hands an operation to the pool. Queues that support it are
// offered the item without blocking so a saturated pool rejects new work
// instead of stalling the caller.
func (d *Dispatcher) Enqueue(ctx context.Context, item enrich.QueueItem) error {
	if tq, ok := d.queue.(tryEnqueuer); ok {
		if err := tq.TryEnqueue(item); err != nil {
			return fmt.Errorf("queue enqueue: %w", err)
		}
		return nil
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
