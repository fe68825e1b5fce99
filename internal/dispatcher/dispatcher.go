// Package dispatcher runs the forward worker pool over the task queue and
// drains it on shutdown.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/upload-relay/internal/relay"
	"github.com/JakeFAU/upload-relay/internal/worker"
)

// Queue is the task queue the dispatcher drains. Close stops intake; tasks
// already buffered stay dequeueable.
type Queue interface {
	relay.Queue
	Close()
	Len() int
}

// Dispatcher owns the lifecycle of a fixed set of forward workers.
type Dispatcher struct {
	queue   Queue
	workers []*worker.Worker

	once   sync.Once
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Dispatcher.
func New(queue Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		done:    make(chan struct{}),
	}
}

// Start launches the workers without blocking. They return once ctx ends or
// the queue is closed and empty. Later calls are no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.once.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		d.mu.Lock()
		d.cancel = cancel
		d.mu.Unlock()

		var wg sync.WaitGroup
		for _, w := range d.workers {
			wg.Add(1)
			go func(wk *worker.Worker) {
				defer wg.Done()
				wk.Run(ctx)
			}(w)
		}
		go func() {
			wg.Wait()
			cancel()
			close(d.done)
		}()
	})
}

// Run starts the workers and blocks until every one has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.Start(ctx)
	<-d.done
}

// Done is closed once every worker has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Drain closes the queue and waits for the workers to forward what is left.
// When ctx ends first the workers are canceled, Drain waits for them to stop
// and reports how many tasks were abandoned.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	d.queue.Close()

	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel == nil {
		return d.queue.Len(), nil
	}

	select {
	case <-d.done:
		return 0, nil
	case <-ctx.Done():
	}
	abandoned := d.queue.Len()
	cancel()
	<-d.done
	return abandoned, fmt.Errorf("drain forward queue: %w", ctx.Err())
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task relay.ForwardTask) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
