package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pool manages a set of workers sharing one task store and executor.
type Pool struct {
	workers []*Worker
	started bool
}

// NewPool creates count workers named baseID-0..baseID-(count-1). A count
// below one is treated as one.
func NewPool(baseID string, count int, store TaskStore, executor Executor, pollInterval time.Duration) *Pool {
	if count < 1 {
		count = 1
	}
	if baseID == "" {
		baseID = defaultWorkerID()
	}

	p := &Pool{workers: make([]*Worker, 0, count)}
	for i := 0; i < count; i++ {
		id := baseID
		if count > 1 {
			id = fmt.Sprintf("%s-%d", baseID, i)
		}
		p.workers = append(p.workers, NewWorker(id, store, executor, pollInterval))
	}
	return p
}

// Start spawns all worker goroutines. Subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	slog.Info("Starting worker pool", "worker_count", len(p.workers))
	for _, w := range p.workers {
		w.Start(ctx)
	}
}

// Stop signals all workers to stop and waits for in-flight tasks to settle.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool gracefully")
	for _, w := range p.workers {
		w.Stop()
	}
	slog.Info("Worker pool stopped")
}

// Health returns the activity snapshot of every worker.
func (p *Pool) Health() []WorkerHealth {
	out := make([]WorkerHealth, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.Health()
	}
	return out
}
