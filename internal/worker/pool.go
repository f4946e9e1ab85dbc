package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Processor interface {
	ProcessNext(ctx context.Context) (bool, error)
}

// Pool runs a fixed number of goroutines that poll the queue. Each goroutine
// sleeps for the poll interval whenever no job is due.
type Pool struct {
	processor    Processor
	concurrency  int
	pollInterval time.Duration
}

func NewPool(p Processor, concurrency int, pollInterval time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{processor: p, concurrency: concurrency, pollInterval: pollInterval}
}

// Run blocks until ctx is cancelled and every in-flight job has finished.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	slog.Info("worker pool started", "concurrency", p.concurrency, "poll_interval", p.pollInterval)

	wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		processed, err := p.processor.ProcessNext(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "worker iteration failed", "worker", id, "error", err)
		}

		// Keep draining while jobs are due.
		if processed && err == nil {
			timer.Reset(0)
		} else {
			timer.Reset(p.pollInterval)
		}
	}
}
