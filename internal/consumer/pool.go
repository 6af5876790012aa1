package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pool runs one Worker per push queue and restarts workers that die. A
// worker that returns nil (clean shutdown) is removed; a worker that
// panicked is restarted after MonitorInterval.
type Pool struct {
	Workers         []*Worker
	MonitorInterval time.Duration
}

type workerExit struct {
	worker *Worker
	err    error
}

// Run blocks until every worker has exited. Cancel ctx to shut down.
func (p *Pool) Run(ctx context.Context) {
	exits := make(chan workerExit)
	active := 0
	start := func(w *Worker) {
		active++
		go func() {
			exits <- workerExit{worker: w, err: runSafe(ctx, w)}
		}()
	}
	for _, w := range p.Workers {
		start(w)
	}

	for active > 0 {
		exit := <-exits
		active--
		if exit.err == nil || ctx.Err() != nil {
			continue
		}
		slog.Error("consumer died, restarting",
			slog.String("queue", exit.worker.QueueName), slog.Any("error", exit.err))
		go func(w *Worker) {
			select {
			case <-time.After(p.MonitorInterval):
			case <-ctx.Done():
			}
			exits <- workerExit{worker: w, err: runSafe(ctx, w)}
		}(exit.worker)
		active++
	}
}

// runSafe converts a worker panic into an error so the pool can restart it
// without taking down its siblings.
func runSafe(ctx context.Context, w *Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("op=consumer.run queue=%s: panic: %v", w.QueueName, r)
		}
	}()
	return w.Run(ctx)
}
