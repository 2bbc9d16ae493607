package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/vyvo/fwbuild/pkg/logging"
)

// Worker is the single consumer of the build queue: it takes one id at a
// time and runs it to completion before taking the next.
type Worker struct {
	queue    Queue
	pipeline *Pipeline
	logger   *slog.Logger
	backoff  time.Duration
}

// Queue hands out queued build ids.
type Queue interface {
	NextBuildID(ctx context.Context) (string, error)
}

// NewWorker returns a Worker pulling ids from queue.
func NewWorker(queue Queue, p *Pipeline, logger *slog.Logger) *Worker {
	return &Worker{queue: queue, pipeline: p, logger: logging.OrDefault(logger), backoff: time.Second}
}

// Run processes builds until ctx is done. It returns nil on shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	for {
		id, err := w.queue.NextBuildID(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopped")
				return nil
			}
			w.logger.Warn("dequeue failed", logging.Error(err))
			select {
			case <-ctx.Done():
				w.logger.Info("worker stopped")
				return nil
			case <-time.After(w.backoff):
			}
			continue
		}

		// Build failures are logged by the pipeline; only store errors
		// that kept the build from running surface here.
		if state, err := w.pipeline.Process(ctx, id); err != nil && state == "" {
			w.logger.Error("build not processed", logging.BuildID(id), logging.Error(err))
		}
	}
}
