package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner runs every registered Worker concurrently via errgroup, cancelling
// all of them if any one returns a non-nil error.
type Runner struct {
	workers []Worker
	logger  *slog.Logger
}

// NewRunner returns a Runner for the given workers.
func NewRunner(logger *slog.Logger, workers ...Worker) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{workers: workers, logger: logger}
}

// Run blocks until ctx is cancelled or a worker fails.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		w := w
		g.Go(func() error {
			r.logger.LogAttrs(gctx, slog.LevelInfo, "worker starting", slog.String("worker", w.Name()))
			err := w.Run(gctx)
			if err != nil {
				r.logger.LogAttrs(gctx, slog.LevelError, "worker exited with error",
					slog.String("worker", w.Name()), slog.String("error", err.Error()))
			}
			return err
		})
	}
	return g.Wait()
}
