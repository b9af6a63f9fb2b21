// Package dispatcher manages worker fan-out over the shared crawl queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlindex/internal/crawler"
)

// Worker runs the scheduler loop for one worker ID and owns that worker's
// fetchers. Close releases them.
type Worker interface {
	Run(ctx context.Context) error
	Close() error
}

// Builder creates the worker for id.
type Builder func(ctx context.Context, id string) (Worker, error)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	size   int
	ids    crawler.IDGenerator
	build  Builder
	logger *zap.Logger
}

// New creates a Dispatcher for size workers.
func New(size int, ids crawler.IDGenerator, build Builder, logger *zap.Logger) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		size:   size,
		ids:    ids,
		build:  build,
		logger: logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned and closed. A worker that fails to start stops the
// ones already running.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < d.size; i++ {
		id, err := d.ids.NewID()
		if err != nil {
			cancel()
			return errors.Join(fmt.Errorf("worker id: %w", err), g.Wait())
		}
		w, err := d.build(gctx, id)
		if err != nil {
			cancel()
			return errors.Join(fmt.Errorf("start worker %s: %w", id, err), g.Wait())
		}
		log := d.logger.With(zap.String("worker_id", id))
		log.Info("worker started")
		g.Go(func() error {
			runErr := w.Run(gctx)
			if err := w.Close(); err != nil {
				log.Warn("worker close failed", zap.Error(err))
			}
			log.Info("worker stopped")
			if runErr != nil {
				return fmt.Errorf("worker %s: %w", id, runErr)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	return nil
}
