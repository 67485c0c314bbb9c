package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/groupdate/groupdate/internal/groups"
)

// Searcher runs one full group search and returns the created groups.
type Searcher interface {
	SearchAndCreateNewGroups(ctx context.Context) ([]*groups.Group, error)
}

// Runner triggers the group search on a fixed interval. Finder runs are not
// safe against each other, so a run still in progress makes the next tick a
// no-op instead of starting a second one.
type Runner struct {
	finder   Searcher
	interval time.Duration
	logger   *zap.Logger
	running  atomic.Bool
}

// New creates a runner with the given tick interval.
func New(f Searcher, interval time.Duration, logger *zap.Logger) *Runner {
	return &Runner{finder: f, interval: interval, logger: logger}
}

// RunOnce executes a single search, refusing to overlap a run already in
// progress.
func (r *Runner) RunOnce(ctx context.Context) ([]*groups.Group, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("a group search is already in progress")
	}
	defer r.running.Store(false)

	started := time.Now()
	created, err := r.finder.SearchAndCreateNewGroups(ctx)
	r.logger.Info("search run finished",
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("created", len(created)),
		zap.Error(err))
	return created, err
}

// Run ticks until the context is cancelled. Run errors are logged, the next
// tick proceeds regardless.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("scheduler started", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("search run failed", zap.Error(err))
			}
		}
	}
}
