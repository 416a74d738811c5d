package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/metrics"
)

// defaultInterval schedules workers whose interval is unset.
const defaultInterval = time.Hour

// CycleFunc is one pass of a background worker. It processes at most one
// batch; the runner handles scheduling, panics and instrumentation.
type CycleFunc func(ctx context.Context) error

// Runner drives one worker on a fixed interval. The first cycle runs
// immediately so a restart does not delay cleanup by a full interval.
type Runner struct {
	name     string
	interval time.Duration
	cycle    CycleFunc
}

// NewRunner creates a runner. A non-positive interval falls back to one
// hour.
func NewRunner(name string, interval time.Duration, cycle CycleFunc) *Runner {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Runner{name: name, interval: interval, cycle: cycle}
}

// Name returns the worker name used in logs and metrics.
func (r *Runner) Name() string { return r.name }

// Run blocks until ctx is canceled. Cycle errors are logged and counted
// but never stop the schedule.
func (r *Runner) Run(ctx context.Context) {
	logger.InfoCtx(ctx, "worker started",
		logger.KeyWorker, r.name, "interval", r.interval.String())

	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "worker stopped", logger.KeyWorker, r.name)
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single instrumented cycle.
func (r *Runner) RunOnce(ctx context.Context) {
	start := time.Now()
	err := r.safeCycle(ctx)
	metrics.ObserveWorkerCycle(r.name, time.Since(start), err)

	if err != nil {
		logger.ErrorCtx(ctx, "worker cycle failed",
			logger.KeyWorker, r.name,
			logger.KeyDurationMs, time.Since(start).Milliseconds(),
			logger.KeyError, err)
		return
	}
	logger.DebugCtx(ctx, "worker cycle finished",
		logger.KeyWorker, r.name,
		logger.KeyDurationMs, time.Since(start).Milliseconds())
}

func (r *Runner) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker panicked: %v", rec)
		}
	}()
	return r.cycle(ctx)
}
