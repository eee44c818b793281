package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"task-lifecycle/internal/config"
	"task-lifecycle/internal/lifecycle"
)

// BatchRunner runs one pass over every pending task.
type BatchRunner interface {
	ExecuteAllPending(ctx context.Context) (lifecycle.BatchResult, error)
}

// Drainer periodically executes all pending tasks. Failed runs are retried
// with exponential backoff instead of waiting for the next tick.
type Drainer struct {
	runner   BatchRunner
	interval time.Duration
	base     time.Duration
	max      time.Duration
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewDrainer(cfg config.Config, runner BatchRunner, log *slog.Logger) *Drainer {
	if log == nil {
		log = slog.Default()
	}
	return &Drainer{
		runner:   runner,
		interval: cfg.DrainInterval,
		base:     cfg.BackoffInitial,
		max:      cfg.BackoffMax,
		log:      log.With("component", "drainer"),
		sleep:    sleepCtx,
	}
}

// Run drains until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) error {
	failures := 0
	for {
		wait := d.interval
		if err := d.drainOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait = backoffWithJitter(d.base, d.max, failures)
			d.log.Error("batch run failed", "err", err, "attempt", failures, "retry_in", wait)
		} else {
			failures = 0
		}
		if err := d.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (d *Drainer) drainOnce(ctx context.Context) error {
	res, err := d.runner.ExecuteAllPending(ctx)
	if errors.Is(err, lifecycle.ErrBatchInProgress) {
		d.log.Debug("batch run already in progress elsewhere")
		return nil
	}
	if err != nil {
		return err
	}
	if len(res.Outcomes) > 0 {
		d.log.Info("batch run finished", "run_id", res.RunID, "executed", res.Executed, "attempted", len(res.Outcomes))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
