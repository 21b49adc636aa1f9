package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"FlashLever/internal/observability"

	"github.com/rs/zerolog"
)

const lockKey = "guarantee-trigger"

// Runner calls the trigger on a fixed interval. Each tick runs under a lease
// so only one instance charges at a time.
type Runner struct {
	trigger  *Trigger
	locker   Locker
	interval time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewRunner(trigger *Trigger, locker Locker, interval time.Duration, metrics *observability.Metrics) *Runner {
	return &Runner{
		trigger:  trigger,
		locker:   locker,
		interval: interval,
		metrics:  metrics,
		logger:   observability.NewLogger("scheduler"),
	}
}

// Run ticks until ctx is cancelled
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, ErrLockHeld) {
				r.logger.Error().Err(err).Msg("trigger run failed")
			}
		}
	}
}

// RunOnce performs a single check/perform cycle. A panic inside the cycle is
// recovered and returned as an error so the loop survives.
func (r *Runner) RunOnce(ctx context.Context) (res PerformResult, err error) {
	start := time.Now()
	outcome := "idle"
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("trigger panic: %v", p)
		}
		if err != nil {
			outcome = "error"
			if errors.Is(err, ErrLockHeld) {
				outcome = "locked"
			}
		}
		if r.metrics != nil {
			r.metrics.TriggerRuns.WithLabelValues(outcome).Inc()
			r.metrics.TriggerDuration.Observe(time.Since(start).Seconds())
		}
	}()

	unlock, err := r.locker.Acquire(ctx, lockKey, 2*r.interval)
	if err != nil {
		return PerformResult{}, err
	}
	defer unlock()

	needed, payload := r.trigger.CheckTrigger(r.trigger.now())
	if !needed {
		return PerformResult{}, nil
	}
	res, err = r.trigger.PerformTrigger(ctx, payload)
	if err == nil {
		outcome = "performed"
	}
	return res, err
}
