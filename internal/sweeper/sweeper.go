// Package sweeper periodically expires requests whose windows have passed.
package sweeper

import (
	"context"
	"time"

	"github.com/ILLUVRSE/observation-portal/internal/logging"
	"github.com/ILLUVRSE/observation-portal/internal/notify"
)

type Sweeper interface {
	SweepWindowExpirations(ctx context.Context) (bool, error)
}

type Runner struct {
	sweeper  Sweeper
	signal   notify.RescheduleSignal
	interval time.Duration
	log      *logging.Logger
}

// NewRunner defaults interval to one minute. signal may be nil.
func NewRunner(s Sweeper, signal notify.RescheduleSignal, interval time.Duration, log *logging.Logger) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Runner{sweeper: s, signal: signal, interval: interval, log: log.Named("sweeper")}
}

// RunOnce performs one sweep and wakes the scheduler if anything changed.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	changed, err := r.sweeper.SweepWindowExpirations(ctx)
	if err != nil {
		return false, err
	}
	if changed && r.signal != nil {
		r.signal.SignalRescheduleNeeded(ctx, notify.AllTelescopeClasses)
	}
	return changed, nil
}

// Run sweeps every interval until ctx is cancelled. Sweep errors are logged and the
// next tick tries again.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("starting", logging.String("interval", r.interval.String()))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("stopped")
			return ctx.Err()
		case <-ticker.C:
			changed, err := r.RunOnce(ctx)
			if err != nil {
				r.log.Error("window expiration sweep", logging.Error(err))
				continue
			}
			if changed {
				r.log.Info("window expiration sweep changed request states")
			}
		}
	}
}
