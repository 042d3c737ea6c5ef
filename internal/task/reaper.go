package task

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically requeues jobs whose lease expired and deletes tasks
// past their retention window.
type Reaper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper creates a Reaper that sweeps every interval.
// If interval is zero or negative, it defaults to 30 seconds.
func NewReaper(store *Store, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "reaper"),
	}
}

// Run sweeps until ctx is cancelled. Sweep failures are logged and the loop
// carries on, so a coordination store outage only delays recovery.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return nil

		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs a single reap pass.
func (r *Reaper) Sweep(ctx context.Context) {
	result, err := r.store.ReapExpired(ctx)
	if err != nil {
		r.logger.Error("reap failed", "error", err)
		return
	}
	if result.Requeued > 0 || result.Deleted > 0 {
		r.logger.Info("reaped tasks",
			"requeued_jobs", result.Requeued,
			"deleted_tasks", result.Deleted)
	}
}
