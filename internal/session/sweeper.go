package session

import (
	"context"
	"log/slog"
	"time"
)

// Retention window for terminated sessions kept in the store.
const endedSessionRetention = 7 * 24 * time.Hour

// StartSweeper runs a background goroutine that periodically reaps
// idle sessions and purges long-ended ones from the store.
func (r *Registry) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("idle sweeper started",
			"interval", r.cfg.SweepInterval,
			"idle_timeout", r.cfg.SessionIdleTimeout)

		for {
			select {
			case <-ticker.C:
				if reaped := r.SweepIdle(ctx, time.Now()); reaped > 0 {
					slog.Info("idle sweep completed", "reaped", reaped)
				}
				if purged, err := r.repo.PurgeEndedSessions(ctx, endedSessionRetention); err != nil {
					slog.Error("failed to purge ended sessions", "error", err)
				} else if purged > 0 {
					slog.Info("purged ended sessions", "count", purged)
				}
			case <-ctx.Done():
				slog.Info("idle sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
