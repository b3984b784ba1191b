package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"classline/auth/internal/config"
	"classline/auth/internal/repository"
)

// StartSessionPurgeJob sweeps session rows past their expiry. Expired
// sessions are already unusable (the refresh token entry in the
// ephemeral store is authoritative); this keeps the ledger small.
func StartSessionPurgeJob(ctx context.Context, cfg config.Config, store *repository.Store, logger zerolog.Logger) {
	if !cfg.SessionPurgeEnabled {
		return
	}
	interval := cfg.SessionPurgeEvery
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				deleted, err := store.DeleteExpiredSessions(tickCtx, time.Now().UTC())
				cancel()
				if err != nil {
					logger.Error().Err(err).Msg("session purge failed")
					continue
				}
				if deleted > 0 {
					logger.Info().Int64("sessions", deleted).Msg("purged expired sessions")
				}
			}
		}
	}()
}
