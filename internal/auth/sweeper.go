package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/fitcoach/internal/store"
)

// tokenGrace keeps revoked tokens around for a day so that reuse of a
// rotated token can still be told apart from an unknown token.
const tokenGrace = 24 * time.Hour

// StartSweeper runs a background goroutine that periodically removes
// expired and revoked refresh tokens. It stops when ctx is cancelled and
// closes the returned channel on exit.
func StartSweeper(ctx context.Context, repo store.TokenRepository, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Token sweeper started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, repo, time.Now())
			case <-ctx.Done():
				slog.Info("Token sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func sweep(ctx context.Context, repo store.TokenRepository, now time.Time) int64 {
	deleted, err := repo.DeleteStaleRefreshTokens(ctx, now.Add(-tokenGrace))
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Token sweep cancelled", "error", err)
			return 0
		}
		slog.Error("Token sweeper failed to delete stale tokens", "error", err)
		return 0
	}
	if deleted > 0 {
		slog.Info("Token sweeper removed stale refresh tokens", "count", deleted)
	}
	return deleted
}
