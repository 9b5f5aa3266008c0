package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	maxWriteRetries     = 3
	writeRetryBaseDelay = 50 * time.Millisecond
)

// IsBusyError checks if the error is a SQLITE_BUSY or "database is locked"
// error. Both are concurrency errors that warrant a retry.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// withRetry runs a write with exponential backoff on busy errors:
// 50ms, 100ms, 200ms.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < maxWriteRetries; i++ {
		err = fn()
		if err == nil || !IsBusyError(err) {
			return err
		}
		if i == maxWriteRetries-1 {
			break
		}
		delay := writeRetryBaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxWriteRetries, err)
}
