package retry

import (
	"context"
	"time"

	apperrors "github.com/aihub/docindex/internal/errors"
)

// Policy bounds a retry loop. MaxAttempts <= 0 retries until the context ends.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns the delay before attempt+1: base * 2^(attempt-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts the
// policy or ctx ends. onRetry, when set, is called before each wait.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	var lastErr error
	for attempt := 1; p.MaxAttempts <= 0 || attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !apperrors.IsRetryable(lastErr) {
			return lastErr
		}
		if p.MaxAttempts > 0 && attempt == p.MaxAttempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, lastErr)
		}
		if err := Sleep(ctx, Backoff(attempt, p.BaseDelay, p.MaxDelay)); err != nil {
			return lastErr
		}
	}
	return lastErr
}
