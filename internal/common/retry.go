package common

import (
	"context"
	"fmt"
	"time"
)

// Retryable reports whether an error is worth another attempt. A nil
// predicate retries every error.
type Retryable func(error) bool

// Retry runs fn up to attempts times, sleeping a fixed delay between
// attempts. It stops early when fn succeeds, when the predicate rejects
// the error, or when ctx is done. Order polling and market-data fetches
// share this single combinator instead of open-coding retry loops at
// each call site.
func Retry(ctx context.Context, attempts int, delay time.Duration, shouldRetry Retryable, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
