// Package retry provides a generic bounded-exponential-backoff wrapper for
// operations that can fail transiently, such as the warehouse adapter's
// network calls.
package retry

import (
	"context"
	"time"
)

// baseDelay is the delay before the second attempt; each subsequent
// attempt doubles it (500ms, 1s, 2s, ...).
const baseDelay = 500 * time.Millisecond

// WithRetry runs op up to maxAttempts times, sleeping baseDelay*2^(attempt-1)
// between attempts. It returns nil on the first success, or the error from
// the final attempt if every attempt fails. The wait between attempts
// respects ctx cancellation.
func WithRetry(ctx context.Context, maxAttempts int, op func(context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<uint(attempt-1))
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
	}
	return err
}
