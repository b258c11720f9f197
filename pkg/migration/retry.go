package migration

import (
	"context"
	"time"
)

const maxRetryDelay = 10 * time.Second

// retry calls fn until it succeeds, ctx is done, or maxRetries is
// exhausted. Delay before retry N is baseDelay*2^(N-1), capped at 10s
// (§4.6 "Retry policy"). Cancellation aborts the backoff sleep rather
// than waiting it out.
func retry(ctx context.Context, maxRetries int, baseDelay time.Duration, onRetry func(attempt int, err error), fn func() error) (attempts int, err error) {
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if attempt > maxRetries {
			return attempt, err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		wait := baseDelay << (attempt - 1)
		if wait <= 0 || wait > maxRetryDelay {
			wait = maxRetryDelay
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		}
	}
}
