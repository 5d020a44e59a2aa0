package fetch

import (
	"context"
	"time"
)

// Retry calls fn until it succeeds, the attempts run out or ctx ends.
// attempts below one mean a single call. delay, when positive, separates
// calls. It returns the number of calls made and the last error.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(attempt int) error) (int, error) {
	attempts = max(attempts, 1)
	var (
		lastErr error
		made    int
	)
	for made < attempts {
		made++
		if lastErr = fn(made); lastErr == nil {
			return made, nil
		}
		if ctx.Err() != nil || made == attempts {
			break
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return made, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return made, lastErr
}
