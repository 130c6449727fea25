package engine

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultRetryAttempts = 5
	defaultRetryBackoff  = 200 * time.Millisecond
)

// retry runs fn up to attempts times with a doubling backoff between tries.
func retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == attempts-1 {
			return fmt.Errorf("retry failed after %d attempts: %w", attempts, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func sleepUntil(ctx context.Context, t time.Time, now time.Time) error {
	wait := t.Sub(now)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
