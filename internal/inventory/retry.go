package inventory

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds how often a whole consumption attempt is re-run after an
// optimistic conflict.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	// Sleep is replaced in tests.
	Sleep func(context.Context, time.Duration) error
}

// Do runs fn until it succeeds, fails with something other than
// ErrConcurrentModification, or attempts run out. Each attempt must open its
// own transaction so reads are fresh.
func (p RetryPolicy) Do(ctx context.Context, onRetry func(attempt int, err error), fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if p.Backoff > 0 {
			if serr := sleep(ctx, p.Backoff*time.Duration(1<<(attempt-1))); serr != nil {
				return serr
			}
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
