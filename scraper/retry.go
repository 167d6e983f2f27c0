package scraper

import (
	"context"
	"time"
)

// retryPolicy bounds the immediate retries of a single fetch.
type retryPolicy struct {
	maxRetries int
	base       time.Duration
	max        time.Duration
}

// allow reports whether another attempt may follow attempt (1-based)
// after err.
func (p retryPolicy) allow(attempt int, err error) bool {
	if p.maxRetries <= 0 || attempt > p.maxRetries {
		return false
	}
	return IsRetryable(err)
}

func (p retryPolicy) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := p.base
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if p.max > 0 && delay > p.max {
		delay = p.max
	}
	return delay
}

// wait sleeps for the backoff of attempt unless ctx ends first.
func (p retryPolicy) wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.backoff(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
