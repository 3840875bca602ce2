package genieacs

import (
	"context"
	"time"
)

// RetryPolicy retries temporary NBI failures with exponential backoff.
type RetryPolicy struct {
	MaxRetries  int
	InitialWait time.Duration
	MaxWait     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     10 * time.Second,
	}
}

// Do runs op until it succeeds, fails with a non-temporary error, or the
// retries are exhausted. It returns the last error.
func (rp RetryPolicy) Do(ctx context.Context, op func() error) error {
	var lastErr error
	wait := rp.InitialWait

	for attempt := 0; attempt <= rp.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTemporary(err) || attempt == rp.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		wait *= 2
		if wait > rp.MaxWait {
			wait = rp.MaxWait
		}
	}

	return lastErr
}
