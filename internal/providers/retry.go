package providers

import (
	"context"
	"log/slog"
	"time"
)

// RetryConfig controls transient-error retries for provider HTTP calls.
type RetryConfig struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before first retry; doubles each attempt
	MaxDelay   time.Duration // cap on the backoff delay
}

// DefaultRetryConfig matches the adapter policy: up to 3 retries with
// exponential backoff base*2^n, capped at 8s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   8 * time.Second,
	}
}

// RetryDo runs fn, retrying transient provider errors with exponential backoff.
// Non-retriable errors and context cancellation return immediately.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << (attempt - 1)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			slog.Debug("provider retry", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetriable(err) {
			return zero, err
		}
	}

	return zero, lastErr
}
