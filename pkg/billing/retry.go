package billing

import (
	"context"
	"errors"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBaseWait = 250 * time.Millisecond
	maxRetryWait         = 5 * time.Second
)

// permanentError wraps an error that must not be retried (4xx, auth).
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as non-retryable so Retry fails fast on it.
// Use for 4xx responses and authentication failures.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryConfig bounds the retry loop for outbound processor calls.
type RetryConfig struct {
	// Attempts is the total number of tries (default: 3).
	Attempts int

	// BaseWait is the first backoff delay; it doubles per attempt and is
	// capped at 5s (default: 250ms).
	BaseWait time.Duration

	// OnRetry, when set, is invoked before each backoff sleep with the
	// upcoming attempt number (1-based). Used for retry metrics.
	OnRetry func(attempt int)
}

// Retry runs fn with exponential backoff for transient failures.
// Permanent errors and context cancellation fail fast. The returned error
// is the last one observed, unwrapped from the permanent marker.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	wait := cfg.BaseWait
	if wait <= 0 {
		wait = defaultRetryBaseWait
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
			if wait > maxRetryWait {
				wait = maxRetryWait
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
