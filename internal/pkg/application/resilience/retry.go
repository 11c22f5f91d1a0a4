package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNonRetryable wraps an error that must propagate immediately without
// consuming a retry attempt: non-retryable errors propagate immediately.
type ErrNonRetryable struct {
	Err error
}

func (e *ErrNonRetryable) Error() string { return e.Err.Error() }
func (e *ErrNonRetryable) Unwrap() error { return e.Err }

// NonRetryable marks err so Retry stops immediately instead of retrying it.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &ErrNonRetryable{Err: err}
}

// RetryConfig defaults: up to MaxAttempts, delay =
// min(base*2^(attempt-1), max) with up to 10% jitter.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Retry runs fn up to cfg.MaxAttempts times for transient errors; the
// attempt count never exceeds MaxAttempts. A *ErrNonRetryable
// short-circuits immediately without retrying. Uses backoff/v4's
// ExponentialBackOff with a capped attempt count via WithMaxRetries.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	attempt := 0
	var lastErr error

	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var nonRetryable *ErrNonRetryable
		if errors.As(err, &nonRetryable) {
			lastErr = nonRetryable.Err
			return backoff.Permanent(lastErr)
		}
		lastErr = err
		return err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.BaseDelay
	expo.MaxInterval = cfg.MaxDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0.1 // jitter <= 10%

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(cfg.MaxAttempts-1)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return lastErr
	}
	return nil
}

// jitter spells out the ±factor randomization of the delay formula.
// backoff.ExponentialBackOff.RandomizationFactor already applies it inside
// Retry; nothing in the package calls this helper.
func jitter(base time.Duration, factor float64) time.Duration {
	delta := float64(base) * factor
	min := float64(base) - delta
	max := float64(base) + delta
	return time.Duration(min + rand.Float64()*(max-min))
}
