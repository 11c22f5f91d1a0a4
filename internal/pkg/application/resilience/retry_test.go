package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestRetry_ExhaustsMaxAttempts(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	attempts := 0
	boom := errors.New("transient")

	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	err := Retry(ctx, cfg, func(context.Context) error {
		attempts++
		return boom
	})

	is.True(err != nil)
	is.Equal(attempts, 3)
}

func TestRetry_NonRetryablePropagatesImmediately(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	attempts := 0
	boom := errors.New("fatal")

	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	err := Retry(ctx, cfg, func(context.Context) error {
		attempts++
		return NonRetryable(boom)
	})

	is.True(err != nil)
	is.Equal(attempts, 1)
}

func TestRetry_SucceedsBeforeExhaustion(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	attempts := 0
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	err := Retry(ctx, cfg, func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})

	is.NoErr(err)
	is.Equal(attempts, 2)
}
