package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned by Breaker.Execute when the breaker is OPEN
// and fast-fails without invoking the wrapped function.
type ErrCircuitOpen struct {
	Remaining time.Duration
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open, retry in %s", e.Remaining.Round(time.Millisecond))
}

// Breaker wraps one DB-write call. It is a thin adapter over
// sony/gobreaker, translating gobreaker's ErrOpenState into the typed
// ErrCircuitOpen the router needs to route a payload to the DLQ with
// error_type=circuit_breaker_open.
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	opensAt func() time.Time
}

// Config carries the breaker thresholds.
type Config struct {
	Name               string
	FailureThreshold   uint32
	RecoveryTimeout    time.Duration
	SuccessThreshold   uint32
}

func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}

	// Written from gobreaker's OnStateChange callback and read by any
	// goroutine whose Execute fast-failed, so it has to be atomic.
	var trippedAt atomic.Int64

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    0,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				trippedAt.Store(time.Now().UnixNano())
			}
		},
	}

	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(settings),
		opensAt: func() time.Time {
			return time.Unix(0, trippedAt.Load()).Add(cfg.RecoveryTimeout)
		},
	}
}

// Execute runs fn through the breaker. On OPEN it fast-fails with
// *ErrCircuitOpen before fn is ever called.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		remaining := time.Until(b.opensAt())
		if remaining < 0 {
			remaining = 0
		}
		return &ErrCircuitOpen{Remaining: remaining}
	}
	return err
}

// State exposes the breaker's current state for the
// /api/ingestion/resilience diagnostics surface.
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

func IsCircuitOpen(err error) bool {
	var open *ErrCircuitOpen
	return errors.As(err, &open)
}
