package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Scope is the order rate-limiting is enforced in: IP before
// device before sensor.
type Scope string

const (
	ScopeIP     Scope = "ip"
	ScopeDevice Scope = "device"
	ScopeSensor Scope = "sensor"
)

const window = 60 * time.Second
const gcAge = 5 * time.Minute

// Limits carries the per-scope ceilings; defaults
type Limits struct {
	PerIP     int
	PerDevice int
	PerSensor int
}

func DefaultLimits() Limits {
	return Limits{PerIP: 1000, PerDevice: 300, PerSensor: 60}
}

type counter struct {
	windowStart time.Time
	prev        int
	curr        int
	lastSeen    time.Time
}

// RateLimiter is a sliding-window approximate counter: for each key,
// rotate the window on access and approximate the current rate as
// prev*(1-elapsed/60)+curr.
type RateLimiter struct {
	limits Limits

	mu       sync.Mutex
	counters map[Scope]map[string]*counter
}

func NewRateLimiter(limits Limits) *RateLimiter {
	return &RateLimiter{
		limits: limits,
		counters: map[Scope]map[string]*counter{
			ScopeIP:     {},
			ScopeDevice: {},
			ScopeSensor: {},
		},
	}
}

// ErrRateLimited is returned when a scope's approximate rate exceeds its
// limit; RetryAfter is always the fixed 60s window
type ErrRateLimited struct {
	Scope      Scope
	Key        string
	Approx     float64
	Limit      int
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limit exceeded: scope=%s key=%s approx=%.1f limit=%d", e.Scope, e.Key, e.Approx, e.Limit)
}

func (r *RateLimiter) limitFor(scope Scope) int {
	switch scope {
	case ScopeIP:
		return r.limits.PerIP
	case ScopeDevice:
		return r.limits.PerDevice
	default:
		return r.limits.PerSensor
	}
}

// Allow checks and increments the counter for (scope, key), returning
// *ErrRateLimited when the approximate rate exceeds the scope's limit.
func (r *RateLimiter) Allow(scope Scope, key string) error {
	limit := r.limitFor(scope)
	now := time.Now()

	r.mu.Lock()
	c, ok := r.counters[scope][key]
	if !ok {
		c = &counter{windowStart: now}
		r.counters[scope][key] = c
	}

	if now.Sub(c.windowStart) >= window {
		contiguous := now.Sub(c.windowStart) < 2*window
		if contiguous {
			c.prev = c.curr
		} else {
			c.prev = 0
		}
		c.curr = 0
		c.windowStart = now
	}

	c.curr++
	c.lastSeen = now

	elapsed := now.Sub(c.windowStart).Seconds()
	approx := float64(c.prev)*(1-elapsed/window.Seconds()) + float64(c.curr)
	r.mu.Unlock()

	if approx > float64(limit) {
		log.Warn().
			Str("scope", string(scope)).
			Str("key", key).
			Float64("approx", approx).
			Int("limit", limit).
			Msg("rate limit exceeded")
		return &ErrRateLimited{Scope: scope, Key: key, Approx: approx, Limit: limit, RetryAfter: window}
	}
	return nil
}

// GC drops counters whose key has not been touched in gcAge
// ("per-key entries older than 5 minutes are GC'd on a periodic sweep").
func (r *RateLimiter) GC(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.counters {
		for key, c := range m {
			if now.Sub(c.lastSeen) > gcAge {
				delete(m, key)
			}
		}
	}
}
