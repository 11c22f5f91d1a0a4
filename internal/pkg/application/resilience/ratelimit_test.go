package resilience

import (
	"errors"
	"testing"

	"github.com/matryer/is"
)

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	is := is.New(t)

	r := NewRateLimiter(Limits{PerIP: 5, PerDevice: 5, PerSensor: 5})
	for i := 0; i < 5; i++ {
		is.NoErr(r.Allow(ScopeSensor, "sensor-1"))
	}
}

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	is := is.New(t)

	r := NewRateLimiter(Limits{PerIP: 5, PerDevice: 5, PerSensor: 2})
	is.NoErr(r.Allow(ScopeSensor, "sensor-1"))
	is.NoErr(r.Allow(ScopeSensor, "sensor-1"))

	err := r.Allow(ScopeSensor, "sensor-1")
	is.True(err != nil)

	var rl *ErrRateLimited
	is.True(errors.As(err, &rl))
	is.Equal(rl.Scope, ScopeSensor)
}

func TestRateLimiter_ScopesAreIndependent(t *testing.T) {
	is := is.New(t)

	r := NewRateLimiter(Limits{PerIP: 1, PerDevice: 5, PerSensor: 5})
	is.NoErr(r.Allow(ScopeIP, "1.2.3.4"))
	is.NoErr(r.Allow(ScopeDevice, "device-1"))
	is.NoErr(r.Allow(ScopeSensor, "sensor-1"))
}
