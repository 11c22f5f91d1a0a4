package classifier

import (
	"context"
	"sync"

	"github.com/diwise/ingest-gateway/pkg/types"
)

// ConfigRepository loads the per-stream configuration the classifier needs
// beyond operational state: threshold sets, last readings and sensor type.
// A single round trip per cache miss; callers invalidate the relevant
// cache entry whenever a write touches the underlying row.
//
//go:generate moq -rm -out config_repository_mock.go . ConfigRepository
type ConfigRepository interface {
	GetThresholdSet(ctx context.Context, streamKey string) (types.ThresholdSet, bool, error)
	GetLastReading(ctx context.Context, streamKey string) (types.LastReading, bool, error)
	GetSensorType(ctx context.Context, streamKey string) (string, error)
}

// thresholdCache wraps a ConfigRepository with an in-process cache of
// threshold sets, last readings and sensor types.
//
// Invalidation map:
//   - thresholds: invalidated by InvalidateThresholds, called by whatever
//     admin path updates a stream's ThresholdSet row.
//   - lastReading: invalidated implicitly — every classification that
//     reaches step 6 overwrites the cached entry with the just-observed
//     value, so a stale read is only possible for the single observation
//     racing the very first write (acceptable: no global order is
//     promised within a stream).
//   - sensorType: effectively immutable for a stream's lifetime, never
//     explicitly invalidated.
type thresholdCache struct {
	repo ConfigRepository

	mu          sync.RWMutex
	thresholds  map[string]types.ThresholdSet
	lastReading map[string]types.LastReading
	sensorType  map[string]string
}

func newThresholdCache(repo ConfigRepository) *thresholdCache {
	return &thresholdCache{
		repo:        repo,
		thresholds:  make(map[string]types.ThresholdSet),
		lastReading: make(map[string]types.LastReading),
		sensorType:  make(map[string]string),
	}
}

func (c *thresholdCache) ThresholdSet(ctx context.Context, streamKey string) (types.ThresholdSet, bool, error) {
	c.mu.RLock()
	if ts, ok := c.thresholds[streamKey]; ok {
		c.mu.RUnlock()
		return ts, true, nil
	}
	c.mu.RUnlock()

	ts, found, err := c.repo.GetThresholdSet(ctx, streamKey)
	if err != nil {
		return types.ThresholdSet{}, false, err
	}
	if !found {
		return types.ThresholdSet{}, false, nil
	}

	c.mu.Lock()
	c.thresholds[streamKey] = ts
	c.mu.Unlock()
	return ts, true, nil
}

func (c *thresholdCache) InvalidateThresholds(streamKey string) {
	c.mu.Lock()
	delete(c.thresholds, streamKey)
	c.mu.Unlock()
}

func (c *thresholdCache) LastReading(ctx context.Context, streamKey string) (types.LastReading, bool, error) {
	c.mu.RLock()
	if lr, ok := c.lastReading[streamKey]; ok {
		c.mu.RUnlock()
		return lr, true, nil
	}
	c.mu.RUnlock()

	return c.repo.GetLastReading(ctx, streamKey)
}

func (c *thresholdCache) SetLastReading(streamKey string, lr types.LastReading) {
	c.mu.Lock()
	c.lastReading[streamKey] = lr
	c.mu.Unlock()
}

func (c *thresholdCache) SensorType(ctx context.Context, streamKey string) (string, error) {
	c.mu.RLock()
	if st, ok := c.sensorType[streamKey]; ok {
		c.mu.RUnlock()
		return st, nil
	}
	c.mu.RUnlock()

	st, err := c.repo.GetSensorType(ctx, streamKey)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sensorType[streamKey] = st
	c.mu.Unlock()
	return st, nil
}

// maxReadingAgeSeconds is the freshness window beyond which a LastReading is
// treated as absent.
const maxReadingAgeSeconds = 600
