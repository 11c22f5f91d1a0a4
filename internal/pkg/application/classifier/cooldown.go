package classifier

import (
	"sync"
	"time"
)

// cooldownTracker remembers when a WARNING was last emitted for a stream
// so the delta detector can downgrade a would-be spike to ML_PREDICTION
// while the stream is still within the cooldown window.
type cooldownTracker struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newCooldownTracker() *cooldownTracker {
	return &cooldownTracker{last: make(map[string]time.Time)}
}

const cooldownWindow = 300 * time.Second

func (c *cooldownTracker) InCooldown(streamKey string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.last[streamKey]
	if !ok {
		return false
	}
	return now.Sub(last) < cooldownWindow
}

func (c *cooldownTracker) MarkEmitted(streamKey string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[streamKey] = now
}
