package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator provides set-if-absent semantics on a msg_id within a TTL
// window. Backing-store failure must fail open (treat as "new") —
// correctness of ingestion outranks correctness of dedup.
//
//go:generate moq -rm -out deduplicator_mock.go . Deduplicator
type Deduplicator interface {
	// CheckAndSet reports true if msgID is new (not seen within the TTL),
	// recording it atomically. On a backing-store error the message is
	// reported as new and the error is returned alongside it, so the
	// caller can log it and carry on (fail open).
	CheckAndSet(ctx context.Context, msgID string) (isNew bool, err error)
	Stats() (checked, duplicates int64)
}

// DeriveMsgID builds the fallback identity when the payload
// carries no explicit msg_id: "sensor_id:timestamp(6dp):value(6dp)".
func DeriveMsgID(streamKey string, ts time.Time, value float64) string {
	return fmt.Sprintf("%s:%.6f:%.6f", streamKey, float64(ts.UnixNano())/1e9, value)
}

const DefaultDedupTTL = 5 * time.Minute

// DisabledDeduplicator reports every message as new (DEDUP_ENABLED=false).
type DisabledDeduplicator struct{}

func (DisabledDeduplicator) CheckAndSet(context.Context, string) (bool, error) { return true, nil }
func (DisabledDeduplicator) Stats() (int64, int64)                             { return 0, 0 }

// MemoryDeduplicator is the in-memory variant the core can run with when
// no Redis is configured.
type MemoryDeduplicator struct {
	ttl time.Duration

	mu         sync.Mutex
	seen       map[string]time.Time
	checked    int64
	duplicates int64
}

func NewMemoryDeduplicator(ttl time.Duration) *MemoryDeduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDeduplicator{ttl: ttl, seen: make(map[string]time.Time)}
}

func (d *MemoryDeduplicator) CheckAndSet(_ context.Context, msgID string) (bool, error) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.checked++
	if expiry, ok := d.seen[msgID]; ok && now.Before(expiry) {
		d.duplicates++
		return false, nil
	}
	d.seen[msgID] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDeduplicator) Stats() (int64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checked, d.duplicates
}

// GC sweeps expired entries; callers run this on a periodic ticker so the
// map does not grow unbounded between TTL expirations.
func (d *MemoryDeduplicator) GC(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, expiry := range d.seen {
		if now.After(expiry) {
			delete(d.seen, id)
		}
	}
}

// RedisDeduplicator backs the same interface with a Redis SETNX, for
// production deployments that share dedup state across gateway replicas.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
	prefix string

	mu         sync.Mutex
	checked    int64
	duplicates int64
}

func NewRedisDeduplicator(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduplicator{client: client, ttl: ttl, prefix: "dedup:"}
}

func (d *RedisDeduplicator) CheckAndSet(ctx context.Context, msgID string) (bool, error) {
	d.mu.Lock()
	d.checked++
	d.mu.Unlock()

	isNew, err := d.client.SetNX(ctx, d.prefix+msgID, 1, d.ttl).Result()
	if err != nil {
		// Fail open: a dedup-store outage must not block ingestion.
		return true, err
	}
	if !isNew {
		d.mu.Lock()
		d.duplicates++
		d.mu.Unlock()
	}
	return isNew, nil
}

func (d *RedisDeduplicator) Stats() (int64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checked, d.duplicates
}
