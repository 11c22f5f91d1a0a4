package broker

import (
	"context"
	"sync"
	"time"

	"github.com/diwise/ingest-gateway/pkg/types"
)

// ReadingBroker is the in-process pub/sub interface the PREDICTION
// sub-pipeline forwards clean observations through. It stays
// abstract so the production Redis-stream variant and the in-memory
// default can be swapped without touching the pipeline.
//
//go:generate moq -rm -out broker_mock.go . ReadingBroker
type ReadingBroker interface {
	Publish(ctx context.Context, r types.Reading) error
	Subscribe(handler func(types.Reading)) (unsubscribe func())
}

// NullBroker is the no-op default.
type NullBroker struct{}

func (NullBroker) Publish(context.Context, types.Reading) error         { return nil }
func (NullBroker) Subscribe(func(types.Reading)) (unsubscribe func()) { return func() {} }

// memoryBroker is a minimal in-process fan-out implementation: every
// publish is delivered synchronously to every current subscriber.
type memoryBroker struct {
	mu          sync.RWMutex
	subscribers map[int]func(types.Reading)
	nextID      int
}

func newMemoryBroker() *memoryBroker {
	return &memoryBroker{subscribers: make(map[int]func(types.Reading))}
}

func (b *memoryBroker) Publish(_ context.Context, r types.Reading) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, handler := range b.subscribers {
		handler(r)
	}
	return nil
}

func (b *memoryBroker) Subscribe(handler func(types.Reading)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// DefaultMinInterval is the per-key throttle floor
// (ML_PUBLISH_MIN_INTERVAL_SECONDS).
const DefaultMinInterval = 1 * time.Second

// ThrottledBroker wraps an inner ReadingBroker and silently drops a
// publish for a key whose previous publish is younger than MinInterval.
// The inner implementation is abstract; this wrapper is the only place
// throttling logic lives.
type ThrottledBroker struct {
	inner       ReadingBroker
	minInterval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewThrottled(inner ReadingBroker, minInterval time.Duration) *ThrottledBroker {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &ThrottledBroker{inner: inner, minInterval: minInterval, last: make(map[string]time.Time)}
}

// NewInMemory builds a ThrottledBroker over the in-process fan-out
// implementation, the variant used when no external broker is
// configured.
func NewInMemory(minInterval time.Duration) *ThrottledBroker {
	return NewThrottled(newMemoryBroker(), minInterval)
}

func (b *ThrottledBroker) Publish(ctx context.Context, r types.Reading) error {
	now := time.Now()

	b.mu.Lock()
	last, ok := b.last[r.SeriesID]
	if ok && now.Sub(last) < b.minInterval {
		b.mu.Unlock()
		return nil
	}
	b.last[r.SeriesID] = now
	b.mu.Unlock()

	return b.inner.Publish(ctx, r)
}

func (b *ThrottledBroker) Subscribe(handler func(types.Reading)) func() {
	return b.inner.Subscribe(handler)
}
