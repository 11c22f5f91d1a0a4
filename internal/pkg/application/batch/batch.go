package batch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/diwise/ingest-gateway/pkg/types"
)

// Writer performs the bulk write of one flush's observations in one call.
//
//go:generate moq -rm -out writer_mock.go . Writer
type Writer interface {
	InsertMany(ctx context.Context, observations []types.Observation) error
}

const (
	DefaultCapacity     = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxBatch      = 500
)

// Inserter is the high-throughput alternative write path: a
// bounded buffer, a periodic flusher, backpressure that drops samples
// rather than growing unbounded.
type Inserter struct {
	writer        Writer
	capacity      int
	flushInterval time.Duration
	maxBatch      int

	mu      sync.Mutex
	buffer  []types.Observation
	dropped int64
	flushed int64
	added   int64

	flushSignal chan struct{}
	stop        chan struct{}
	stopped     chan struct{}
	started     bool
}

func New(writer Writer) *Inserter {
	return &Inserter{
		writer:        writer,
		capacity:      DefaultCapacity,
		flushInterval: DefaultFlushInterval,
		maxBatch:      DefaultMaxBatch,
		flushSignal:   make(chan struct{}, 1),
	}
}

func (i *Inserter) WithCapacity(n int) *Inserter         { i.capacity = n; return i }
func (i *Inserter) WithFlushInterval(d time.Duration) *Inserter { i.flushInterval = d; return i }
func (i *Inserter) WithMaxBatch(n int) *Inserter         { i.maxBatch = n; return i }

// Start launches the periodic flusher. Idempotent
func (i *Inserter) Start(ctx context.Context) {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return
	}
	i.started = true
	i.stop = make(chan struct{})
	i.stopped = make(chan struct{})
	i.mu.Unlock()

	go i.run(ctx)
}

func (i *Inserter) run(ctx context.Context) {
	defer close(i.stopped)

	ticker := time.NewTicker(i.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stop:
			return
		case <-ticker.C:
			i.flush(ctx)
		case <-i.flushSignal:
			i.flush(ctx)
		}
	}
}

// Stop is idempotent; if flushRemaining is true it flushes whatever is
// still buffered before returning.
func (i *Inserter) Stop(ctx context.Context, flushRemaining bool) {
	i.mu.Lock()
	if !i.started {
		i.mu.Unlock()
		return
	}
	i.started = false
	close(i.stop)
	i.mu.Unlock()

	<-i.stopped

	if flushRemaining {
		for {
			i.mu.Lock()
			empty := len(i.buffer) == 0
			i.mu.Unlock()
			if empty {
				return
			}
			i.flush(ctx)
		}
	}
}

// Add applies the backpressure rule: if the buffer is already
// at 2x capacity the sample is dropped and counted; otherwise it is
// appended, signalling the flusher once capacity is reached.
func (i *Inserter) Add(o types.Observation) {
	i.mu.Lock()
	i.added++
	if len(i.buffer) >= 2*i.capacity {
		i.dropped++
		i.mu.Unlock()
		log.Warn().Str("stream", o.Key()).Msg("batch inserter backpressure: dropping sample")
		return
	}

	i.buffer = append(i.buffer, o)
	atCapacity := len(i.buffer) >= i.capacity
	i.mu.Unlock()

	if atCapacity {
		select {
		case i.flushSignal <- struct{}{}:
		default:
		}
	}
}

func (i *Inserter) flush(ctx context.Context) {
	i.mu.Lock()
	if len(i.buffer) == 0 {
		i.mu.Unlock()
		return
	}

	n := i.maxBatch
	if n > len(i.buffer) {
		n = len(i.buffer)
	}
	// The batch stays at the front of the buffer while it is written, so it
	// counts as buffered until the write succeeds; a failed write leaves it
	// in place for the next flush. Only flush removes from the front.
	take := append([]types.Observation(nil), i.buffer[:n]...)
	i.mu.Unlock()

	if err := i.writer.InsertMany(ctx, take); err != nil {
		log.Error().Err(err).Int("count", len(take)).Msg("batch insert failed, keeping batch buffered for retry")
		return
	}

	i.mu.Lock()
	i.buffer = i.buffer[n:]
	i.flushed += int64(len(take))
	i.mu.Unlock()
}

// Stats reports the accounting counters; at any observation point
// buffered + flushed + dropped == added.
func (i *Inserter) Stats() (buffered, flushed, dropped, added int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return int64(len(i.buffer)), i.flushed, i.dropped, i.added
}
