package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/diwise/ingest-gateway/pkg/types"
)

type fakeWriter struct {
	mu      sync.Mutex
	inserts [][]types.Observation
	failN   int
}

func (f *fakeWriter) InsertMany(_ context.Context, obs []types.Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errWriteFailed
	}
	cp := make([]types.Observation, len(obs))
	copy(cp, obs)
	f.inserts = append(f.inserts, cp)
	return nil
}

type writeErr string

func (e writeErr) Error() string { return string(e) }

const errWriteFailed = writeErr("write failed")

func TestInserter_FlushesAtCapacity(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	w := &fakeWriter{}
	ins := New(w).WithCapacity(3).WithFlushInterval(time.Hour).WithMaxBatch(10)
	ins.Start(ctx)
	defer ins.Stop(ctx, false)

	for i := 0; i < 3; i++ {
		ins.Add(types.Observation{MsgID: "m"})
	}

	is.True(waitFor(func() bool {
		_, flushed, _, _ := ins.Stats()
		return flushed == 3
	}))
}

func TestInserter_BackpressureDropsAtTwiceCapacity(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	w := &fakeWriter{}
	ins := New(w).WithCapacity(2).WithFlushInterval(time.Hour).WithMaxBatch(10)
	// Do not Start: nothing drains the buffer, so backpressure kicks in deterministically.

	for i := 0; i < 10; i++ {
		ins.Add(types.Observation{MsgID: "m"})
	}

	buffered, flushed, dropped, added := ins.Stats()
	is.Equal(added, int64(10))
	is.Equal(buffered+flushed+dropped, added)
	is.True(dropped > 0)
	_ = ctx
}

func TestInserter_FailedFlushRePrependsForRetry(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	w := &fakeWriter{failN: 1}
	ins := New(w).WithCapacity(1).WithFlushInterval(time.Hour).WithMaxBatch(10)
	ins.Start(ctx)
	defer ins.Stop(ctx, false)

	ins.Add(types.Observation{MsgID: "m1"})

	// Wait until the failing write has happened and the entry is still buffered.
	is.True(waitFor(func() bool {
		w.mu.Lock()
		failed := w.failN == 0
		w.mu.Unlock()
		buffered, _, _, _ := ins.Stats()
		return failed && buffered == 1
	}))

	// Next flush should succeed, carrying the re-prepended entry along
	// with the new one.
	ins.Add(types.Observation{MsgID: "m2"})
	is.True(waitFor(func() bool {
		_, flushed, _, _ := ins.Stats()
		return flushed == 2
	}))
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
