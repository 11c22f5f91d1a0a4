package watchdog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

type fakeStore struct {
	sweeps        atomic.Int64
	olderThanSeen atomic.Int64
}

func (f *fakeStore) MarkStale(_ context.Context, olderThanSeconds int) (int64, error) {
	f.sweeps.Add(1)
	f.olderThanSeen.Store(int64(olderThanSeconds))
	return 2, nil
}

func TestWatchdogSweeps(t *testing.T) {
	is := is.New(t)

	store := &fakeStore{}
	w := New(store, zerolog.Nop()).WithInterval(5 * time.Millisecond).WithStaleAfter(time.Hour)

	w.Start()

	deadline := time.Now().Add(2 * time.Second)
	for store.sweeps.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	is.True(store.sweeps.Load() >= 2)
	is.Equal(store.olderThanSeen.Load(), int64(3600))
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	w := New(&fakeStore{}, zerolog.Nop())
	w.Stop()
}
