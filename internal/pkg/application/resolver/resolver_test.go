package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
)

type fakeStore struct {
	calls int
	id    int64
	found bool
}

func (f *fakeStore) ResolveSensor(_ context.Context, deviceUUID, sensorUUID string) (int64, bool, error) {
	f.calls++
	return f.id, f.found, nil
}

func TestResolver_CachesHit(t *testing.T) {
	is := is.New(t)
	store := &fakeStore{id: 42, found: true}
	r := New(store)

	id, found, err := r.Resolve(context.Background(), "dev-1", "sensor-1")
	is.NoErr(err)
	is.True(found)
	is.Equal(id, int64(42))

	_, _, _ = r.Resolve(context.Background(), "dev-1", "sensor-1")
	is.Equal(store.calls, 1)
}

func TestResolver_CachesMiss(t *testing.T) {
	is := is.New(t)
	store := &fakeStore{found: false}
	r := New(store)

	_, found, err := r.Resolve(context.Background(), "dev-1", "unknown")
	is.NoErr(err)
	is.True(!found)

	_, _, _ = r.Resolve(context.Background(), "dev-1", "unknown")
	is.Equal(store.calls, 1)
}

func TestResolver_ExpiresAfterTTL(t *testing.T) {
	is := is.New(t)
	store := &fakeStore{id: 1, found: true}
	r := New(store).WithTTL(10 * time.Millisecond)

	_, _, _ = r.Resolve(context.Background(), "dev-1", "sensor-1")
	time.Sleep(20 * time.Millisecond)
	_, _, _ = r.Resolve(context.Background(), "dev-1", "sensor-1")

	is.Equal(store.calls, 2)
}

func TestResolver_Invalidate(t *testing.T) {
	is := is.New(t)
	store := &fakeStore{id: 1, found: true}
	r := New(store)

	_, _, _ = r.Resolve(context.Background(), "dev-1", "sensor-1")
	r.Invalidate("dev-1", "sensor-1")
	_, _, _ = r.Resolve(context.Background(), "dev-1", "sensor-1")

	is.Equal(store.calls, 2)
}
