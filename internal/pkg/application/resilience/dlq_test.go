package resilience

import (
	"context"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/diwise/ingest-gateway/pkg/types"
)

func TestMemoryDLQ_PushPollAck(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	q := NewMemoryDLQ(10)
	is.NoErr(q.Push(ctx, types.DLQEntry{Payload: "p1", Error: "boom", ErrorType: "validation_error"}))

	entries, err := q.Poll(ctx, 10)
	is.NoErr(err)
	is.Equal(len(entries), 1)

	is.NoErr(q.Ack(ctx, entries[0].ID))

	n, err := q.Len(ctx)
	is.NoErr(err)
	is.Equal(n, int64(0))
}

func TestMemoryDLQ_BoundedDropsOldest(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	q := NewMemoryDLQ(2)
	is.NoErr(q.Push(ctx, types.DLQEntry{Payload: "first"}))
	is.NoErr(q.Push(ctx, types.DLQEntry{Payload: "second"}))
	is.NoErr(q.Push(ctx, types.DLQEntry{Payload: "third"}))

	entries, err := q.Poll(ctx, 10)
	is.NoErr(err)
	is.Equal(len(entries), 2)
	is.Equal(entries[0].Payload, "second")
	is.Equal(entries[1].Payload, "third")
}

func TestMemoryDLQ_RequeueArchivesAfterMaxRetries(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	q := NewMemoryDLQ(10)
	is.NoErr(q.Push(ctx, types.DLQEntry{Payload: "p"}))

	entries, _ := q.Poll(ctx, 10)
	entry := entries[0]

	is.NoErr(q.Requeue(ctx, entry, 2))
	entries, _ = q.Poll(ctx, 10)
	is.Equal(entries[0].RetryCount, 1)

	is.NoErr(q.Requeue(ctx, entries[0], 2))
	n, _ := q.Len(ctx)
	is.Equal(n, int64(0))
	is.Equal(len(q.Archived()), 1)
}

func TestDLQEntry_Truncate(t *testing.T) {
	is := is.New(t)
	e := types.DLQEntry{Payload: strings.Repeat("x", types.MaxDLQPayloadBytes+100), Error: strings.Repeat("e", types.MaxDLQErrorBytes+50)}
	e.Truncate()
	is.Equal(len(e.Payload), types.MaxDLQPayloadBytes)
	is.Equal(len(e.Error), types.MaxDLQErrorBytes)
}

func TestConsumer_DrainOnceAcksOnSuccessAndRequeuesOnFailure(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	q := NewMemoryDLQ(10)
	is.NoErr(q.Push(ctx, types.DLQEntry{Payload: "ok"}))
	is.NoErr(q.Push(ctx, types.DLQEntry{Payload: "bad"}))

	c := NewConsumer(q, func(_ context.Context, e types.DLQEntry) error {
		if e.Payload == "bad" {
			return errSentinel
		}
		return nil
	})

	c.drainOnce(ctx)

	remaining, _ := q.Poll(ctx, 10)
	is.Equal(len(remaining), 1)
	is.Equal(remaining[0].Payload, "bad")
	is.Equal(remaining[0].RetryCount, 1)
}

var errSentinel = stringError("handler failed")

type stringError string

func (e stringError) Error() string { return string(e) }
