package resilience

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/diwise/ingest-gateway/pkg/types"
)

// DLQ is the append-only bounded dead-letter stream failed payloads land
// on for later inspection and reprocessing.
//
//go:generate moq -rm -out dlq_mock.go . DLQ
type DLQ interface {
	Push(ctx context.Context, entry types.DLQEntry) error
	// Poll returns up to n oldest entries for a consumer batch.
	Poll(ctx context.Context, n int) ([]types.DLQEntry, error)
	// Ack removes an entry (successful handling).
	Ack(ctx context.Context, id string) error
	// Requeue re-queues an entry with RetryCount+1, or archives it once
	// RetryCount reaches maxRetries.
	Requeue(ctx context.Context, entry types.DLQEntry, maxRetries int) error
	Len(ctx context.Context) (int64, error)
}

const DefaultMaxLen = 10000

// MemoryDLQ is an in-memory bounded ring the core can run tests against.
type MemoryDLQ struct {
	maxLen int64

	mu       sync.Mutex
	entries  *list.List // front = oldest
	archived []types.DLQEntry
}

func NewMemoryDLQ(maxLen int64) *MemoryDLQ {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &MemoryDLQ{maxLen: maxLen, entries: list.New()}
}

func (q *MemoryDLQ) Push(_ context.Context, entry types.DLQEntry) error {
	entry.Truncate()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries.PushBack(entry)
	for int64(q.entries.Len()) > q.maxLen {
		q.entries.Remove(q.entries.Front())
	}
	return nil
}

func (q *MemoryDLQ) Poll(_ context.Context, n int) ([]types.DLQEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.DLQEntry, 0, n)
	for e := q.entries.Front(); e != nil && len(out) < n; e = e.Next() {
		out = append(out, e.Value.(types.DLQEntry))
	}
	return out, nil
}

func (q *MemoryDLQ) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.entries.Front(); e != nil; e = e.Next() {
		if e.Value.(types.DLQEntry).ID == id {
			q.entries.Remove(e)
			return nil
		}
	}
	return nil
}

func (q *MemoryDLQ) Requeue(ctx context.Context, entry types.DLQEntry, maxRetries int) error {
	_ = q.Ack(ctx, entry.ID)
	entry.RetryCount++
	if entry.RetryCount >= maxRetries {
		q.mu.Lock()
		q.archived = append(q.archived, entry)
		q.mu.Unlock()
		return nil
	}
	return q.Push(ctx, entry)
}

func (q *MemoryDLQ) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.entries.Len()), nil
}

func (q *MemoryDLQ) Archived() []types.DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.DLQEntry, len(q.archived))
	copy(out, q.archived)
	return out
}

// RedisDLQ backs DLQ with a Redis stream (XADD/XLEN/XRANGE), trimmed
// with approximate MAXLEN.
type RedisDLQ struct {
	client     *redis.Client
	streamKey  string
	archiveKey string
	maxLen     int64
}

func NewRedisDLQ(client *redis.Client, streamKey string, maxLen int64) *RedisDLQ {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &RedisDLQ{client: client, streamKey: streamKey, archiveKey: streamKey + ":archive", maxLen: maxLen}
}

func (q *RedisDLQ) Push(ctx context.Context, entry types.DLQEntry) error {
	entry.Truncate()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey,
		MaxLen: q.maxLen,
		Approx: true,
		Values: dlqEntryToValues(entry),
	}).Err()
}

func (q *RedisDLQ) Poll(ctx context.Context, n int) ([]types.DLQEntry, error) {
	msgs, err := q.client.XRangeN(ctx, q.streamKey, "-", "+", int64(n)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.DLQEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, dlqEntryFromValues(m.ID, m.Values))
	}
	return out, nil
}

func (q *RedisDLQ) Ack(ctx context.Context, id string) error {
	return q.client.XDel(ctx, q.streamKey, id).Err()
}

func (q *RedisDLQ) Requeue(ctx context.Context, entry types.DLQEntry, maxRetries int) error {
	_ = q.Ack(ctx, entry.ID)
	entry.RetryCount++
	if entry.RetryCount >= maxRetries {
		return q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.archiveKey,
			Values: dlqEntryToValues(entry),
		}).Err()
	}
	return q.Push(ctx, entry)
}

func (q *RedisDLQ) Len(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.streamKey).Result()
}

func dlqEntryToValues(e types.DLQEntry) map[string]any {
	v := map[string]any{
		"payload":     e.Payload,
		"error":       e.Error,
		"error_type":  e.ErrorType,
		"source":      e.Source,
		"msg_id":      e.MsgID,
		"retry_count": e.RetryCount,
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.SensorID != nil {
		v["sensor_id"] = *e.SensorID
	}
	return v
}

func dlqEntryFromValues(id string, v map[string]any) types.DLQEntry {
	e := types.DLQEntry{ID: id}
	if s, ok := v["payload"].(string); ok {
		e.Payload = s
	}
	if s, ok := v["error"].(string); ok {
		e.Error = s
	}
	if s, ok := v["error_type"].(string); ok {
		e.ErrorType = s
	}
	if s, ok := v["source"].(string); ok {
		e.Source = s
	}
	if s, ok := v["msg_id"].(string); ok {
		e.MsgID = s
	}
	if s, ok := v["retry_count"].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			e.RetryCount = n
		}
	}
	if ts, ok := v["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
	}
	return e
}

// Consumer polls a DLQ in batches and invokes a handler; success acks the
// entry, failure requeues it with RetryCount+1, archiving once RetryCount
// reaches MaxRetries.
type Consumer struct {
	queue       DLQ
	handler     func(ctx context.Context, entry types.DLQEntry) error
	batchSize   int
	interval    time.Duration
	maxRetries  int

	stop chan struct{}
	done chan struct{}
}

func NewConsumer(queue DLQ, handler func(ctx context.Context, entry types.DLQEntry) error) *Consumer {
	return &Consumer{
		queue:      queue,
		handler:    handler,
		batchSize:  10,
		interval:   60 * time.Second,
		maxRetries: 3,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (c *Consumer) WithBatchSize(n int) *Consumer     { c.batchSize = n; return c }
func (c *Consumer) WithInterval(d time.Duration) *Consumer { c.interval = d; return c }
func (c *Consumer) WithMaxRetries(n int) *Consumer    { c.maxRetries = n; return c }

// Run blocks, polling on Consumer.interval, until ctx is cancelled or Stop
// is called.
func (c *Consumer) Run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.drainOnce(ctx)
		}
	}
}

func (c *Consumer) drainOnce(ctx context.Context) {
	entries, err := c.queue.Poll(ctx, c.batchSize)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if err := c.handler(ctx, entry); err != nil {
			_ = c.queue.Requeue(ctx, entry, c.maxRetries)
			continue
		}
		_ = c.queue.Ack(ctx, entry.ID)
	}
}

func (c *Consumer) Stop() {
	close(c.stop)
	<-c.done
}
