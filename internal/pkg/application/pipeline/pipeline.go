// Package pipeline wires transport decoders to the classifier and the
// ALERT/WARNING/PREDICTION sub-pipelines.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/diwise/ingest-gateway/internal/pkg/application/batch"
	"github.com/diwise/ingest-gateway/internal/pkg/application/broker"
	"github.com/diwise/ingest-gateway/internal/pkg/application/classifier"
	"github.com/diwise/ingest-gateway/internal/pkg/application/metrics"
	"github.com/diwise/ingest-gateway/internal/pkg/application/notify"
	"github.com/diwise/ingest-gateway/internal/pkg/application/resilience"
	"github.com/diwise/ingest-gateway/pkg/types"
)

// Store is the persistence boundary the three sub-pipelines write through.
// A single implementation (infrastructure/repositories/timeseries.Storage)
// satisfies this alongside classifier.StateRepository and
// classifier.ConfigRepository.
//
//go:generate moq -rm -out store_mock.go . Store
type Store interface {
	InsertReading(ctx context.Context, streamKey string, value float64, deviceTS *time.Time, ingestTS time.Time) error
	UpsertAlert(ctx context.Context, a types.AlertRecord) (types.AlertRecord, error)
	UpsertMLEvent(ctx context.Context, e types.MLEvent) (types.MLEvent, error)
	InsertNotification(ctx context.Context, n types.Notification) error
	FindRecentNotification(ctx context.Context, source, sourceEventID string, within time.Duration) (bool, error)
	UpsertLastReading(ctx context.Context, streamKey string, r types.LastReading) error
	GetLastReading(ctx context.Context, streamKey string) (types.LastReading, bool, error)
	GetState(ctx context.Context, streamKey string) (types.SensorRecord, error)
}

const notificationDedupWindow = 5 * time.Minute

// Pipeline is the end-to-end orchestration for a single observation:
// RateLimiter → Deduplicator → Classifier → {ALERT, WARNING, PREDICTION}
// → persistence/DLQ.
type Pipeline struct {
	store      Store
	classifier *classifier.Classifier
	dedup      resilience.Deduplicator
	limiter    *resilience.RateLimiter
	dlq        resilience.DLQ
	breaker    *resilience.Breaker
	retryCfg   resilience.RetryConfig
	broker     broker.ReadingBroker
	notifier   notify.Pusher
	metrics    *metrics.Registry

	// batch, when set, additionally buffers clean observations into the
	// append-only sensor_readings table via bulk inserts (high-throughput
	// mode). ALERT/WARNING always insert their triggering reading
	// synchronously — it must be durable before the event row
	// referencing it.
	batch *batch.Inserter
}

func New(store Store, c *classifier.Classifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		classifier: c,
		dedup:      resilience.NewMemoryDeduplicator(resilience.DefaultDedupTTL),
		limiter:    resilience.NewRateLimiter(resilience.DefaultLimits()),
		dlq:        resilience.NewMemoryDLQ(resilience.DefaultMaxLen),
		breaker:    resilience.NewBreaker(resilience.DefaultConfig("ingest-store")),
		retryCfg:   resilience.DefaultRetryConfig(),
		broker:     broker.NewInMemory(broker.DefaultMinInterval),
		notifier:   noopPusher{},
		metrics:    metrics.NewRegistry(nil),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type Option func(*Pipeline)

func WithDeduplicator(d resilience.Deduplicator) Option { return func(p *Pipeline) { p.dedup = d } }
func WithRateLimiter(l *resilience.RateLimiter) Option   { return func(p *Pipeline) { p.limiter = l } }
func WithDLQ(q resilience.DLQ) Option                    { return func(p *Pipeline) { p.dlq = q } }
func WithBreaker(b *resilience.Breaker) Option           { return func(p *Pipeline) { p.breaker = b } }
func WithRetryConfig(cfg resilience.RetryConfig) Option  { return func(p *Pipeline) { p.retryCfg = cfg } }
func WithBroker(b broker.ReadingBroker) Option           { return func(p *Pipeline) { p.broker = b } }
func WithNotifier(n notify.Pusher) Option                { return func(p *Pipeline) { p.notifier = n } }
func WithMetrics(m *metrics.Registry) Option             { return func(p *Pipeline) { p.metrics = m } }
func WithBatchInserter(b *batch.Inserter) Option         { return func(p *Pipeline) { p.batch = b } }

type noopPusher struct{}

func (noopPusher) Push(context.Context, string, types.Notification) error { return nil }

// ResilienceStatus is an operational snapshot of the pipeline's fault
// handling, served by the diagnostics surface.
type ResilienceStatus struct {
	BreakerState    string `json:"breaker_state"`
	DLQDepth        int64  `json:"dlq_depth"`
	DedupChecked    int64  `json:"dedup_checked"`
	DedupDuplicates int64  `json:"dedup_duplicates"`
}

func (p *Pipeline) ResilienceStatus(ctx context.Context) ResilienceStatus {
	depth, err := p.dlq.Len(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read dead-letter queue depth")
	}
	checked, duplicates := p.dedup.Stats()

	return ResilienceStatus{
		BreakerState:    p.breaker.State(),
		DLQDepth:        depth,
		DedupChecked:    checked,
		DedupDuplicates: duplicates,
	}
}

// Result is what a single Ingest call reports back to the transport caller.
type Result struct {
	Accepted       bool
	Duplicate      bool
	RateLimited    bool
	Classification types.Classification
	Err            error
}

// RateLimitKeys carries the three rate-limit scopes, enforced in order
// IP → device → sensor.
type RateLimitKeys struct {
	IP     string
	Device string
	Sensor string
}

// Ingest runs one observation through rate-limiting, dedup, classification
// and the routed sub-pipeline. Transport decoders call this once per
// decoded Observation.
func (p *Pipeline) Ingest(ctx context.Context, o types.Observation, keys RateLimitKeys) Result {
	if keys.IP != "" {
		if err := p.limiter.Allow(resilience.ScopeIP, keys.IP); err != nil {
			return Result{RateLimited: true, Err: err}
		}
	}
	if keys.Device != "" {
		if err := p.limiter.Allow(resilience.ScopeDevice, keys.Device); err != nil {
			return Result{RateLimited: true, Err: err}
		}
	}
	if keys.Sensor != "" {
		if err := p.limiter.Allow(resilience.ScopeSensor, keys.Sensor); err != nil {
			return Result{RateLimited: true, Err: err}
		}
	}

	if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
		p.sendToDLQ(ctx, o, fmt.Errorf("value is not finite"), "validation_error")
		p.metrics.RecordRejection("validation_error")
		return Result{Err: fmt.Errorf("value is not finite")}
	}

	streamKey := o.Key()
	msgID := o.MsgID
	if msgID == "" {
		msgID = resilience.DeriveMsgID(streamKey, o.IngestTS, o.Value)
	}

	isNew, err := p.dedup.CheckAndSet(ctx, msgID)
	if err != nil {
		log.Warn().Err(err).Msg("deduplicator store error, failing open")
	}
	if !isNew {
		p.metrics.RecordDuplicate()
		return Result{Duplicate: true}
	}

	classification, err := p.classifier.Classify(ctx, streamKey, o.Value, o.IngestTS)
	if err != nil {
		p.sendToDLQ(ctx, o, err, "classification_error")
		return Result{Err: err}
	}

	p.metrics.RecordObservation(streamKey, derefTime(o.DeviceTS), o.IngestTS, o.Sequence, string(classification.Kind))

	switch classification.Kind {
	case types.ClassificationAlert:
		err = p.runWithResilience(ctx, o, func(ctx context.Context) error {
			return p.alertPipeline(ctx, streamKey, o, classification)
		})
	case types.ClassificationWarning:
		err = p.runWithResilience(ctx, o, func(ctx context.Context) error {
			return p.warningPipeline(ctx, streamKey, o, classification)
		})
	default:
		err = p.runWithResilience(ctx, o, func(ctx context.Context) error {
			return p.predictionPipeline(ctx, streamKey, o)
		})
	}

	if err != nil {
		return Result{Classification: classification, Err: err}
	}
	return Result{Accepted: true, Classification: classification}
}

// runWithResilience wraps a persistence call with the circuit breaker and
// retry-with-backoff, routing a final failure to the DLQ.
func (p *Pipeline) runWithResilience(ctx context.Context, o types.Observation, fn func(context.Context) error) error {
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, p.retryCfg, fn)
	})
	if err == nil {
		return nil
	}

	if resilience.IsCircuitOpen(err) {
		p.metrics.RecordCircuitTrip()
		p.sendToDLQ(ctx, o, err, "circuit_breaker_open")
		return err
	}

	p.sendToDLQ(ctx, o, err, "persistence_error")
	return err
}

func (p *Pipeline) alertPipeline(ctx context.Context, streamKey string, o types.Observation, c types.Classification) error {
	if err := p.store.InsertReading(ctx, streamKey, o.Value, o.DeviceTS, o.IngestTS); err != nil {
		return err
	}

	state, err := p.store.GetState(ctx, streamKey)
	if err != nil {
		return err
	}

	alert, err := p.store.UpsertAlert(ctx, types.AlertRecord{
		StreamID:       streamKey,
		DeviceID:       state.DeviceID,
		ThresholdID:    c.ThresholdViolated,
		Severity:       types.SeverityCritical,
		TriggeredValue: o.Value,
		TriggeredAt:    o.IngestTS,
	})
	if err != nil {
		return err
	}

	// Side effects never abort persistence of the primary alert.
	p.notifyAndPush(ctx, streamKey, fmt.Sprintf("alert:%d", alert.ID), types.Notification{
		Source:        "alert",
		SourceEventID: fmt.Sprintf("%d", alert.ID),
		Severity:      types.SeverityCritical,
		Title:         "Sensor alert",
		Message:       fmt.Sprintf("%s: %s, value=%v", streamKey, c.Reason, o.Value),
		CreatedAt:     o.IngestTS,
	})

	return nil
}

func (p *Pipeline) warningPipeline(ctx context.Context, streamKey string, o types.Observation, c types.Classification) error {
	if err := p.store.InsertReading(ctx, streamKey, o.Value, o.DeviceTS, o.IngestTS); err != nil {
		return err
	}

	state, err := p.store.GetState(ctx, streamKey)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"delta_abs":  c.DeltaAbs,
		"delta_rel":  c.DeltaRel,
		"slope_abs":  c.SlopeAbs,
		"slope_rel":  c.SlopeRel,
		"dt_seconds": c.DtSeconds,
		"last_value": c.LastValue,
		"triggered":  c.Triggered,
	}

	event, err := p.store.UpsertMLEvent(ctx, types.MLEvent{
		StreamID:  streamKey,
		DeviceID:  state.DeviceID,
		EventType: "WARNING",
		EventCode: "DELTA_SPIKE",
		CreatedAt: o.IngestTS,
		Payload:   payload,
	})
	if err != nil {
		return err
	}

	p.notifyAndPush(ctx, streamKey, fmt.Sprintf("spike:%d", event.ID), types.Notification{
		Source:        "spike",
		SourceEventID: fmt.Sprintf("%d", event.ID),
		Severity:      c.Severity,
		Title:         "Delta spike detected",
		Message:       fmt.Sprintf("%s: %s", streamKey, c.Reason),
		CreatedAt:     o.IngestTS,
	})

	// Delta spikes are never forwarded to the reading broker.
	return nil
}

func (p *Pipeline) predictionPipeline(ctx context.Context, streamKey string, o types.Observation) error {
	if p.batch != nil {
		p.batch.Add(o)
	}

	last, found, err := p.store.GetLastReading(ctx, streamKey)
	if err != nil {
		return err
	}

	if found && decimalEqual(last.Value, o.Value) {
		return nil
	}

	if err := p.store.UpsertLastReading(ctx, streamKey, types.LastReading{Value: o.Value, Timestamp: o.IngestTS}); err != nil {
		return err
	}
	p.classifier.InvalidateThresholds(streamKey) // drops only the cached threshold set; the classifier's last-reading cache is not invalidated by this write

	state, _ := p.store.GetState(ctx, streamKey)

	return p.broker.Publish(ctx, types.Reading{
		SeriesID:   streamKey,
		SensorType: state.SensorType,
		Value:      o.Value,
		Timestamp:  o.IngestTS,
	})
}

func (p *Pipeline) notifyAndPush(ctx context.Context, streamKey, sourceEventID string, n types.Notification) {
	recent, err := p.store.FindRecentNotification(ctx, n.Source, sourceEventID, notificationDedupWindow)
	if err != nil {
		log.Warn().Err(err).Msg("notification dedup lookup failed")
	}
	if recent {
		return
	}

	n.SourceEventID = sourceEventID
	if err := p.store.InsertNotification(ctx, n); err != nil {
		log.Warn().Err(err).Str("stream", streamKey).Msg("failed to persist notification")
		return
	}

	if err := p.notifier.Push(ctx, streamKey, n); err != nil {
		log.Warn().Err(err).Str("stream", streamKey).Msg("push notification delivery failed")
	}
}

func (p *Pipeline) sendToDLQ(ctx context.Context, o types.Observation, cause error, errorType string) {
	payload, _ := json.Marshal(o)
	entry := types.DLQEntry{
		Payload:   string(payload),
		Error:     cause.Error(),
		ErrorType: errorType,
		Source:    o.SeriesID.Domain,
		MsgID:     o.MsgID,
		Timestamp: o.IngestTS,
	}
	entry.Truncate()
	if err := p.dlq.Push(ctx, entry); err != nil {
		log.Error().Err(err).Msg("failed to push dead-letter entry")
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// decimalEqual compares via string round-trip through shopspring/decimal to
// avoid float-equality artifacts ("arbitrary-precision
// decimal").
func decimalEqual(a, b float64) bool {
	da, errA := decimal.NewFromString(fmt.Sprintf("%v", a))
	db, errB := decimal.NewFromString(fmt.Sprintf("%v", b))
	if errA != nil || errB != nil {
		return a == b
	}
	return da.Equal(db)
}
