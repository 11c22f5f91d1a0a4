package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const ringSize = 100

// sample is one (delta-between-consecutive-device-ts, ingest-lag) pair
// recorded per accepted observation, plus the sequence it carried.
type sample struct {
	delta time.Duration
	lag   time.Duration
	seq   int64
}

// streamRing is a fixed-size ring buffer of samples for one stream.
type streamRing struct {
	mu           sync.Mutex
	samples      [ringSize]sample
	count        int
	next         int
	lastDeviceTS time.Time
	lastSeq      int64
	haveLastSeq  bool
	outOfOrder   int64
	total        int64
}

func (r *streamRing) record(deviceTS, ingestTS time.Time, seq *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var delta time.Duration
	if !r.lastDeviceTS.IsZero() && !deviceTS.IsZero() {
		delta = deviceTS.Sub(r.lastDeviceTS)
	}
	if !deviceTS.IsZero() {
		r.lastDeviceTS = deviceTS
	}

	var lag time.Duration
	if !deviceTS.IsZero() {
		lag = ingestTS.Sub(deviceTS)
	}

	r.total++
	if seq != nil {
		if r.haveLastSeq && *seq <= r.lastSeq {
			r.outOfOrder++
		}
		r.lastSeq = *seq
		r.haveLastSeq = true
	}

	r.samples[r.next] = sample{delta: delta, lag: lag, seq: valueOr(seq, r.lastSeq)}
	r.next = (r.next + 1) % ringSize
	if r.count < ringSize {
		r.count++
	}
}

func valueOr(p *int64, def int64) int64 {
	if p != nil {
		return *p
	}
	return def
}

// Aggregate is the avg/min/max/stddev summary kept per
// stream and globally.
type Aggregate struct {
	Count        int
	AvgDeltaMs   float64
	MinDeltaMs   float64
	MaxDeltaMs   float64
	StddevDeltaMs float64
	AvgLagMs     float64
	MinLagMs     float64
	MaxLagMs     float64
	StddevLagMs  float64
	OutOfOrderRate float64
}

func (r *streamRing) aggregate() Aggregate {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return Aggregate{}
	}

	deltas := make([]float64, 0, r.count)
	lags := make([]float64, 0, r.count)
	for i := 0; i < r.count; i++ {
		s := r.samples[i]
		deltas = append(deltas, float64(s.delta.Milliseconds()))
		lags = append(lags, float64(s.lag.Milliseconds()))
	}

	avgD, minD, maxD, sdD := stats(deltas)
	avgL, minL, maxL, sdL := stats(lags)

	var oorRate float64
	if r.total > 0 {
		oorRate = float64(r.outOfOrder) / float64(r.total)
	}

	return Aggregate{
		Count:          r.count,
		AvgDeltaMs:     avgD,
		MinDeltaMs:     minD,
		MaxDeltaMs:     maxD,
		StddevDeltaMs:  sdD,
		AvgLagMs:       avgL,
		MinLagMs:       minL,
		MaxLagMs:       maxL,
		StddevLagMs:    sdL,
		OutOfOrderRate: oorRate,
	}
}

func stats(xs []float64) (avg, min, max, stddev float64) {
	if len(xs) == 0 {
		return 0, 0, 0, 0
	}
	min, max = xs[0], xs[0]
	sum := 0.0
	for _, x := range xs {
		sum += x
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	avg = sum / float64(len(xs))

	var variance float64
	for _, x := range xs {
		variance += (x - avg) * (x - avg)
	}
	variance /= float64(len(xs))
	stddev = math.Sqrt(variance)
	return
}

// HealthStatus is the PASS/WARN/FAIL assessment of a stream's timing.
type HealthStatus string

const (
	HealthPass HealthStatus = "PASS"
	HealthWarn HealthStatus = "WARN"
	HealthFail HealthStatus = "FAIL"
)

const (
	maxLagThreshold        = 200 * time.Millisecond
	outOfOrderRateThreshold = 0.01
)

// Assess applies the health rule: PASS if max lag <= 200ms and
// out-of-order rate <= 1%, else WARN/FAIL depending on severity.
func Assess(agg Aggregate) HealthStatus {
	maxLagOK := agg.MaxLagMs <= float64(maxLagThreshold.Milliseconds())
	oorOK := agg.OutOfOrderRate <= outOfOrderRateThreshold

	if maxLagOK && oorOK {
		return HealthPass
	}
	if agg.MaxLagMs > float64(maxLagThreshold.Milliseconds())*3 || agg.OutOfOrderRate > outOfOrderRateThreshold*5 {
		return HealthFail
	}
	return HealthWarn
}

// Registry is the process-wide diagnostics collector: one ring buffer per
// stream, thread-safe ("all counters are thread-safe").
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*streamRing

	promObservations *prometheus.CounterVec
	promRejections   *prometheus.CounterVec
	promDuplicates   prometheus.Counter
	promCircuitTrips prometheus.Counter
	promIngestLag    prometheus.Histogram
}

// NewRegistry builds a Registry bound to reg (pass prometheus.NewRegistry()
// in tests to avoid colliding with the process-wide default registry used
// by cmd/ingest-gateway's GET /metrics).
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		streams: make(map[string]*streamRing),
		promObservations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_observations_total",
			Help: "Observations processed, labeled by classification outcome.",
		}, []string{"classification"}),
		promRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_rejections_total",
			Help: "Observations rejected, labeled by reason.",
		}, []string{"reason"}),
		promDuplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_duplicates_total",
			Help: "Observations dropped by the deduplicator.",
		}),
		promCircuitTrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_circuit_breaker_trips_total",
			Help: "Times the persistence circuit breaker tripped open.",
		}),
		promIngestLag: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_lag_seconds",
			Help:    "ingest_ts - device_ts for accepted observations.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (r *Registry) ringFor(streamKey string) *streamRing {
	r.mu.RLock()
	ring, ok := r.streams[streamKey]
	r.mu.RUnlock()
	if ok {
		return ring
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ring, ok := r.streams[streamKey]; ok {
		return ring
	}
	ring = &streamRing{}
	r.streams[streamKey] = ring
	return ring
}

// RecordObservation feeds one accepted observation's timing into the
// per-stream ring and the Prometheus histogram.
func (r *Registry) RecordObservation(streamKey string, deviceTS, ingestTS time.Time, seq *int64, classification string) {
	r.ringFor(streamKey).record(deviceTS, ingestTS, seq)
	r.promObservations.WithLabelValues(classification).Inc()
	if !deviceTS.IsZero() {
		r.promIngestLag.Observe(ingestTS.Sub(deviceTS).Seconds())
	}
}

func (r *Registry) RecordRejection(reason string) {
	r.promRejections.WithLabelValues(reason).Inc()
}

func (r *Registry) RecordDuplicate() {
	r.promDuplicates.Inc()
}

func (r *Registry) RecordCircuitTrip() {
	r.promCircuitTrips.Inc()
}

// StreamReport is the per-stream diagnostics payload for
// GET /api/ingestion/diagnostics?sensor_id=.
type StreamReport struct {
	StreamKey string       `json:"streamKey"`
	Aggregate Aggregate    `json:"aggregate"`
	Health    HealthStatus `json:"health"`
}

func (r *Registry) Report(streamKey string) StreamReport {
	agg := r.ringFor(streamKey).aggregate()
	return StreamReport{StreamKey: streamKey, Aggregate: agg, Health: Assess(agg)}
}

// GlobalReport aggregates every stream the registry has seen.
func (r *Registry) GlobalReport() StreamReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var deltas, lags []float64
	var totalOOR, total int64

	for _, ring := range r.streams {
		ring.mu.Lock()
		for i := 0; i < ring.count; i++ {
			s := ring.samples[i]
			deltas = append(deltas, float64(s.delta.Milliseconds()))
			lags = append(lags, float64(s.lag.Milliseconds()))
		}
		totalOOR += ring.outOfOrder
		total += ring.total
		ring.mu.Unlock()
	}

	avgD, minD, maxD, sdD := stats(deltas)
	avgL, minL, maxL, sdL := stats(lags)

	var oorRate float64
	if total > 0 {
		oorRate = float64(totalOOR) / float64(total)
	}

	agg := Aggregate{
		Count: len(deltas), AvgDeltaMs: avgD, MinDeltaMs: minD, MaxDeltaMs: maxD, StddevDeltaMs: sdD,
		AvgLagMs: avgL, MinLagMs: minL, MaxLagMs: maxL, StddevLagMs: sdL, OutOfOrderRate: oorRate,
	}
	return StreamReport{StreamKey: "*", Aggregate: agg, Health: Assess(agg)}
}
