// Package http implements the REST ingestion surface: packet, universal
// and simple-readings endpoints, plus health/diagnostics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/diwise/ingest-gateway/internal/pkg/application/csvimport"
	"github.com/diwise/ingest-gateway/internal/pkg/application/metrics"
	"github.com/diwise/ingest-gateway/internal/pkg/application/pipeline"
	"github.com/diwise/ingest-gateway/internal/pkg/application/resolver"
	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/authz"
	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/repositories/jobstore"
	"github.com/diwise/ingest-gateway/pkg/types"
)

var tracer = otel.Tracer("ingest-gateway/transport/http")

const maxTimestampSkewFuture = 5 * time.Minute
const maxTimestampAge = 24 * time.Hour

// Pinger reports whether the backing store is reachable, for GET /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Authorizer decides whether an authenticated API key may write to
// (sourceID, domain). The rego-backed authz.RegoAuthorizer satisfies
// this; staticAuthorizer is the fallback when none is injected.
type Authorizer interface {
	Authorize(ctx context.Context, info authz.ApiKeyInfo, sourceID, domain string) error
}

type staticAuthorizer struct{}

func (staticAuthorizer) Authorize(_ context.Context, info authz.ApiKeyInfo, sourceID, domain string) error {
	return authz.Authorize(info, sourceID, domain)
}

// Deps bundles everything the handlers need; RegisterHandlers takes this
// instead of a long parameter list.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Auth       *authz.Authenticator
	Authorizer Authorizer
	Resolver   *resolver.Resolver
	Metrics    *metrics.Registry
	Pinger     Pinger

	// CSVEnabled gates the bulk-import endpoints (FF_CSV_ENABLED);
	// CSVRunner/JobStore may be nil when disabled.
	CSVEnabled bool
	CSVRunner  *csvimport.Runner
	JobStore   *jobstore.Store
}

func RegisterHandlers(log zerolog.Logger, router *chi.Mux, d Deps) *chi.Mux {
	if d.Authorizer == nil {
		d.Authorizer = staticAuthorizer{}
	}

	router.Get("/health", healthHandler)
	router.Get("/ready", readyHandler(d))
	router.Handle("/metrics", promhttp.Handler())

	router.Post("/ingest/readings", apiKeyAuth(d, readingsHandler(log, d)))
	router.Post("/ingest/readings/bulk", apiKeyAuth(d, bulkReadingsHandler(log, d)))
	router.Post("/ingest/packets", deviceOrAPIKeyAuth(d, packetsHandler(log, d)))
	router.Post("/ingest/data", apiKeyAuth(d, universalHandler(log, d)))
	router.Post("/ingest/csv", apiKeyAuth(d, csvUploadHandler(log, d)))
	router.Get("/ingest/csv/jobs/{id}", apiKeyAuth(d, csvJobStatusHandler(d)))

	router.Get("/sensors/{id}/status", apiKeyAuth(d, sensorStatusHandler(log, d)))
	router.Get("/api/ingestion/diagnostics", diagnosticsHandler(d))
	router.Get("/api/ingestion/resilience", resilienceHandler(d))

	return router
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readyHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Pinger != nil {
			if err := d.Pinger.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// --- auth middleware -------------------------------------------------

type ctxKey string

const apiKeyInfoKey ctxKey = "apiKeyInfo"

func apiKeyAuth(d Deps, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-API-Key")
		if raw == "" {
			writeErr(w, http.StatusUnauthorized, "missing X-API-Key")
			return
		}

		info, err := d.Auth.AuthenticateAPIKey(r.Context(), raw)
		if err != nil {
			status := statusForAuthErr(err)
			writeErr(w, status, err.Error())
			return
		}

		next(w, r.WithContext(contextWithAPIKeyInfo(r.Context(), info)))
	}
}

func deviceOrAPIKeyAuth(d Deps, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if raw := r.Header.Get("X-API-Key"); raw != "" {
			info, err := d.Auth.AuthenticateAPIKey(r.Context(), raw)
			if err != nil {
				writeErr(w, statusForAuthErr(err), err.Error())
				return
			}
			next(w, r.WithContext(contextWithAPIKeyInfo(r.Context(), info)))
			return
		}
		// Device-key path: deferred until the packet body is parsed, since
		// the device_uuid to bind against lives in the body.
		next(w, r)
	}
}

func statusForAuthErr(err error) int {
	switch {
	case errors.Is(err, authz.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, authz.ErrScopeMismatch):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func contextWithAPIKeyInfo(ctx context.Context, info authz.ApiKeyInfo) context.Context {
	return context.WithValue(ctx, apiKeyInfoKey, info)
}

func apiKeyInfoFrom(ctx context.Context) (authz.ApiKeyInfo, bool) {
	info, ok := ctx.Value(apiKeyInfoKey).(authz.ApiKeyInfo)
	return info, ok
}

// --- simple readings ---------------------------------------------------

type readingRequest struct {
	SensorID  string     `json:"sensor_id"`
	Value     float64    `json:"value"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func readingsHandler(log zerolog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "ingest-reading")
		defer span.End()

		var req readingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "malformed json")
			return
		}

		seriesID, err := types.ParseSeriesID(req.SensorID)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}

		o, err := buildObservation(seriesID, req.Value, req.Timestamp, r.RemoteAddr)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}

		res := d.Pipeline.Ingest(ctx, o, pipeline.RateLimitKeys{IP: clientIP(r), Sensor: o.Key()})
		if res.RateLimited {
			w.Header().Set("Retry-After", "60")
			writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if res.Err != nil && !res.Duplicate {
			log.Error().Err(res.Err).Msg("ingest reading failed")
			writeErr(w, http.StatusInternalServerError, "ingest failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]int{"inserted": 1})
	}
}

type bulkReadingsRequest struct {
	Readings []readingRequest `json:"readings"`
}

func bulkReadingsHandler(log zerolog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "ingest-readings-bulk")
		defer span.End()

		var req bulkReadingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "malformed json")
			return
		}

		inserted := 0
		for _, item := range req.Readings {
			seriesID, err := types.ParseSeriesID(item.SensorID)
			if err != nil {
				continue
			}
			o, err := buildObservation(seriesID, item.Value, item.Timestamp, r.RemoteAddr)
			if err != nil {
				continue
			}
			res := d.Pipeline.Ingest(ctx, o, pipeline.RateLimitKeys{IP: clientIP(r), Sensor: o.Key()})
			if res.Accepted || res.Duplicate {
				inserted++
			} else {
				log.Warn().Err(res.Err).Str("sensor", item.SensorID).Msg("bulk reading rejected")
			}
		}

		writeJSON(w, http.StatusOK, map[string]int{"inserted": inserted})
	}
}

// --- device packets ------------------------------------------------

type packetReading struct {
	SensorUUID string     `json:"sensor_uuid"`
	Value      float64    `json:"value"`
	SensorTS   *time.Time `json:"sensor_ts,omitempty"`
	Sequence   *int64     `json:"sequence,omitempty"`
}

type packetRequest struct {
	DeviceUUID string          `json:"device_uuid"`
	TS         *time.Time      `json:"ts,omitempty"`
	Readings   []packetReading `json:"readings"`
}

func packetsHandler(log zerolog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "ingest-packets")
		defer span.End()

		var req packetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "malformed json")
			return
		}
		if req.DeviceUUID == "" {
			writeErr(w, http.StatusBadRequest, "device_uuid required")
			return
		}

		if rawKey := r.Header.Get("X-Device-Key"); rawKey != "" {
			if _, err := d.Auth.AuthenticateDevice(ctx, rawKey, req.DeviceUUID); err != nil {
				writeErr(w, statusForAuthErr(err), err.Error())
				return
			}
		} else if _, ok := apiKeyInfoFrom(ctx); !ok {
			writeErr(w, http.StatusUnauthorized, "missing X-Device-Key or X-API-Key")
			return
		}

		inserted := 0
		unknown := make([]string, 0)
		for _, reading := range req.Readings {
			id, found, err := d.Resolver.Resolve(ctx, req.DeviceUUID, reading.SensorUUID)
			if err != nil {
				log.Error().Err(err).Msg("sensor resolver lookup failed")
				continue
			}
			if !found {
				unknown = append(unknown, reading.SensorUUID)
				continue
			}

			ts := resolveTimestamp(reading.SensorTS, req.TS)
			o := types.Observation{
				LegacyStreamInt: &id,
				Value:           reading.Value,
				DeviceTS:        ts,
				IngestTS:        time.Now().UTC(),
				Sequence:        reading.Sequence,
			}
			if err := validateObservation(o); err != nil {
				continue
			}

			res := d.Pipeline.Ingest(ctx, o, pipeline.RateLimitKeys{IP: clientIP(r), Device: req.DeviceUUID, Sensor: o.Key()})
			if res.Accepted || res.Duplicate {
				inserted++
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"inserted":        inserted,
			"unknown_sensors": unknown,
			"ingested_ts":     time.Now().UTC(),
		})
	}
}

// --- universal ---------------------------------------------------------

type dataPoint struct {
	StreamID  string         `json:"stream_id"`
	Value     float64        `json:"value"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Sequence  *int64         `json:"sequence,omitempty"`
}

type universalRequest struct {
	Domain     string      `json:"domain"`
	SourceID   string      `json:"source_id"`
	DataPoints []dataPoint `json:"data_points"`
}

func universalHandler(log zerolog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "ingest-universal")
		defer span.End()

		var req universalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "malformed json")
			return
		}
		if req.Domain == "iot" {
			writeErr(w, http.StatusBadRequest, "domain=iot must use /ingest/packets")
			return
		}

		info, ok := apiKeyInfoFrom(ctx)
		if ok {
			if err := d.Authorizer.Authorize(ctx, info, req.SourceID, req.Domain); err != nil {
				writeErr(w, http.StatusForbidden, err.Error())
				return
			}
		}

		accepted, rejected := 0, 0
		classifications := map[string]int{}

		for _, dp := range req.DataPoints {
			seriesID := types.SeriesID{Domain: req.Domain, Source: req.SourceID, Stream: dp.StreamID}
			o := types.Observation{
				SeriesID: seriesID,
				Value:    dp.Value,
				DeviceTS: resolveTimestamp(dp.Timestamp, nil),
				IngestTS: time.Now().UTC(),
				Sequence: dp.Sequence,
				Metadata: dp.Metadata,
			}
			if err := validateObservation(o); err != nil {
				rejected++
				continue
			}

			res := d.Pipeline.Ingest(ctx, o, pipeline.RateLimitKeys{IP: clientIP(r), Sensor: o.Key()})
			if res.Err != nil && !res.Duplicate {
				rejected++
				continue
			}
			accepted++
			classifications[string(res.Classification.Kind)]++
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"accepted":        accepted,
			"rejected":        rejected,
			"classifications": classifications,
		})
	}
}

// --- CSV bulk import ------------------------

// csvUploadHandler accepts a multipart file plus form fields identifying
// the target domain/source and hands it to csvimport.Runner.Submit, which
// reads the CSV on the request goroutine and ingests its rows in a
// background job.
func csvUploadHandler(log zerolog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !d.CSVEnabled || d.CSVRunner == nil {
			writeErr(w, http.StatusServiceUnavailable, "csv import disabled")
			return
		}

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeErr(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			writeErr(w, http.StatusBadRequest, "missing file field")
			return
		}
		defer file.Close()

		domain := r.FormValue("domain")
		sourceID := r.FormValue("source_id")

		jobID, err := d.CSVRunner.Submit(r.Context(), domain, sourceID, file)
		if err != nil {
			log.Error().Err(err).Msg("failed to create csv import job")
			writeErr(w, http.StatusInternalServerError, "failed to create job")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": string(jobstore.StatusRunning)})
	}
}

func csvJobStatusHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !d.CSVEnabled || d.JobStore == nil {
			writeErr(w, http.StatusServiceUnavailable, "csv import disabled")
			return
		}
		id := chi.URLParam(r, "id")
		job, err := d.JobStore.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, jobstore.ErrNoRows) {
				writeErr(w, http.StatusNotFound, "job not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// --- status / diagnostics ----------------------------------------------

func sensorStatusHandler(log zerolog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		report := d.Metrics.Report(id)
		writeJSON(w, http.StatusOK, report)
	}
}

func resilienceHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Pipeline.ResilienceStatus(r.Context()))
	}
}

func diagnosticsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sensorID := r.URL.Query().Get("sensor_id")
		if sensorID == "" {
			writeJSON(w, http.StatusOK, d.Metrics.GlobalReport())
			return
		}
		writeJSON(w, http.StatusOK, d.Metrics.Report(sensorID))
	}
}

// --- helpers -------------------------------------------------------

func buildObservation(seriesID types.SeriesID, value float64, ts *time.Time, remoteAddr string) (types.Observation, error) {
	o := types.Observation{
		SeriesID: seriesID,
		Value:    value,
		DeviceTS: resolveTimestamp(ts, nil),
		IngestTS: time.Now().UTC(),
	}
	if err := validateObservation(o); err != nil {
		return types.Observation{}, err
	}
	return o, nil
}

// validateObservation checks that the device timestamp, when present, is
// within [now-24h, now+5min]. The finite-value check lives in
// pipeline.Ingest, where it covers every transport.
func validateObservation(o types.Observation) error {
	if o.DeviceTS == nil {
		return nil
	}
	now := time.Now().UTC()
	ts := o.DeviceTS.UTC()
	if ts.Before(now.Add(-maxTimestampAge)) || ts.After(now.Add(maxTimestampSkewFuture)) {
		return fmt.Errorf("timestamp outside allowed window")
	}
	return nil
}

func resolveTimestamp(sensorTS, packetTS *time.Time) *time.Time {
	if sensorTS != nil {
		t := sensorTS.UTC()
		return &t
	}
	if packetTS != nil {
		t := packetTS.UTC()
		return &t
	}
	return nil
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
