package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/diwise/ingest-gateway/internal/pkg/application/classifier"
	"github.com/diwise/ingest-gateway/internal/pkg/application/metrics"
	"github.com/diwise/ingest-gateway/internal/pkg/application/pipeline"
	"github.com/diwise/ingest-gateway/internal/pkg/application/resolver"
	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/authz"
	"github.com/diwise/ingest-gateway/pkg/types"
)

const testAPIKey = "http-test-key"
const testDeviceKey = "device-test-key"
const testDeviceUUID = "dev-0001"

type fakeKeyStore struct{}

func (fakeKeyStore) LookupAPIKey(_ context.Context, hash string) (authz.ApiKeyInfo, bool, error) {
	if hash != authz.HashKey(testAPIKey) {
		return authz.ApiKeyInfo{}, false, nil
	}
	return authz.ApiKeyInfo{KeyID: "k1", Role: authz.RoleAdmin}, true, nil
}

func (fakeKeyStore) LookupDeviceKey(_ context.Context, hash string) (authz.DeviceKeyInfo, bool, error) {
	if hash != authz.HashKey(testDeviceKey) {
		return authz.DeviceKeyInfo{}, false, nil
	}
	return authz.DeviceKeyInfo{KeyID: "d1", DeviceUUID: testDeviceUUID, Active: true}, true, nil
}

func (fakeKeyStore) TouchDeviceKey(context.Context, string) error { return nil }

type fakeResolverStore struct{}

func (fakeResolverStore) ResolveSensor(_ context.Context, deviceUUID, sensorUUID string) (int64, bool, error) {
	if deviceUUID != testDeviceUUID {
		return 0, false, nil
	}
	switch sensorUUID {
	case "s-1":
		return 1, true, nil
	case "s-2":
		return 2, true, nil
	}
	return 0, false, nil
}

type fakeStateRepo struct{}

func (fakeStateRepo) GetState(context.Context, string) (types.SensorRecord, error) {
	return types.SensorRecord{OperationalState: types.StateNormal, MinReadingsForNormal: 1}, nil
}
func (fakeStateRepo) IncrementValidReadings(context.Context, string) (types.SensorRecord, error) {
	return types.SensorRecord{OperationalState: types.StateNormal, MinReadingsForNormal: 1, ValidReadingsCount: 1}, nil
}
func (fakeStateRepo) TransitionState(context.Context, string, types.OperationalState, types.OperationalState, bool) (int64, error) {
	return 1, nil
}

type fakeConfigRepo struct{}

func (fakeConfigRepo) GetThresholdSet(context.Context, string) (types.ThresholdSet, bool, error) {
	return types.ThresholdSet{}, false, nil
}
func (fakeConfigRepo) GetLastReading(context.Context, string) (types.LastReading, bool, error) {
	return types.LastReading{}, false, nil
}
func (fakeConfigRepo) GetSensorType(context.Context, string) (string, error) { return "", nil }

type fakeStore struct{}

func (fakeStore) InsertReading(context.Context, string, float64, *time.Time, time.Time) error {
	return nil
}
func (fakeStore) UpsertAlert(_ context.Context, a types.AlertRecord) (types.AlertRecord, error) {
	return a, nil
}
func (fakeStore) UpsertMLEvent(_ context.Context, e types.MLEvent) (types.MLEvent, error) {
	return e, nil
}
func (fakeStore) InsertNotification(context.Context, types.Notification) error { return nil }
func (fakeStore) FindRecentNotification(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}
func (fakeStore) UpsertLastReading(context.Context, string, types.LastReading) error { return nil }
func (fakeStore) GetLastReading(context.Context, string) (types.LastReading, bool, error) {
	return types.LastReading{}, false, nil
}
func (fakeStore) GetState(context.Context, string) (types.SensorRecord, error) {
	return types.SensorRecord{OperationalState: types.StateNormal}, nil
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return fmt.Errorf("connection refused") }

func newTestRouter(pinger Pinger) *chi.Mux {
	cls := classifier.New(classifier.NewSensorStateManager(fakeStateRepo{}), fakeConfigRepo{})
	pipe := pipeline.New(fakeStore{}, cls)

	return RegisterHandlers(zerolog.Nop(), chi.NewRouter(), Deps{
		Pipeline: pipe,
		Auth:     authz.NewAuthenticator(fakeKeyStore{}),
		Resolver: resolver.New(fakeResolverStore{}),
		Metrics:  metrics.NewRegistry(nil),
		Pinger:   pinger,
	})
}

func TestHealth(t *testing.T) {
	is := is.New(t)
	r := newTestRouter(okPinger{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	is.Equal(w.Code, http.StatusOK)
}

func TestReadyReportsStoreOutage(t *testing.T) {
	is := is.New(t)
	r := newTestRouter(downPinger{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	is.Equal(w.Code, http.StatusServiceUnavailable)
}

func TestIngestRequiresAPIKey(t *testing.T) {
	is := is.New(t)
	r := newTestRouter(okPinger{})

	body := bytes.NewBufferString(`{"sensor_id":"water:plant-1:pressure","value":1.5}`)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ingest/readings", body))

	is.Equal(w.Code, http.StatusUnauthorized)
}

func TestIngestReading(t *testing.T) {
	is := is.New(t)
	r := newTestRouter(okPinger{})

	body := bytes.NewBufferString(`{"sensor_id":"water:plant-1:pressure","value":1.5}`)
	req := httptest.NewRequest(http.MethodPost, "/ingest/readings", body)
	req.Header.Set("X-API-Key", testAPIKey)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	is.Equal(w.Code, http.StatusOK)

	var resp map[string]int
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &resp))
	is.Equal(resp["inserted"], 1)
}

func TestPacketsReportsUnknownSensors(t *testing.T) {
	is := is.New(t)
	r := newTestRouter(okPinger{})

	packet := map[string]any{
		"device_uuid": testDeviceUUID,
		"readings": []map[string]any{
			{"sensor_uuid": "s-1", "value": 1.0},
			{"sensor_uuid": "s-2", "value": 2.0},
			{"sensor_uuid": "s-unknown", "value": 3.0},
		},
	}
	buf, _ := json.Marshal(packet)

	req := httptest.NewRequest(http.MethodPost, "/ingest/packets", bytes.NewReader(buf))
	req.Header.Set("X-Device-Key", testDeviceKey)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	is.Equal(w.Code, http.StatusOK)

	var resp struct {
		Inserted       int      `json:"inserted"`
		UnknownSensors []string `json:"unknown_sensors"`
	}
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &resp))
	is.Equal(resp.Inserted, 2)
	is.Equal(resp.UnknownSensors, []string{"s-unknown"})
}

func TestPacketsRejectsWrongDeviceKey(t *testing.T) {
	is := is.New(t)
	r := newTestRouter(okPinger{})

	packet := map[string]any{
		"device_uuid": "some-other-device",
		"readings":    []map[string]any{{"sensor_uuid": "s-1", "value": 1.0}},
	}
	buf, _ := json.Marshal(packet)

	req := httptest.NewRequest(http.MethodPost, "/ingest/packets", bytes.NewReader(buf))
	req.Header.Set("X-Device-Key", testDeviceKey)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	is.Equal(w.Code, http.StatusUnauthorized)
}

func TestUniversalRejectsIoTDomain(t *testing.T) {
	is := is.New(t)
	r := newTestRouter(okPinger{})

	body := bytes.NewBufferString(`{"domain":"iot","source_id":"x","data_points":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/ingest/data", body)
	req.Header.Set("X-API-Key", testAPIKey)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	is.Equal(w.Code, http.StatusBadRequest)
}

func TestUniversalClassifiesDataPoints(t *testing.T) {
	is := is.New(t)
	r := newTestRouter(okPinger{})

	body := bytes.NewBufferString(`{
		"domain": "water",
		"source_id": "plant-1",
		"data_points": [
			{"stream_id": "pressure", "value": 1.0},
			{"stream_id": "temp", "value": 20.5}
		]
	}`)
	req := httptest.NewRequest(http.MethodPost, "/ingest/data", body)
	req.Header.Set("X-API-Key", testAPIKey)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	is.Equal(w.Code, http.StatusOK)

	var resp struct {
		Accepted        int            `json:"accepted"`
		Rejected        int            `json:"rejected"`
		Classifications map[string]int `json:"classifications"`
	}
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &resp))
	is.Equal(resp.Accepted, 2)
	is.Equal(resp.Rejected, 0)
	is.Equal(resp.Classifications["ML_PREDICTION"], 2)
}

func TestResilienceDiagnostics(t *testing.T) {
	is := is.New(t)
	r := newTestRouter(okPinger{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ingestion/resilience", nil))

	is.Equal(w.Code, http.StatusOK)

	var status struct {
		BreakerState string `json:"breaker_state"`
	}
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &status))
	is.Equal(status.BreakerState, "CLOSED")
}

func TestCSVDisabledReturns503(t *testing.T) {
	is := is.New(t)
	r := newTestRouter(okPinger{})

	req := httptest.NewRequest(http.MethodPost, "/ingest/csv", nil)
	req.Header.Set("X-API-Key", testAPIKey)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	is.Equal(w.Code, http.StatusServiceUnavailable)
}
