package classifier

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/diwise/ingest-gateway/pkg/types"
)

// fakeStateRepo is a tiny in-memory StateRepository used to exercise the
// classifier without a database; the fakes carry real transition logic
// used for simple collaborators.
type fakeStateRepo struct {
	mu      sync.Mutex
	records map[string]types.SensorRecord
}

func newFakeStateRepo() *fakeStateRepo {
	return &fakeStateRepo{records: make(map[string]types.SensorRecord)}
}

func (f *fakeStateRepo) seed(streamKey string, rec types.SensorRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[streamKey] = rec
}

func (f *fakeStateRepo) GetState(ctx context.Context, streamKey string) (types.SensorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[streamKey]
	if !ok {
		return types.SensorRecord{OperationalState: types.StateUnknown}, nil
	}
	return rec, nil
}

func (f *fakeStateRepo) IncrementValidReadings(ctx context.Context, streamKey string) (types.SensorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[streamKey]
	rec.ValidReadingsCount++
	if rec.OperationalState == types.StateInitializing && rec.ValidReadingsCount >= rec.MinReadingsForNormal {
		rec.OperationalState = types.StateNormal
	}
	f.records[streamKey] = rec
	return rec, nil
}

func (f *fakeStateRepo) TransitionState(ctx context.Context, streamKey string, expected, next types.OperationalState, resetValidCount bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[streamKey]
	if rec.OperationalState != expected {
		return 0, nil
	}
	rec.OperationalState = next
	if resetValidCount {
		rec.ValidReadingsCount = 0
	}
	f.records[streamKey] = rec
	return 1, nil
}

// fakeConfigRepo is a tiny in-memory ConfigRepository.
type fakeConfigRepo struct {
	mu          sync.Mutex
	thresholds  map[string]types.ThresholdSet
	lastReading map[string]types.LastReading
	sensorType  map[string]string
}

func newFakeConfigRepo() *fakeConfigRepo {
	return &fakeConfigRepo{
		thresholds:  make(map[string]types.ThresholdSet),
		lastReading: make(map[string]types.LastReading),
		sensorType:  make(map[string]string),
	}
}

func (f *fakeConfigRepo) GetThresholdSet(ctx context.Context, streamKey string) (types.ThresholdSet, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.thresholds[streamKey]
	return ts, ok, nil
}

func (f *fakeConfigRepo) GetLastReading(ctx context.Context, streamKey string) (types.LastReading, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lr, ok := f.lastReading[streamKey]
	return lr, ok, nil
}

func (f *fakeConfigRepo) GetSensorType(ctx context.Context, streamKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sensorType[streamKey], nil
}

func floatp(v float64) *float64 { return &v }

func TestClassify_S1_NoThresholds_NormalReading(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	streamKey := "iot:sensor:42"

	states := newFakeStateRepo()
	states.seed(streamKey, types.SensorRecord{OperationalState: types.StateNormal})

	config := newFakeConfigRepo()
	config.thresholds[streamKey] = types.ThresholdSet{
		HasPhysicalRange: true, Min: 10, Max: 30,
	}

	c := New(NewSensorStateManager(states), config)

	t0 := time.Now().UTC()
	result, err := c.Classify(ctx, streamKey, 15, t0)
	is.NoErr(err)
	is.Equal(result.Kind, types.ClassificationPrediction)
}

func TestClassify_S2_ConsecutiveAlertThenUpdate(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	streamKey := "iot:sensor:42"

	states := newFakeStateRepo()
	states.seed(streamKey, types.SensorRecord{OperationalState: types.StateNormal})

	config := newFakeConfigRepo()
	config.thresholds[streamKey] = types.ThresholdSet{
		HasPhysicalRange: true, Min: 10, Max: 30, ConsecutiveReadingsRequired: 2,
	}

	c := New(NewSensorStateManager(states), config)

	t0 := time.Now().UTC()

	first, err := c.Classify(ctx, streamKey, 35, t0)
	is.NoErr(err)
	is.Equal(first.Kind, types.ClassificationPrediction)
	is.Equal(first.Reason, "pending hysteresis")

	second, err := c.Classify(ctx, streamKey, 35, t0.Add(time.Second))
	is.NoErr(err)
	is.Equal(second.Kind, types.ClassificationAlert)
	is.Equal(second.ThresholdViolated, "max")

	rec, err := states.GetState(ctx, streamKey)
	is.NoErr(err)
	is.Equal(rec.OperationalState, types.StateAlert)

	third, err := c.Classify(ctx, streamKey, 36, t0.Add(2*time.Second))
	is.NoErr(err)
	is.Equal(third.Kind, types.ClassificationAlert)
}

func TestClassify_S3_WarningBandShortCircuitsDelta(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	streamKey := "iot:sensor:7"

	states := newFakeStateRepo()
	states.seed(streamKey, types.SensorRecord{OperationalState: types.StateNormal})

	config := newFakeConfigRepo()
	t0 := time.Now().UTC()
	config.thresholds[streamKey] = types.ThresholdSet{
		HasWarningBand: true, WarningMin: 10, WarningMax: 30,
		AbsDelta: floatp(2),
	}
	config.lastReading[streamKey] = types.LastReading{Value: 20, Timestamp: t0.Add(-5 * time.Second)}
	config.sensorType[streamKey] = "temperature"

	c := New(NewSensorStateManager(states), config)

	result, err := c.Classify(ctx, streamKey, 22, t0)
	is.NoErr(err)
	is.Equal(result.Kind, types.ClassificationPrediction)
	is.Equal(result.Reason, "inside warning band; delta not applicable")
}

func TestClassify_S4_WarmUpBlocksAlert(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	streamKey := "iot:sensor:99"

	states := newFakeStateRepo()
	states.seed(streamKey, types.SensorRecord{
		OperationalState:     types.StateInitializing,
		MinReadingsForNormal: 10,
	})

	config := newFakeConfigRepo()
	config.thresholds[streamKey] = types.ThresholdSet{
		HasPhysicalRange: true, Min: 0, Max: 100,
	}

	c := New(NewSensorStateManager(states), config)

	result, err := c.Classify(ctx, streamKey, 1000, time.Now().UTC())
	is.NoErr(err)
	is.Equal(result.Kind, types.ClassificationPrediction)

	rec, err := states.GetState(ctx, streamKey)
	is.NoErr(err)
	is.True(rec.OperationalState != types.StateAlert)
}

func TestClassify_DeltaSpikeWarningThenCooldown(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	streamKey := "iot:sensor:5"

	states := newFakeStateRepo()
	states.seed(streamKey, types.SensorRecord{OperationalState: types.StateNormal})

	config := newFakeConfigRepo()
	t0 := time.Now().UTC()
	config.thresholds[streamKey] = types.ThresholdSet{AbsDelta: floatp(2)}
	config.lastReading[streamKey] = types.LastReading{Value: 20, Timestamp: t0.Add(-2 * time.Second)}
	config.sensorType[streamKey] = "temperature"

	c := New(NewSensorStateManager(states), config)

	warn, err := c.Classify(ctx, streamKey, 30, t0)
	is.NoErr(err)
	is.Equal(warn.Kind, types.ClassificationWarning)

	rec, err := states.GetState(ctx, streamKey)
	is.NoErr(err)
	is.Equal(rec.OperationalState, types.StateWarning)

	again, err := c.Classify(ctx, streamKey, 40, t0.Add(time.Second))
	is.NoErr(err)
	is.Equal(again.Kind, types.ClassificationPrediction)
	is.Equal(again.Reason, "delta spike in cooldown")
}

func TestClassify_InvalidValueShortCircuits(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	streamKey := "iot:sensor:1"

	states := newFakeStateRepo()
	config := newFakeConfigRepo()
	c := New(NewSensorStateManager(states), config)

	result, err := c.Classify(ctx, streamKey, math.NaN(), time.Now().UTC())
	is.NoErr(err)
	is.Equal(result.Kind, types.ClassificationPrediction)
	is.Equal(result.Reason, "invalid")
}
