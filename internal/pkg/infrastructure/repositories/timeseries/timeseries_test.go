package timeseries

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/diwise/ingest-gateway/pkg/types"
)

func testSetup(t *testing.T) (context.Context, *Storage) {
	ctx := context.Background()

	cfg := NewConfig("localhost", "postgres", "password", "5432", "postgres", "disable")

	s, err := New(ctx, cfg)
	if err != nil {
		t.SkipNow()
	}

	if err := s.CreateTables(ctx); err != nil {
		t.SkipNow()
	}

	return ctx, s
}

func TestStateLifecycle(t *testing.T) {
	is := is.New(t)
	ctx, s := testSetup(t)

	streamKey := "iot:sensor:" + time.Now().Format(time.RFC3339Nano)

	rec, err := s.GetState(ctx, streamKey)
	is.NoErr(err)
	is.Equal(rec.OperationalState, types.StateInitializing)

	rows, err := s.TransitionState(ctx, streamKey, types.StateInitializing, types.StateNormal, false)
	is.NoErr(err)
	is.Equal(rows, int64(1))

	rec, err = s.GetState(ctx, streamKey)
	is.NoErr(err)
	is.Equal(rec.OperationalState, types.StateNormal)

	rows, err = s.TransitionState(ctx, streamKey, types.StateInitializing, types.StateAlert, false)
	is.NoErr(err)
	is.Equal(rows, int64(0))
}

func TestAlertUpsertIsSingleActiveRow(t *testing.T) {
	is := is.New(t)
	ctx, s := testSetup(t)

	streamKey := "iot:sensor:alert:" + time.Now().Format(time.RFC3339Nano)
	_, err := s.GetState(ctx, streamKey)
	is.NoErr(err)

	first, err := s.UpsertAlert(ctx, types.AlertRecord{
		StreamID: streamKey, Severity: types.SeverityCritical,
		TriggeredValue: 35, TriggeredAt: time.Now().UTC(),
	})
	is.NoErr(err)

	second, err := s.UpsertAlert(ctx, types.AlertRecord{
		StreamID: streamKey, Severity: types.SeverityCritical,
		TriggeredValue: 36, TriggeredAt: time.Now().UTC(),
	})
	is.NoErr(err)

	is.Equal(first.ID, second.ID)
	is.Equal(second.TriggeredValue, float64(36))
}

func TestThresholdSetRoundTrip(t *testing.T) {
	is := is.New(t)
	ctx, s := testSetup(t)

	streamKey := "iot:sensor:thresh:" + time.Now().Format(time.RFC3339Nano)
	_, err := s.GetState(ctx, streamKey)
	is.NoErr(err)

	abs := 2.0
	err = s.UpsertThresholdSet(ctx, streamKey, types.ThresholdSet{
		HasPhysicalRange: true, Min: 10, Max: 30,
		AbsDelta: &abs, Severity: types.SeverityWarning,
		ConsecutiveReadingsRequired: 2,
	})
	is.NoErr(err)

	ts, found, err := s.GetThresholdSet(ctx, streamKey)
	is.NoErr(err)
	is.True(found)
	is.Equal(ts.Min, float64(10))
	is.Equal(ts.Max, float64(30))
	is.Equal(*ts.AbsDelta, 2.0)
}
