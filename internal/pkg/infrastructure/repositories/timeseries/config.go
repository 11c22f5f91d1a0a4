package timeseries

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/diwise/ingest-gateway/pkg/types"
)

// GetThresholdSet implements classifier.ConfigRepository.
func (s *Storage) GetThresholdSet(ctx context.Context, streamKey string) (types.ThresholdSet, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT has_physical_range, min_value, max_value,
		       has_warning_band, warning_min, warning_max,
		       abs_delta, rel_delta, abs_slope, rel_slope,
		       severity, consecutive_readings_required
		FROM thresholds
		WHERE stream_key = @stream_key
	`, pgx.NamedArgs{"stream_key": streamKey})

	var ts types.ThresholdSet
	var minValue, maxValue, warningMin, warningMax pgtype.Float8
	var severity string

	err := row.Scan(&ts.HasPhysicalRange, &minValue, &maxValue,
		&ts.HasWarningBand, &warningMin, &warningMax,
		&ts.AbsDelta, &ts.RelDelta, &ts.AbsSlope, &ts.RelSlope,
		&severity, &ts.ConsecutiveReadingsRequired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.ThresholdSet{}, false, nil
		}
		return types.ThresholdSet{}, false, err
	}

	if minValue.Valid {
		ts.Min = minValue.Float64
	}
	if maxValue.Valid {
		ts.Max = maxValue.Float64
	}
	if warningMin.Valid {
		ts.WarningMin = warningMin.Float64
	}
	if warningMax.Valid {
		ts.WarningMax = warningMax.Float64
	}
	ts.Severity = types.DeltaSeverity(severity)

	return ts, true, nil
}

// GetLastReading implements classifier.ConfigRepository.
func (s *Storage) GetLastReading(ctx context.Context, streamKey string) (types.LastReading, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT value, observed_at FROM sensor_readings_latest WHERE stream_key = @stream_key
	`, pgx.NamedArgs{"stream_key": streamKey})

	var lr types.LastReading
	err := row.Scan(&lr.Value, &lr.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.LastReading{}, false, nil
		}
		return types.LastReading{}, false, err
	}
	return lr, true, nil
}

// GetSensorType implements classifier.ConfigRepository.
func (s *Storage) GetSensorType(ctx context.Context, streamKey string) (string, error) {
	row := s.pool.QueryRow(ctx, `SELECT sensor_type FROM sensor_state WHERE stream_key = @stream_key`,
		pgx.NamedArgs{"stream_key": streamKey})
	var sensorType string
	if err := row.Scan(&sensorType); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return sensorType, nil
}

// UpsertLastReading persists the newest accepted value for streamKey. It
// does not touch the classifier's in-process cache; the classifier updates
// that itself during Classify
// (internal/pkg/application/classifier.thresholdCache.SetLastReading), and
// this is the durable half of the value.
func (s *Storage) UpsertLastReading(ctx context.Context, streamKey string, r types.LastReading) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sensor_readings_latest (stream_key, value, observed_at)
		VALUES (@stream_key, @value, @observed_at)
		ON CONFLICT (stream_key) DO UPDATE SET value = @value, observed_at = @observed_at
	`, pgx.NamedArgs{"stream_key": streamKey, "value": r.Value, "observed_at": r.Timestamp})
	return err
}

// UpsertThresholdSet implements the admin-side write path; any caller of
// this must also invalidate the classifier's thresholdCache entry for
// streamKey (see classifier.Classifier.InvalidateThresholds).
func (s *Storage) UpsertThresholdSet(ctx context.Context, streamKey string, ts types.ThresholdSet) error {
	args := pgx.NamedArgs{
		"stream_key":           streamKey,
		"has_physical_range":   ts.HasPhysicalRange,
		"min_value":            nullableIfZero(ts.HasPhysicalRange, ts.Min),
		"max_value":            nullableIfZero(ts.HasPhysicalRange, ts.Max),
		"has_warning_band":     ts.HasWarningBand,
		"warning_min":          nullableIfZero(ts.HasWarningBand, ts.WarningMin),
		"warning_max":          nullableIfZero(ts.HasWarningBand, ts.WarningMax),
		"abs_delta":            ts.AbsDelta,
		"rel_delta":            ts.RelDelta,
		"abs_slope":            ts.AbsSlope,
		"rel_slope":            ts.RelSlope,
		"severity":             string(ts.Severity),
		"consecutive_required": ts.ConsecutiveReadingsRequired,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO thresholds (
			stream_key, has_physical_range, min_value, max_value,
			has_warning_band, warning_min, warning_max,
			abs_delta, rel_delta, abs_slope, rel_slope,
			severity, consecutive_readings_required
		) VALUES (
			@stream_key, @has_physical_range, @min_value, @max_value,
			@has_warning_band, @warning_min, @warning_max,
			@abs_delta, @rel_delta, @abs_slope, @rel_slope,
			@severity, @consecutive_required
		)
		ON CONFLICT (stream_key) DO UPDATE SET
			has_physical_range = @has_physical_range, min_value = @min_value, max_value = @max_value,
			has_warning_band = @has_warning_band, warning_min = @warning_min, warning_max = @warning_max,
			abs_delta = @abs_delta, rel_delta = @rel_delta, abs_slope = @abs_slope, rel_slope = @rel_slope,
			severity = @severity, consecutive_readings_required = @consecutive_required
	`, args)
	return err
}

func nullableIfZero(has bool, v float64) *float64 {
	if !has {
		return nil
	}
	return &v
}
