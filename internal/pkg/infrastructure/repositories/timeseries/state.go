package timeseries

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/diwise/ingest-gateway/pkg/types"
)

// GetState implements classifier.StateRepository, fetching or lazily
// creating the sensor_state row for streamKey — a fresh stream starts
// INITIALIZING.
func (s *Storage) GetState(ctx context.Context, streamKey string) (types.SensorRecord, error) {
	rec, err := s.selectState(ctx, streamKey)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return types.SensorRecord{}, err
	}

	seriesID, parseErr := types.ParseSeriesID(streamKey)
	domain, source, stream := "", "", streamKey
	if parseErr == nil {
		domain, source, stream = seriesID.Domain, seriesID.Source, seriesID.Stream
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sensor_state (stream_key, domain, source, stream)
		VALUES (@stream_key, @domain, @source, @stream)
		ON CONFLICT (stream_key) DO NOTHING
	`, pgx.NamedArgs{"stream_key": streamKey, "domain": domain, "source": source, "stream": stream})
	if err != nil {
		return types.SensorRecord{}, err
	}

	return s.selectState(ctx, streamKey)
}

func (s *Storage) selectState(ctx context.Context, streamKey string) (types.SensorRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, stream_key, domain, source, stream, device_id, sensor_type,
		       operational_state, valid_readings_count, min_readings_for_normal, state_changed_at
		FROM sensor_state
		WHERE stream_key = @stream_key
	`, pgx.NamedArgs{"stream_key": streamKey})

	var rec types.SensorRecord
	var state string
	err := row.Scan(&rec.ID, &rec.StreamUUID, &rec.Domain, &rec.Source, &rec.Stream, &rec.DeviceID,
		&rec.SensorType, &state, &rec.ValidReadingsCount, &rec.MinReadingsForNormal, &rec.StateChangedAt)
	if err != nil {
		return types.SensorRecord{}, err
	}
	rec.OperationalState = types.OperationalState(state)
	return rec, nil
}

// IncrementValidReadings implements classifier.StateRepository. When the
// stream is INITIALIZING and the increment reaches min_readings_for_normal,
// the same statement flips it to NORMAL — matching the original's
// single-transaction warm-up completion.
func (s *Storage) IncrementValidReadings(ctx context.Context, streamKey string) (types.SensorRecord, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE sensor_state
		SET valid_readings_count = valid_readings_count + 1,
		    operational_state = CASE
		        WHEN operational_state = 'INITIALIZING' AND valid_readings_count + 1 >= min_readings_for_normal
		        THEN 'NORMAL'
		        ELSE operational_state
		    END,
		    state_changed_at = CASE
		        WHEN operational_state = 'INITIALIZING' AND valid_readings_count + 1 >= min_readings_for_normal
		        THEN now()
		        ELSE state_changed_at
		    END
		WHERE stream_key = @stream_key
	`, pgx.NamedArgs{"stream_key": streamKey})
	if err != nil {
		return types.SensorRecord{}, err
	}
	return s.selectState(ctx, streamKey)
}

// TransitionState implements classifier.StateRepository with optimistic
// locking: the UPDATE only applies while the row's current state still
// matches expected, so a concurrent transition loses the race cleanly.
func (s *Storage) TransitionState(ctx context.Context, streamKey string, expected, next types.OperationalState, resetValidCount bool) (int64, error) {
	var tag pgconn.CommandTag
	var err error
	if resetValidCount {
		tag, err = s.pool.Exec(ctx, `
			UPDATE sensor_state
			SET operational_state = @next, valid_readings_count = 0, state_changed_at = now()
			WHERE stream_key = @stream_key AND operational_state = @expected
		`, pgx.NamedArgs{"stream_key": streamKey, "expected": string(expected), "next": string(next)})
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE sensor_state
			SET operational_state = @next, state_changed_at = now()
			WHERE stream_key = @stream_key AND operational_state = @expected
		`, pgx.NamedArgs{"stream_key": streamKey, "expected": string(expected), "next": string(next)})
	}
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MarkStale transitions every sensor_state row whose state_changed_at is
// older than the given threshold, and whose state can still go stale, to
// STALE. Used by the watchdog sweep.
func (s *Storage) MarkStale(ctx context.Context, olderThanSeconds int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sensor_state
		SET operational_state = 'STALE', state_changed_at = now()
		WHERE operational_state IN ('NORMAL', 'WARNING', 'ALERT', 'INITIALIZING')
		  AND state_changed_at < now() - make_interval(secs => @seconds)
	`, pgx.NamedArgs{"seconds": olderThanSeconds})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
