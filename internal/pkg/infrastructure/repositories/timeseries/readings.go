package timeseries

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/diwise/ingest-gateway/pkg/types"
)

// InsertReading appends one accepted observation to the append-only
// sensor_readings table.
func (s *Storage) InsertReading(ctx context.Context, streamKey string, value float64, deviceTS *time.Time, ingestTS time.Time) error {
	var dts pgtype.Timestamptz
	if deviceTS != nil {
		dts = pgtype.Timestamptz{Time: *deviceTS, Valid: true}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sensor_readings (stream_key, value, ingest_ts, device_ts)
		VALUES (@stream_key, @value, @ingest_ts, @device_ts)
	`, pgx.NamedArgs{"stream_key": streamKey, "value": value, "ingest_ts": ingestTS, "device_ts": dts})
	return err
}

// InsertMany implements batch.Writer: it queues one single-row INSERT per
// observation on a pgx.Batch and sends them in one round trip. It does not
// build a single multi-row INSERT statement.
func (s *Storage) InsertMany(ctx context.Context, observations []types.Observation) error {
	if len(observations) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, o := range observations {
		var dts pgtype.Timestamptz
		if o.DeviceTS != nil {
			dts = pgtype.Timestamptz{Time: *o.DeviceTS, Valid: true}
		}
		batch.Queue(`
			INSERT INTO sensor_readings (stream_key, value, ingest_ts, device_ts)
			VALUES (@stream_key, @value, @ingest_ts, @device_ts)
		`, pgx.NamedArgs{"stream_key": o.Key(), "value": o.Value, "ingest_ts": o.IngestTS, "device_ts": dts})
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range observations {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// FindRecentNotification implements the ALERT/WARNING pipelines' 5-minute
// unread dedup window on (source, source_event_id)
func (s *Storage) FindRecentNotification(ctx context.Context, source, sourceEventID string, within time.Duration) (bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT 1 FROM notifications
		WHERE source = @source AND source_event_id = @source_event_id
		  AND is_read = FALSE AND created_at >= @since
		LIMIT 1
	`, pgx.NamedArgs{"source": source, "source_event_id": sourceEventID, "since": time.Now().Add(-within)})

	var one int
	err := row.Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
