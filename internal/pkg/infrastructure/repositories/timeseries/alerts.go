package timeseries

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/diwise/ingest-gateway/pkg/types"
)

// UpsertAlert implements the single-active-alert-per-stream rule: a fresh
// ALERT on a stream with no active row inserts one; a repeated ALERT on a
// stream that already has an active row updates it in place rather than
// accumulating duplicates.
func (s *Storage) UpsertAlert(ctx context.Context, a types.AlertRecord) (types.AlertRecord, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO alerts (stream_key, device_id, threshold_id, severity, status, triggered_value, triggered_at)
		VALUES (@stream_key, @device_id, @threshold_id, @severity, 'active', @triggered_value, @triggered_at)
		ON CONFLICT (stream_key) WHERE status = 'active'
		DO UPDATE SET triggered_value = @triggered_value, triggered_at = @triggered_at
		RETURNING id, stream_key, device_id, threshold_id, severity, status, triggered_value, triggered_at, resolved_at
	`, pgx.NamedArgs{
		"stream_key":      a.StreamID,
		"device_id":       a.DeviceID,
		"threshold_id":    a.ThresholdID,
		"severity":        string(a.Severity),
		"triggered_value": a.TriggeredValue,
		"triggered_at":    a.TriggeredAt,
	})

	var out types.AlertRecord
	var severity string
	err := row.Scan(&out.ID, &out.StreamID, &out.DeviceID, &out.ThresholdID, &severity, &out.Status,
		&out.TriggeredValue, &out.TriggeredAt, &out.ResolvedAt)
	if err != nil {
		return types.AlertRecord{}, err
	}
	out.Severity = types.DeltaSeverity(severity)
	return out, nil
}

// ResolveAlert marks the active alert for streamKey resolved, called when a
// stream transitions out of ALERT.
func (s *Storage) ResolveAlert(ctx context.Context, streamKey string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE alerts SET status = 'resolved', resolved_at = now()
		WHERE stream_key = @stream_key AND status = 'active'
	`, pgx.NamedArgs{"stream_key": streamKey})
	return err
}

// UpsertMLEvent applies the same single-active-row rule as UpsertAlert, for
// the WARNING pipeline's DELTA_SPIKE events.
func (s *Storage) UpsertMLEvent(ctx context.Context, e types.MLEvent) (types.MLEvent, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return types.MLEvent{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO ml_events (stream_key, device_id, event_type, event_code, status, created_at, payload)
		VALUES (@stream_key, @device_id, @event_type, @event_code, 'active', @created_at, @payload)
		ON CONFLICT (stream_key) WHERE status = 'active'
		DO UPDATE SET event_type = @event_type, event_code = @event_code, created_at = @created_at, payload = @payload
		RETURNING id, stream_key, device_id, event_type, event_code, status, created_at, payload
	`, pgx.NamedArgs{
		"stream_key": e.StreamID,
		"device_id":  e.DeviceID,
		"event_type": e.EventType,
		"event_code": e.EventCode,
		"created_at": e.CreatedAt,
		"payload":    payload,
	})

	var out types.MLEvent
	var rawPayload []byte
	err = row.Scan(&out.ID, &out.StreamID, &out.DeviceID, &out.EventType, &out.EventCode, &out.Status,
		&out.CreatedAt, &rawPayload)
	if err != nil {
		return types.MLEvent{}, err
	}
	if len(rawPayload) > 0 {
		_ = json.Unmarshal(rawPayload, &out.Payload)
	}
	return out, nil
}

// InsertNotification implements the WARNING/ALERT pipelines' notification
// fan-out.
func (s *Storage) InsertNotification(ctx context.Context, n types.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (source, source_event_id, severity, title, message, is_read, created_at)
		VALUES (@source, @source_event_id, @severity, @title, @message, FALSE, @created_at)
	`, pgx.NamedArgs{
		"source":          n.Source,
		"source_event_id": n.SourceEventID,
		"severity":        string(n.Severity),
		"title":           n.Title,
		"message":         n.Message,
		"created_at":      n.CreatedAt,
	})
	return err
}
