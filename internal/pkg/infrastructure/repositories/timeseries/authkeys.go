package timeseries

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/authz"
)

// LookupDeviceKey implements authz.KeyStore.
func (s *Storage) LookupDeviceKey(ctx context.Context, hash string) (authz.DeviceKeyInfo, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, device_uuid, active, revoked, expires_at
		FROM device_api_keys WHERE key_hash = @hash
	`, pgx.NamedArgs{"hash": hash})

	var info authz.DeviceKeyInfo
	var expires *time.Time
	err := row.Scan(&info.KeyID, &info.DeviceUUID, &info.Active, &info.Revoked, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authz.DeviceKeyInfo{}, false, nil
		}
		return authz.DeviceKeyInfo{}, false, err
	}
	info.ExpiresAt = expires
	return info, true, nil
}

// LookupAPIKey implements authz.KeyStore.
func (s *Storage) LookupAPIKey(ctx context.Context, hash string) (authz.ApiKeyInfo, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, role, allowed_source_id, allowed_domains, revoked, expires_at
		FROM api_keys WHERE key_hash = @hash
	`, pgx.NamedArgs{"hash": hash})

	var info authz.ApiKeyInfo
	var role, domains string
	var expires *time.Time
	err := row.Scan(&info.KeyID, &role, &info.AllowedSourceID, &domains, &info.Revoked, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authz.ApiKeyInfo{}, false, nil
		}
		return authz.ApiKeyInfo{}, false, err
	}
	info.Role = authz.Role(role)
	info.ExpiresAt = expires
	if domains != "" {
		info.AllowedDomains = strings.Split(domains, ",")
	}
	return info, true, nil
}

// TouchDeviceKey implements authz.KeyStore; best-effort
func (s *Storage) TouchDeviceKey(ctx context.Context, keyID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE device_api_keys SET last_used_at = now() WHERE id = @id`, pgx.NamedArgs{"id": keyID})
	return err
}

// TouchDeviceLastSeen updates the device's last_seen_at, best-effort.
func (s *Storage) TouchDeviceLastSeen(ctx context.Context, deviceUUID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE devices SET last_seen_at = now() WHERE device_uuid = @uuid`, pgx.NamedArgs{"uuid": deviceUUID})
	return err
}

// ResolveSensor implements resolver.Store: maps (device_uuid, sensor_uuid)
// to the internal sensor_state id, enforcing that the sensor belongs to the
// device.
func (s *Storage) ResolveSensor(ctx context.Context, deviceUUID, sensorUUID string) (int64, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT ss.id FROM sensor_state ss
		JOIN device_sensor_map m ON m.stream_key = ss.stream_key
		WHERE m.device_uuid = @device_uuid AND m.sensor_uuid = @sensor_uuid
	`, pgx.NamedArgs{"device_uuid": deviceUUID, "sensor_uuid": sensorUUID})

	var id int64
	err := row.Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

// StreamKeyForLegacyID resolves the internal numeric sensor id back to its
// canonical stream_key, used by legacy IoT transports that only carry the
// integer identity.
func (s *Storage) StreamKeyForLegacyID(ctx context.Context, id int64) (string, error) {
	row := s.pool.QueryRow(ctx, `SELECT stream_key FROM sensor_state WHERE id = @id`, pgx.NamedArgs{"id": id})
	var key string
	if err := row.Scan(&key); err != nil {
		return "", err
	}
	return key, nil
}
