package timeseries

import (
	"context"
	"errors"
	"fmt"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/logging"
)

// Config holds the connection parameters for the timeseries store, loaded
// from the usual DB_* environment variables.
type Config struct {
	host     string
	user     string
	password string
	port     string
	dbname   string
	sslmode  string
}

func (c Config) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.user, c.password, c.host, c.port, c.dbname, c.sslmode)
}

func NewConfig(host, user, password, port, dbname, sslmode string) Config {
	return Config{host: host, user: user, password: password, port: port, dbname: dbname, sslmode: sslmode}
}

func LoadConfiguration(ctx context.Context) Config {
	log := logging.GetLoggerFromContext(ctx)
	return Config{
		host:     env.GetVariableOrDefault(log, "DB_HOST", ""),
		user:     env.GetVariableOrDefault(log, "DB_USER", ""),
		password: env.GetVariableOrDefault(log, "DB_PASSWORD", ""),
		port:     env.GetVariableOrDefault(log, "DB_PORT", "5432"),
		dbname:   env.GetVariableOrDefault(log, "DB_NAME", "ingest"),
		sslmode:  env.GetVariableOrDefault(log, "DB_SSLMODE", "disable"),
	}
}

func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	p, err := pgxpool.New(ctx, cfg.ConnStr())
	if err != nil {
		return nil, err
	}
	if err := p.Ping(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

var (
	ErrNoRows      = errors.New("no rows in result set")
	ErrStoreFailed = errors.New("could not store data")
	ErrNoID        = errors.New("data contains no id")
)

// Storage is the single pgx-backed repository serving every persistence
// boundary the gateway needs: stream state, threshold configuration,
// readings, alerts, ml events and notifications. CreateTables also creates
// a dead_letters table, but Storage has no methods that read or write it.
type Storage struct {
	pool *pgxpool.Pool
}

func NewWithPool(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool}
}

// Ping backs GET /ready.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func New(ctx context.Context, cfg Config) (*Storage, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Storage{pool: pool}, nil
}

func (s *Storage) CreateTables(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sensor_readings (
			id         BIGSERIAL PRIMARY KEY,
			stream_key TEXT NOT NULL,
			value      DOUBLE PRECISION NOT NULL,
			ingest_ts  TIMESTAMPTZ NOT NULL,
			device_ts  TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS sensor_readings_stream_ts ON sensor_readings (stream_key, ingest_ts DESC);

		CREATE TABLE IF NOT EXISTS sensor_state (
			id                      BIGSERIAL PRIMARY KEY,
			stream_key              TEXT NOT NULL UNIQUE,
			domain                  TEXT NOT NULL,
			source                  TEXT NOT NULL,
			stream                  TEXT NOT NULL,
			device_id               TEXT NOT NULL DEFAULT '',
			sensor_type             TEXT NOT NULL DEFAULT '',
			operational_state       TEXT NOT NULL DEFAULT 'INITIALIZING',
			valid_readings_count    BIGINT NOT NULL DEFAULT 0,
			min_readings_for_normal BIGINT NOT NULL DEFAULT 5,
			state_changed_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS thresholds (
			stream_key                    TEXT PRIMARY KEY REFERENCES sensor_state(stream_key),
			has_physical_range            BOOLEAN NOT NULL DEFAULT FALSE,
			min_value                     DOUBLE PRECISION,
			max_value                     DOUBLE PRECISION,
			has_warning_band              BOOLEAN NOT NULL DEFAULT FALSE,
			warning_min                   DOUBLE PRECISION,
			warning_max                   DOUBLE PRECISION,
			abs_delta                     DOUBLE PRECISION,
			rel_delta                     DOUBLE PRECISION,
			abs_slope                     DOUBLE PRECISION,
			rel_slope                     DOUBLE PRECISION,
			severity                      TEXT NOT NULL DEFAULT 'warning',
			consecutive_readings_required INT NOT NULL DEFAULT 2
		);

		CREATE TABLE IF NOT EXISTS sensor_readings_latest (
			stream_key TEXT PRIMARY KEY REFERENCES sensor_state(stream_key),
			value      DOUBLE PRECISION NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id              BIGSERIAL PRIMARY KEY,
			stream_key      TEXT NOT NULL REFERENCES sensor_state(stream_key),
			device_id       TEXT NOT NULL DEFAULT '',
			threshold_id    TEXT NOT NULL DEFAULT '',
			severity        TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'active',
			triggered_value DOUBLE PRECISION NOT NULL,
			triggered_at    TIMESTAMPTZ NOT NULL,
			resolved_at     TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS alerts_one_active_per_stream
			ON alerts (stream_key) WHERE status = 'active';

		CREATE TABLE IF NOT EXISTS ml_events (
			id         BIGSERIAL PRIMARY KEY,
			stream_key TEXT NOT NULL REFERENCES sensor_state(stream_key),
			device_id  TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			event_code TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL,
			payload    JSONB
		);
		CREATE UNIQUE INDEX IF NOT EXISTS ml_events_one_active_per_stream
			ON ml_events (stream_key) WHERE status = 'active';

		CREATE TABLE IF NOT EXISTS notifications (
			id              BIGSERIAL PRIMARY KEY,
			source          TEXT NOT NULL,
			source_event_id TEXT NOT NULL,
			severity        TEXT NOT NULL,
			title           TEXT NOT NULL,
			message         TEXT NOT NULL,
			is_read         BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id          BIGSERIAL PRIMARY KEY,
			payload     TEXT NOT NULL,
			error       TEXT NOT NULL,
			error_type  TEXT NOT NULL DEFAULT '',
			source      TEXT NOT NULL DEFAULT '',
			msg_id      TEXT NOT NULL DEFAULT '',
			retry_count INT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS devices (
			device_uuid   TEXT PRIMARY KEY,
			last_seen_at  TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS device_api_keys (
			id          TEXT PRIMARY KEY,
			device_uuid TEXT NOT NULL REFERENCES devices(device_uuid),
			key_hash    TEXT NOT NULL UNIQUE,
			active      BOOLEAN NOT NULL DEFAULT TRUE,
			revoked     BOOLEAN NOT NULL DEFAULT FALSE,
			expires_at  TIMESTAMPTZ,
			last_used_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS api_keys (
			id                TEXT PRIMARY KEY,
			key_hash          TEXT NOT NULL UNIQUE,
			role              TEXT NOT NULL,
			allowed_source_id TEXT NOT NULL DEFAULT '',
			allowed_domains   TEXT NOT NULL DEFAULT '',
			revoked           BOOLEAN NOT NULL DEFAULT FALSE,
			expires_at        TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS device_sensor_map (
			device_uuid TEXT NOT NULL REFERENCES devices(device_uuid),
			sensor_uuid TEXT NOT NULL,
			stream_key  TEXT NOT NULL REFERENCES sensor_state(stream_key),
			PRIMARY KEY (device_uuid, sensor_uuid)
		);
	`)
	return err
}
