package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"

	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/logging"
)

// Config holds the Postgres connection settings for the job store.
type Config struct {
	host     string
	user     string
	password string
	port     string
	dbname   string
	sslmode  string
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

func (c Config) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.user, c.password, c.host, c.port, c.dbname, c.sslmode)
}

// Status is the lifecycle of one bulk CSV import job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a single CSV bulk-import job's status record, stored as a JSONB
// document.
type Job struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Accepted  int       `json:"accepted"`
	Rejected  int       `json:"rejected"`
	Errors    []string  `json:"errors,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

var (
	ErrNoRows      = errors.New("no rows in result set")
	ErrStoreFailed = errors.New("could not store data")
)

// Store persists job documents in one table with a single JSONB column.
// Bulk CSV jobs are an operational concern with no multi-tenant surface,
// so there is no tenant scoping here.
type Store struct {
	pool *pgxpool.Pool
}

func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.ConnStr())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) CreateTables(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS csv_import_jobs (
			id         TEXT PRIMARY KEY,
			data       JSONB NOT NULL,
			created_on TIMESTAMPTZ NOT NULL DEFAULT now(),
			modified_on TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}

// NewJob creates and persists a fresh running job, returning its id.
func (s *Store) NewJob(ctx context.Context) (string, error) {
	id := uuid.NewString()
	job := Job{ID: id, Status: StatusRunning, StartedAt: time.Now().UTC()}
	if err := s.save(ctx, job); err != nil {
		return "", err
	}
	return id, nil
}

// Finish updates a job's terminal state and per-row counters.
func (s *Store) Finish(ctx context.Context, id string, accepted, rejected int, errs []string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	job.Accepted = accepted
	job.Rejected = rejected
	job.Errors = errs
	job.EndedAt = time.Now().UTC()
	job.Status = StatusCompleted
	if len(errs) > 0 && accepted == 0 {
		job.Status = StatusFailed
	}

	return s.save(ctx, job)
}

func (s *Store) save(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO csv_import_jobs (id, data) VALUES (@id, @data)
		ON CONFLICT (id) DO UPDATE SET data = @data, modified_on = now()
	`, pgx.NamedArgs{"id": job.ID, "data": string(data)})
	if err != nil {
		return ErrStoreFailed
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT data FROM csv_import_jobs WHERE id = @id`, pgx.NamedArgs{"id": id})

	var raw json.RawMessage
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNoRows
		}
		return Job{}, err
	}

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}
