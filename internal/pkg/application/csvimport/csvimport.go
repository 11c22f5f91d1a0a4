// Package csvimport runs the background bulk-CSV ingestion job the HTTP
// transport enqueues for POST /ingest/csv. Each row is validated and
// routed through the same pipeline.Pipeline every other transport uses;
// a bulk row is not special, just un-batched at the wire level.
package csvimport

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/diwise/ingest-gateway/internal/pkg/application/pipeline"
	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/repositories/jobstore"
	"github.com/diwise/ingest-gateway/pkg/types"
)

// JobStore is the persistence boundary csvimport writes job lifecycle to.
type JobStore interface {
	NewJob(ctx context.Context) (string, error)
	Finish(ctx context.Context, id string, accepted, rejected int, errs []string) error
}

// Runner parses an uploaded CSV file in the background and reports
// progress through JobStore.
type Runner struct {
	jobs     JobStore
	pipeline *pipeline.Pipeline
}

func New(jobs JobStore, p *pipeline.Pipeline) *Runner {
	return &Runner{jobs: jobs, pipeline: p}
}

// Submit creates a job record, reads the CSV records of file, and starts
// ingesting them in the background, returning the job id without waiting
// for ingestion; POST /ingest/csv responds with {job_id, status}. A file
// that is not valid CSV finishes the job at once with an error.
//
// Expected columns: stream_id,value,timestamp (timestamp optional, RFC3339).
func (r *Runner) Submit(ctx context.Context, domain, sourceID string, file io.Reader) (string, error) {
	id, err := r.jobs.NewJob(ctx)
	if err != nil {
		return "", fmt.Errorf("create csv import job: %w", err)
	}

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		_ = r.jobs.Finish(context.Background(), id, 0, 0, []string{fmt.Sprintf("malformed csv: %s", err)})
		return id, nil
	}

	go r.run(id, domain, sourceID, rows)
	return id, nil
}

func (r *Runner) run(jobID, domain, sourceID string, rows [][]string) {
	ctx := context.Background()
	accepted, rejected := 0, 0
	var errs []string

	for i, row := range rows {
		if i == 0 && looksLikeHeader(row) {
			continue
		}
		o, err := parseRow(domain, sourceID, row)
		if err != nil {
			rejected++
			errs = append(errs, fmt.Sprintf("row %d: %s", i+1, err))
			continue
		}

		res := r.pipeline.Ingest(ctx, o, pipeline.RateLimitKeys{Sensor: o.Key()})
		if res.Err != nil && !res.Duplicate {
			rejected++
			errs = append(errs, fmt.Sprintf("row %d: %s", i+1, res.Err))
			continue
		}
		accepted++
	}

	if err := r.jobs.Finish(ctx, jobID, accepted, rejected, errs); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to record csv import job completion")
	}
}

func looksLikeHeader(row []string) bool {
	if len(row) < 2 {
		return false
	}
	_, err := strconv.ParseFloat(row[1], 64)
	return err != nil
}

func parseRow(domain, sourceID string, row []string) (types.Observation, error) {
	if len(row) < 2 {
		return types.Observation{}, fmt.Errorf("expected at least stream_id,value")
	}

	value, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return types.Observation{}, fmt.Errorf("invalid value %q", row[1])
	}

	ts := time.Now().UTC()
	var deviceTS *time.Time
	if len(row) > 2 && row[2] != "" {
		parsed, err := time.Parse(time.RFC3339, row[2])
		if err != nil {
			return types.Observation{}, fmt.Errorf("invalid timestamp %q", row[2])
		}
		utc := parsed.UTC()
		now := time.Now().UTC()
		if utc.Before(now.Add(-24*time.Hour)) || utc.After(now.Add(5*time.Minute)) {
			return types.Observation{}, fmt.Errorf("timestamp outside allowed window")
		}
		deviceTS = &utc
	}

	return types.Observation{
		SeriesID: types.SeriesID{Domain: domain, Source: sourceID, Stream: row[0]},
		Value:    value,
		DeviceTS: deviceTS,
		IngestTS: ts,
	}, nil
}

var _ JobStore = (*jobstore.Store)(nil)
