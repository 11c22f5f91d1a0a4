package jobstore

import (
	"context"
	"testing"

	"github.com/matryer/is"
)

func testSetup(t *testing.T) (context.Context, *Store) {
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

func TestJobLifecycle(t *testing.T) {
	is := is.New(t)
	ctx, s := testSetup(t)

	id, err := s.NewJob(ctx)
	is.NoErr(err)

	job, err := s.Get(ctx, id)
	is.NoErr(err)
	is.Equal(job.Status, StatusRunning)

	err = s.Finish(ctx, id, 10, 2, []string{"row 4: missing value"})
	is.NoErr(err)

	job, err = s.Get(ctx, id)
	is.NoErr(err)
	is.Equal(job.Status, StatusCompleted)
	is.Equal(job.Accepted, 10)
	is.Equal(job.Rejected, 2)
}

func TestJobNotFound(t *testing.T) {
	is := is.New(t)
	ctx, s := testSetup(t)

	_, err := s.Get(ctx, "does-not-exist")
	is.Equal(err, ErrNoRows)
}
