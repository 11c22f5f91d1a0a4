// Package watchdog periodically sweeps sensor_state for streams that have
// stopped reporting and flips them to STALE, which closes the event gate
// until fresh readings re-run the warm-up (STALE → INITIALIZING → NORMAL).
package watchdog

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type Store interface {
	MarkStale(ctx context.Context, olderThanSeconds int) (int64, error)
}

const (
	defaultInterval   = 60 * time.Second
	defaultStaleAfter = 1 * time.Hour
)

type Watchdog struct {
	store      Store
	logger     zerolog.Logger
	interval   time.Duration
	staleAfter time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func New(store Store, logger zerolog.Logger) *Watchdog {
	return &Watchdog{
		store:      store,
		logger:     logger,
		interval:   defaultInterval,
		staleAfter: defaultStaleAfter,
	}
}

func (w *Watchdog) WithInterval(d time.Duration) *Watchdog   { w.interval = d; return w }
func (w *Watchdog) WithStaleAfter(d time.Duration) *Watchdog { w.staleAfter = d; return w }

func (w *Watchdog) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.backgroundWorker(ctx)
}

func (w *Watchdog) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watchdog) backgroundWorker(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	count, err := w.store.MarkStale(ctx, int(w.staleAfter.Seconds()))
	if err != nil {
		w.logger.Error().Err(err).Msg("stale sweep failed")
		return
	}
	if count > 0 {
		w.logger.Info().Int64("count", count).Msg("marked silent streams as stale")
	}
}
