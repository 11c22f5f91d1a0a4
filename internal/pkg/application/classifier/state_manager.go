package classifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/diwise/ingest-gateway/pkg/types"
)

// StateRepository is the persistence boundary SensorStateManager talks to.
// It knows nothing about classification; it stores and atomically updates
// one row per stream.
//
//go:generate moq -rm -out state_repository_mock.go . StateRepository
type StateRepository interface {
	GetState(ctx context.Context, streamKey string) (types.SensorRecord, error)
	IncrementValidReadings(ctx context.Context, streamKey string) (types.SensorRecord, error)
	// TransitionState applies the update only if the row's current state
	// equals expected; it returns the number of rows the update affected
	// (0 or 1) so the caller can detect a concurrent race.
	TransitionState(ctx context.Context, streamKey string, expected, next types.OperationalState, resetValidCount bool) (int64, error)
}

// SensorStateManager is the single point of decision for whether a stream
// may generate events, and for transitioning its operational state. It
// caches per-stream state in-process and invalidates the cache entry on
// every write path that could have changed the underlying row.
type SensorStateManager struct {
	repo StateRepository

	mu    sync.Mutex
	cache map[string]types.SensorRecord
}

func NewSensorStateManager(repo StateRepository) *SensorStateManager {
	return &SensorStateManager{
		repo:  repo,
		cache: make(map[string]types.SensorRecord),
	}
}

func (m *SensorStateManager) GetState(ctx context.Context, streamKey string) (types.SensorRecord, error) {
	m.mu.Lock()
	if rec, ok := m.cache[streamKey]; ok {
		m.mu.Unlock()
		return rec, nil
	}
	m.mu.Unlock()

	rec, err := m.repo.GetState(ctx, streamKey)
	if err != nil {
		return types.SensorRecord{}, err
	}

	m.mu.Lock()
	m.cache[streamKey] = rec
	m.mu.Unlock()
	return rec, nil
}

func (m *SensorStateManager) invalidate(streamKey string) {
	m.mu.Lock()
	delete(m.cache, streamKey)
	m.mu.Unlock()
}

// CanGenerateEvents reports whether the stream may currently produce
// WARNING/ALERT classifications, and why not when it cannot.
func (m *SensorStateManager) CanGenerateEvents(ctx context.Context, streamKey string) (bool, string, error) {
	rec, err := m.GetState(ctx, streamKey)
	if err != nil {
		return false, "", err
	}

	switch rec.OperationalState {
	case types.StateUnknown:
		return false, "sensor not found", nil
	case types.StateInitializing:
		return false, fmt.Sprintf("warm-up (%d/%d)", rec.ValidReadingsCount, rec.MinReadingsForNormal), nil
	case types.StateStale:
		return false, "sensor inactive (STALE)", nil
	default:
		return true, fmt.Sprintf("state %s", rec.OperationalState), nil
	}
}

// RegisterValidReading atomically increments valid_readings_count and
// returns the resulting record; if the count crosses
// min_readings_for_normal while INITIALIZING, the repository is
// responsible for flipping the state to NORMAL as part of the same write.
func (m *SensorStateManager) RegisterValidReading(ctx context.Context, streamKey string) (types.SensorRecord, error) {
	m.invalidate(streamKey)

	rec, err := m.repo.IncrementValidReadings(ctx, streamKey)
	if err != nil {
		return types.SensorRecord{}, err
	}

	m.mu.Lock()
	m.cache[streamKey] = rec
	m.mu.Unlock()
	return rec, nil
}

// TransitionTo moves streamKey to newState, validating the transition
// table and applying the update with optimistic locking against the
// current cached/fetched state. On a race (0 rows affected) it invalidates
// the cached state and returns ErrTransitionRaced without retrying itself
// — callers decide whether to retry once
func (m *SensorStateManager) TransitionTo(ctx context.Context, streamKey string, newState types.OperationalState) error {
	m.invalidate(streamKey)

	current, err := m.GetState(ctx, streamKey)
	if err != nil {
		return err
	}

	if !types.IsValidTransition(current.OperationalState, newState) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.OperationalState, newState)
	}

	resetCount := newState == types.StateInitializing
	rows, err := m.repo.TransitionState(ctx, streamKey, current.OperationalState, newState, resetCount)
	if err != nil {
		return err
	}

	m.invalidate(streamKey)

	if rows == 0 {
		return ErrTransitionRaced
	}
	return nil
}

// TransitionToWithRetry calls TransitionTo and, on a race, re-evaluates
// against the fresh state: if the fresh state already equals newState
// (someone else made the same change) it is treated as success; if the
// fresh state does not permit the transition, it is a no-op (applied is
// false, err is nil); otherwise the transition is retried exactly once,
// and a second race is likewise a no-op.
func (m *SensorStateManager) TransitionToWithRetry(ctx context.Context, streamKey string, newState types.OperationalState) (applied bool, err error) {
	err = m.TransitionTo(ctx, streamKey, newState)
	if err == nil {
		return true, nil
	}
	if err != ErrTransitionRaced {
		return false, err
	}

	actual, getErr := m.GetState(ctx, streamKey)
	if getErr != nil {
		return false, getErr
	}
	if actual.OperationalState == newState {
		return true, nil
	}
	if !types.IsValidTransition(actual.OperationalState, newState) {
		return false, nil
	}

	err = m.TransitionTo(ctx, streamKey, newState)
	if err == ErrTransitionRaced {
		return false, nil
	}
	return err == nil, err
}
