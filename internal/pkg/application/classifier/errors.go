package classifier

import "errors"

var (
	// ErrSensorNotFound marks a stream key with no known sensor record.
	// The classifier does not translate it: an unknown stream reaches it
	// as a record in state UNKNOWN, and any error a StateRepository
	// returns, this one included, propagates to the caller.
	ErrSensorNotFound = errors.New("classifier: sensor not found")

	// ErrInvalidTransition is returned by SensorStateManager.TransitionTo
	// when from->to is not in the valid-transition table.
	ErrInvalidTransition = errors.New("classifier: invalid state transition")

	// ErrTransitionRaced is returned when the optimistic-locked update
	// affected zero rows because the stream's state changed concurrently.
	ErrTransitionRaced = errors.New("classifier: state transition raced")
)
