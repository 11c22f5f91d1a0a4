package types

import "time"

const (
	MaxDLQPayloadBytes = 5000
	MaxDLQErrorBytes   = 1000
)

// DLQEntry is an append-only dead-letter record. Payload and Error are
// truncated to MaxDLQPayloadBytes/MaxDLQErrorBytes before storage.
type DLQEntry struct {
	ID         string
	Payload    string
	Error      string
	ErrorType  string
	Source     string
	Timestamp  time.Time
	SensorID   *int64
	MsgID      string
	RetryCount int
}

// Truncate clamps Payload/Error to their maximum persisted sizes.
func (e *DLQEntry) Truncate() {
	if len(e.Payload) > MaxDLQPayloadBytes {
		e.Payload = e.Payload[:MaxDLQPayloadBytes]
	}
	if len(e.Error) > MaxDLQErrorBytes {
		e.Error = e.Error[:MaxDLQErrorBytes]
	}
}
