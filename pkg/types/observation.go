package types

import (
	"fmt"
	"time"
)

// ObservationStatus is the lifecycle tag attached to an Observation as it
// moves through the pipeline.
type ObservationStatus string

const (
	StatusPending    ObservationStatus = "pending"
	StatusValidated  ObservationStatus = "validated"
	StatusClassified ObservationStatus = "classified"
	StatusPersisted  ObservationStatus = "persisted"
	StatusRejected   ObservationStatus = "rejected"
	StatusFailed     ObservationStatus = "failed"
)

// Observation is the canonical unit flowing through the ingest pipeline,
// produced by every transport decoder regardless of wire format.
type Observation struct {
	SeriesID        SeriesID
	LegacyStreamInt *int64

	Value float64

	DeviceTS *time.Time
	IngestTS time.Time

	Sequence *int64

	Metadata map[string]any

	MsgID string

	Status ObservationStatus
}

// Key returns the stable stream identity used by caches and per-stream
// state: the legacy numeric id when present (IoT domain), else the
// SeriesID string form.
func (o Observation) Key() string {
	if o.LegacyStreamInt != nil {
		return fmt.Sprintf("iot-sensor:%d", *o.LegacyStreamInt)
	}
	return o.SeriesID.String()
}
