package types

import "time"

// Reading is the payload published to the reading broker for downstream
// prediction consumption.
type Reading struct {
	SeriesID   string
	SensorType string
	Value      float64
	Timestamp  time.Time
}

// AlertRecord is the single active-per-stream physical-violation event.
type AlertRecord struct {
	ID            int64
	StreamID      string
	DeviceID      string
	ThresholdID   string
	Severity      DeltaSeverity
	Status        string
	TriggeredValue float64
	TriggeredAt   time.Time
	ResolvedAt    *time.Time
}

// MLEvent is the single active-per-stream DELTA_SPIKE event.
type MLEvent struct {
	ID        int64
	StreamID  string
	DeviceID  string
	EventType string
	EventCode string
	Status    string
	CreatedAt time.Time
	Payload   map[string]any
}

// Notification is an alert_notifications row; deduplicated by a 5-minute
// unread window on (Source, SourceEventID).
type Notification struct {
	ID            int64
	Source        string
	SourceEventID string
	Severity      DeltaSeverity
	Title         string
	Message       string
	IsRead        bool
	CreatedAt     time.Time
}
