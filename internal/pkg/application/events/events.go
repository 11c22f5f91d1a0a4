// Package events fans gateway events out on the message bus so sibling
// services (dashboards, escalation workers) can react to alerts and delta
// spikes without polling the database.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/diwise/ingest-gateway/internal/pkg/application/classifier"
	"github.com/diwise/ingest-gateway/pkg/types"
)

type AlertTriggered struct {
	StreamKey string    `json:"streamKey"`
	Severity  string    `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *AlertTriggered) ContentType() string {
	return "application/json"
}
func (a *AlertTriggered) TopicName() string {
	return "ingest.alertTriggered"
}

type DeltaSpikeDetected struct {
	StreamKey string    `json:"streamKey"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DeltaSpikeDetected) ContentType() string {
	return "application/json"
}
func (d *DeltaSpikeDetected) TopicName() string {
	return "ingest.deltaSpikeDetected"
}

// Publisher publishes alert and spike notifications as topic messages. It
// satisfies notify.Pusher so the pipeline treats the bus like any other
// notification sink: a bus outage is logged and never aborts persistence.
type Publisher struct {
	messenger messaging.MsgContext
}

func NewPublisher(messenger messaging.MsgContext) *Publisher {
	return &Publisher{messenger: messenger}
}

func (p *Publisher) Push(ctx context.Context, streamKey string, n types.Notification) error {
	var msg messaging.TopicMessage

	switch n.Source {
	case "alert":
		msg = &AlertTriggered{
			StreamKey: streamKey,
			Severity:  string(n.Severity),
			Title:     n.Title,
			Message:   n.Message,
			Timestamp: n.CreatedAt,
		}
	case "spike":
		msg = &DeltaSpikeDetected{
			StreamKey: streamKey,
			Severity:  string(n.Severity),
			Message:   n.Message,
			Timestamp: n.CreatedAt,
		}
	default:
		return nil
	}

	_, _, err := lo.AttemptWithDelay(3, 1*time.Second, func(index int, duration time.Duration) error {
		return p.messenger.PublishOnTopic(ctx, msg)
	})
	return err
}

type thresholdsUpdated struct {
	StreamKey string `json:"streamKey"`
}

// ThresholdsUpdatedHandler invalidates the classifier's per-stream
// threshold-set cache when an admin service announces a threshold-set
// change on the bus. The
// classifier otherwise serves cached thresholds until its own writes touch
// the row, so an out-of-process edit needs this nudge.
func ThresholdsUpdatedHandler(c *classifier.Classifier) messaging.TopicMessageHandler {
	return func(ctx context.Context, msg amqp.Delivery, logger zerolog.Logger) {
		tu := thresholdsUpdated{}

		err := json.Unmarshal(msg.Body, &tu)
		if err != nil {
			logger.Error().Err(err).Msg("failed to unmarshal body of accepted message")
			return
		}

		if tu.StreamKey == "" {
			logger.Warn().Msg("thresholds updated message without stream key")
			return
		}

		c.InvalidateThresholds(tu.StreamKey)
		logger.Debug().Str("stream", tu.StreamKey).Msg("threshold caches invalidated")
	}
}
