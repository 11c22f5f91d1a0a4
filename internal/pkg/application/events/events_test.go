package events

import (
	"context"
	"testing"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/diwise/ingest-gateway/internal/pkg/application/classifier"
	"github.com/diwise/ingest-gateway/pkg/types"
)

func TestPushAlertPublishesOnTopic(t *testing.T) {
	is := is.New(t)

	var published []messaging.TopicMessage
	m := &messaging.MsgContextMock{
		PublishOnTopicFunc: func(ctx context.Context, message messaging.TopicMessage) error {
			published = append(published, message)
			return nil
		},
	}

	p := NewPublisher(m)
	err := p.Push(context.Background(), "water:plant-1:pressure", types.Notification{
		Source:    "alert",
		Severity:  types.SeverityCritical,
		Title:     "Sensor alert",
		Message:   "value out of range",
		CreatedAt: time.Now().UTC(),
	})

	is.NoErr(err)
	is.Equal(len(published), 1)
	is.Equal(published[0].TopicName(), "ingest.alertTriggered")
}

func TestPushSpikePublishesOnTopic(t *testing.T) {
	is := is.New(t)

	m := &messaging.MsgContextMock{
		PublishOnTopicFunc: func(ctx context.Context, message messaging.TopicMessage) error {
			return nil
		},
	}

	p := NewPublisher(m)
	err := p.Push(context.Background(), "water:plant-1:pressure", types.Notification{
		Source:    "spike",
		Severity:  types.SeverityWarning,
		Message:   "delta spike",
		CreatedAt: time.Now().UTC(),
	})

	is.NoErr(err)
	is.Equal(len(m.PublishOnTopicCalls()), 1)
	is.Equal(m.PublishOnTopicCalls()[0].Message.TopicName(), "ingest.deltaSpikeDetected")
}

func TestPushIgnoresUnknownSource(t *testing.T) {
	is := is.New(t)

	m := &messaging.MsgContextMock{}

	p := NewPublisher(m)
	err := p.Push(context.Background(), "water:plant-1:pressure", types.Notification{Source: "other"})

	is.NoErr(err)
	is.Equal(len(m.PublishOnTopicCalls()), 0)
}

type fakeStateRepo struct{}

func (fakeStateRepo) GetState(context.Context, string) (types.SensorRecord, error) {
	return types.SensorRecord{OperationalState: types.StateNormal}, nil
}
func (fakeStateRepo) IncrementValidReadings(context.Context, string) (types.SensorRecord, error) {
	return types.SensorRecord{OperationalState: types.StateNormal}, nil
}
func (fakeStateRepo) TransitionState(context.Context, string, types.OperationalState, types.OperationalState, bool) (int64, error) {
	return 1, nil
}

type countingConfigRepo struct {
	thresholdReads int
}

func (c *countingConfigRepo) GetThresholdSet(context.Context, string) (types.ThresholdSet, bool, error) {
	c.thresholdReads++
	return types.ThresholdSet{HasWarningBand: true, WarningMin: 0, WarningMax: 100}, true, nil
}
func (c *countingConfigRepo) GetLastReading(context.Context, string) (types.LastReading, bool, error) {
	return types.LastReading{}, false, nil
}
func (c *countingConfigRepo) GetSensorType(context.Context, string) (string, error) { return "", nil }

func TestThresholdsUpdatedHandlerInvalidatesCache(t *testing.T) {
	is := is.New(t)

	repo := &countingConfigRepo{}
	cls := classifier.New(classifier.NewSensorStateManager(fakeStateRepo{}), repo)

	ctx := context.Background()
	_, err := cls.Classify(ctx, "water:plant-1:pressure", 1.0, time.Now().UTC())
	is.NoErr(err)
	_, err = cls.Classify(ctx, "water:plant-1:pressure", 2.0, time.Now().UTC())
	is.NoErr(err)
	is.Equal(repo.thresholdReads, 1) // second read served from cache

	handler := ThresholdsUpdatedHandler(cls)
	handler(ctx, amqp.Delivery{Body: []byte(`{"streamKey":"water:plant-1:pressure"}`)}, zerolog.Nop())

	_, err = cls.Classify(ctx, "water:plant-1:pressure", 3.0, time.Now().UTC())
	is.NoErr(err)
	is.Equal(repo.thresholdReads, 2)
}
