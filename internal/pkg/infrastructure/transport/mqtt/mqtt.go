// Package mqtt subscribes to the broker's ingestion topics and feeds
// decoded observations through the same pipeline the HTTP transport uses.
// The on-message callback only enqueues; decoding and the pipeline run on
// a worker pool so the paho network loop is never blocked by a slow
// database.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/diwise/ingest-gateway/internal/pkg/application/pipeline"
	"github.com/diwise/ingest-gateway/internal/pkg/application/resilience"
	"github.com/diwise/ingest-gateway/pkg/types"
)

var tracer = otel.Tracer("ingest-gateway/transport/mqtt")

const (
	legacyTopic    = "iot/sensors/+/readings"
	universalTopic = "+/+/+/data"

	maxTimestampSkewFuture = 5 * time.Minute
	maxTimestampAge        = 24 * time.Hour
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string

	// UniversalEnabled subscribes to {domain}/{source}/{stream}/data in
	// addition to the legacy IoT topic (FF_MQTT_UNIVERSAL).
	UniversalEnabled bool

	Workers   int
	QueueSize int
}

// LoadConfiguration reads the MQTT transport settings from the
// environment. An empty Host means the transport is not configured and
// should not be started.
func LoadConfiguration(logger zerolog.Logger) Config {
	return Config{
		Host:             env.GetVariableOrDefault(logger, "MQTT_BROKER_HOST", ""),
		Port:             env.GetVariableOrDefault(logger, "MQTT_BROKER_PORT", "1883"),
		Username:         env.GetVariableOrDefault(logger, "MQTT_USERNAME", ""),
		Password:         env.GetVariableOrDefault(logger, "MQTT_PASSWORD", ""),
		UniversalEnabled: env.GetVariableOrDefault(logger, "FF_MQTT_UNIVERSAL", "false") == "true",
	}
}

// Client bridges a paho connection to the ingest pipeline.
type Client struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	dlq      resilience.DLQ
	logger   zerolog.Logger

	inner mqtt.Client
	queue chan mqtt.Message
	group *errgroup.Group
	stop  context.CancelFunc
}

func New(cfg Config, p *pipeline.Pipeline, dlq resilience.DLQ, logger zerolog.Logger) *Client {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	return &Client{
		cfg:      cfg,
		pipeline: p,
		dlq:      dlq,
		logger:   logger,
		queue:    make(chan mqtt.Message, cfg.QueueSize),
	}
}

func (c *Client) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(context.Background())
	c.stop = cancel

	c.group, _ = errgroup.WithContext(workerCtx)
	for i := 0; i < c.cfg.Workers; i++ {
		c.group.Go(func() error {
			for {
				select {
				case <-workerCtx.Done():
					return nil
				case msg := <-c.queue:
					c.process(workerCtx, msg)
				}
			}
		})
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%s", c.cfg.Host, c.cfg.Port)).
		SetClientID("ingest-gateway-" + uuid.NewString()[0:8])

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn().Err(err).Msg("mqtt connection lost")
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.subscribe(client, legacyTopic)
		if c.cfg.UniversalEnabled {
			c.subscribe(client, universalTopic)
		}
	})

	c.inner = mqtt.NewClient(opts)
	if token := c.inner.Connect(); token.Wait() && token.Error() != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}

	return nil
}

func (c *Client) subscribe(client mqtt.Client, topic string) {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case c.queue <- msg:
		default:
			c.logger.Warn().Str("topic", msg.Topic()).Msg("mqtt ingest queue full, message dropped")
		}
	})
	if token.Wait() && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Str("topic", topic).Msg("mqtt subscribe failed")
		return
	}
	c.logger.Info().Str("topic", topic).Msg("subscribed")
}

func (c *Client) Stop() {
	if c.inner != nil && c.inner.IsConnected() {
		c.inner.Disconnect(250)
	}
	// The paho callback may still fire while Disconnect drains, so the
	// queue is never closed; the workers are cancelled instead.
	if c.stop != nil {
		c.stop()
	}
	_ = c.group.Wait()
}

func (c *Client) process(ctx context.Context, msg mqtt.Message) {
	ctx, span := tracer.Start(ctx, "mqtt-message", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	o, err := Decode(msg.Topic(), msg.Payload())
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("failed to decode mqtt message")
		c.sendToDLQ(ctx, msg, err)
		return
	}

	res := c.pipeline.Ingest(ctx, o, pipeline.RateLimitKeys{Sensor: o.Key()})
	if res.Err != nil && !res.Duplicate && !res.RateLimited {
		c.logger.Error().Err(res.Err).Str("stream", o.Key()).Msg("mqtt ingest failed")
	}
}

func (c *Client) sendToDLQ(ctx context.Context, msg mqtt.Message, cause error) {
	if c.dlq == nil {
		return
	}
	entry := types.DLQEntry{
		Payload:   string(msg.Payload()),
		Error:     cause.Error(),
		ErrorType: "parse_error",
		Source:    "mqtt:" + msg.Topic(),
		Timestamp: time.Now().UTC(),
	}
	entry.Truncate()
	if err := c.dlq.Push(ctx, entry); err != nil {
		c.logger.Error().Err(err).Msg("failed to push dead-letter entry")
	}
}

// Decode turns a message on either supported topic layout into the
// canonical Observation.
func Decode(topic string, payload []byte) (types.Observation, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return types.Observation{}, fmt.Errorf("unsupported topic %q", topic)
	}

	if parts[0] == "iot" && parts[1] == "sensors" && parts[3] == "readings" {
		return decodeLegacy(parts[2], payload)
	}
	if parts[3] == "data" {
		return decodeUniversal(parts[0], parts[1], parts[2], payload)
	}
	return types.Observation{}, fmt.Errorf("unsupported topic %q", topic)
}

type legacyEnvelope struct {
	V         int            `json:"v"`
	SensorID  *int64         `json:"sensorId"`
	Value     *float64       `json:"value"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func decodeLegacy(idToken string, payload []byte) (types.Observation, error) {
	id, err := strconv.ParseInt(idToken, 10, 64)
	if err != nil {
		return types.Observation{}, fmt.Errorf("invalid sensor id %q in topic", idToken)
	}

	var env legacyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return types.Observation{}, fmt.Errorf("malformed legacy envelope: %w", err)
	}
	if env.Value == nil {
		return types.Observation{}, fmt.Errorf("legacy envelope missing value")
	}
	if env.SensorID != nil && *env.SensorID != id {
		return types.Observation{}, fmt.Errorf("envelope sensorId %d does not match topic sensor %d", *env.SensorID, id)
	}

	o := types.Observation{
		LegacyStreamInt: &id,
		Value:           *env.Value,
		DeviceTS:        normalize(env.Timestamp),
		IngestTS:        time.Now().UTC(),
		Metadata:        env.Metadata,
	}
	return o, validate(o)
}

type universalPayload struct {
	Value     *float64       `json:"value"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Sequence  *int64         `json:"sequence,omitempty"`
}

func decodeUniversal(domain, source, stream string, payload []byte) (types.Observation, error) {
	if domain == "iot" {
		return types.Observation{}, fmt.Errorf("domain iot must use the legacy readings topic")
	}

	var p universalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return types.Observation{}, fmt.Errorf("malformed payload: %w", err)
	}
	if p.Value == nil {
		return types.Observation{}, fmt.Errorf("payload missing value")
	}

	o := types.Observation{
		SeriesID: types.SeriesID{Domain: domain, Source: source, Stream: stream},
		Value:    *p.Value,
		DeviceTS: normalize(p.Timestamp),
		IngestTS: time.Now().UTC(),
		Metadata: p.Metadata,
		Sequence: p.Sequence,
	}
	return o, validate(o)
}

func normalize(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	t := ts.UTC()
	return &t
}

func validate(o types.Observation) error {
	if o.DeviceTS == nil {
		return nil
	}
	now := time.Now().UTC()
	if o.DeviceTS.Before(now.Add(-maxTimestampAge)) || o.DeviceTS.After(now.Add(maxTimestampSkewFuture)) {
		return fmt.Errorf("timestamp outside allowed window")
	}
	return nil
}
