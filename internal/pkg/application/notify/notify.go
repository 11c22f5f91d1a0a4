package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v2"

	"github.com/diwise/ingest-gateway/pkg/types"
)

// Pusher is the fire-and-forget push-notification side effect of the ALERT
// sub-pipeline. Delivery itself is an explicit non-goal of the
// core spec; this is the sibling-service transport it names.
//
//go:generate moq -rm -out pusher_mock.go . Pusher
type Pusher interface {
	Push(ctx context.Context, streamKey string, n types.Notification) error
}

type SubscriberConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const pushTimeout = 5 * time.Second

type cloudEventPusher struct {
	client      cloudevents.Client
	subscribers []SubscriberConfig
}

// New builds a Pusher that fans an alert-notification event out to every
// configured subscriber endpoint as a CloudEvent over HTTP. A nil/empty
// Config yields a no-op pusher.
func New(cfg *Config) (Pusher, error) {
	if cfg == nil || len(cfg.Subscribers) == 0 {
		return &noopPusher{}, nil
	}

	c, err := cloudevents.NewClientHTTP(
		cloudevents.WithTarget(""),
		cehttp.WithClient(http.Client{Timeout: pushTimeout}),
	)
	if err != nil {
		return nil, err
	}

	return &cloudEventPusher{client: c, subscribers: cfg.Subscribers}, nil
}

func (p *cloudEventPusher) Push(ctx context.Context, streamKey string, n types.Notification) error {
	event := cloudevents.NewEvent()
	event.SetID(fmt.Sprintf("%s:%d", streamKey, n.CreatedAt.Unix()))
	event.SetTime(n.CreatedAt)
	event.SetSource("github.com/diwise/ingest-gateway")
	event.SetType("diwise.alertnotification")

	payload := struct {
		StreamKey string `json:"streamKey"`
		Severity  string `json:"severity"`
		Title     string `json:"title"`
		Message   string `json:"message"`
	}{streamKey, string(n.Severity), n.Title, n.Message}

	if err := event.SetData(cloudevents.ApplicationJSON, payload); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	var errs error
	for _, s := range p.subscribers {
		target := cloudevents.ContextWithTarget(ctx, s.Endpoint)
		result := p.client.Send(target, event)
		if cloudevents.IsUndelivered(result) {
			log.Warn().Err(result).Str("endpoint", s.Endpoint).Msg("failed to push alert notification")
			errs = errors.Join(errs, result)
		}
	}
	return errs
}

type noopPusher struct{}

func (noopPusher) Push(context.Context, string, types.Notification) error { return nil }

type multiPusher []Pusher

// Multi fans a notification out to every given pusher; one sink failing
// does not stop the others.
func Multi(pushers ...Pusher) Pusher {
	return multiPusher(pushers)
}

func (m multiPusher) Push(ctx context.Context, streamKey string, n types.Notification) error {
	var errs error
	for _, p := range m {
		if err := p.Push(ctx, streamKey, n); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
