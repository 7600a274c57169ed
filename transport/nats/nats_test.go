package nats

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/interbus/transport"
)

type natsConfig struct {
	url string
}

func (c natsConfig) GetTransport() string          { return TransportName }
func (c natsConfig) GetNATSURL() string            { return c.url }
func (c natsConfig) GetRabbitMQURL() string        { return "" }
func (c natsConfig) GetKafkaBrokers() []string     { return nil }
func (c natsConfig) GetKafkaConsumerGroup() string { return "" }

type stubPublisher struct{}

func (stubPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (stubPublisher) Close() error                                             { return nil }

type stubSubscriber struct{}

func (stubSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return nil, nil
}
func (stubSubscriber) Close() error { return nil }

func TestRegistersItself(t *testing.T) {
	if !transport.DefaultRegistry.Has(TransportName) {
		t.Fatal("nats transport did not register itself")
	}
}

func TestBuildPassesURLToFactories(t *testing.T) {
	origPub := PublisherFactory
	origSub := SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = origPub
		SubscriberFactory = origSub
	})

	var pubURL, subURL string
	PublisherFactory = func(cfg wmnats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		pubURL = cfg.URL
		return stubPublisher{}, nil
	}
	SubscriberFactory = func(cfg wmnats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		subURL = cfg.URL
		return stubSubscriber{}, nil
	}

	tr, err := Build(context.Background(), natsConfig{url: "nats://localhost:4222"}, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tr.Publisher == nil || tr.Subscriber == nil {
		t.Fatal("transport missing publisher or subscriber")
	}
	if pubURL != "nats://localhost:4222" || subURL != "nats://localhost:4222" {
		t.Fatalf("factory URLs = %q / %q", pubURL, subURL)
	}
}

func TestBuildRequiresURL(t *testing.T) {
	if _, err := Build(context.Background(), natsConfig{}, watermill.NopLogger{}); err == nil {
		t.Fatal("expected error for missing URL")
	}
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	if caps.Name != TransportName || !caps.CrossRuntime {
		t.Fatalf("capabilities = %+v", caps)
	}
}
