// Package transport defines the core interfaces and types for interbus
// transports. Each transport implementation (channel, nats, rabbitmq, kafka)
// lives in its own sub-package and registers itself with the transport
// registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
// The bus publishes one frame stream per runtime instance; the subscriber
// side consumes the local runtime's topic.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports. The
// interface lets transports access only the keys they need without depending
// on the full config package.
type Config interface {
	// GetTransport returns the transport type name.
	GetTransport() string

	// NATS
	GetNATSURL() string

	// RabbitMQ
	GetRabbitMQURL() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string
}

// Capabilities describes the delivery guarantees of a transport. The bus
// consults CrossRuntime to decide whether remote identities are routable at
// all on the selected backend.
type Capabilities struct {
	// Name is the registered transport name.
	Name string `json:"name"`

	// CrossRuntime is true when the transport can deliver frames to other
	// runtime instances (i.e. it is backed by a broker, not process memory).
	CrossRuntime bool `json:"cross_runtime"`

	// GuaranteedOrder is true when frames published to one topic are
	// delivered in publish order.
	GuaranteedOrder bool `json:"guaranteed_order"`

	// Durable is true when frames survive a broker restart.
	Durable bool `json:"durable"`
}

// Capability presets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:            "channel",
		CrossRuntime:    false,
		GuaranteedOrder: true,
		Durable:         false,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		CrossRuntime:    true,
		GuaranteedOrder: true,
		Durable:         false,
	}

	RabbitMQCapabilities = Capabilities{
		Name:            "rabbitmq",
		CrossRuntime:    true,
		GuaranteedOrder: true,
		Durable:         true,
	}

	KafkaCapabilities = Capabilities{
		Name:            "kafka",
		CrossRuntime:    true,
		GuaranteedOrder: true,
		Durable:         true,
	}
)
