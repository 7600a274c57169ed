// Package interbus is an inter-entity message bus built on Watermill. It
// carries channel registration, connection brokering, message forwarding,
// and result correlation between windows, applications, and external
// connections, each addressed by a (uuid, name) identity pair.
//
// A Service hosts one runtime instance: it subscribes to the runtime's own
// topic on the configured transport (Go channels, NATS, RabbitMQ, or
// Kafka), decodes inbound frames, and runs them through a dispatch pipeline
// that tracks acknowledgements per requesting identity. Providers create
// channels with create-channel; clients reach them with connect-to-channel
// and send-channel-message; the provider reports outcomes back through
// send-channel-result, which resolves the pending acknowledgement of the
// original request.
//
// Outbound traffic is buffered: everything queued for the same destination
// within one scheduler cycle leaves as a single process-api-batch frame.
// Inbound batches are unpacked and dispatched per sub-message, and when a
// batch carries a requester identity the sub-results are aggregated into
// one acknowledgement.
//
// Channel lifecycle is event driven. Registration emits connected events at
// global, uuid, and uuid/name scope on the in-process notification bus;
// closing the owning entity tears its channels down and emits disconnected
// events, while closing the whole application removes them silently.
//
// A minimal setup fills Config, creates a Service with NewService,
// registers action handlers, and calls Start. Transports register
// themselves through blank imports:
//
//	import _ "github.com/drblury/interbus/transport/channel"
package interbus
