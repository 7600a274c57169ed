package bus

import (
	"encoding/json"
	"time"
)

// Wire action names. These are matched byte for byte by every runtime on the
// mesh and by external adapters; never rename them.
const (
	ActionProcessChannelMessage    = "process-channel-message"
	ActionSendChannelResult        = "send-channel-result"
	ActionProcessChannelConnection = "process-channel-connection"
	ActionProcessAPIBatch          = "process-api-batch"

	ActionCreateChannel      = "create-channel"
	ActionConnectToChannel   = "connect-to-channel"
	ActionSendChannelMessage = "send-channel-message"
	ActionAck                = "ack"
)

// Envelope is the decoded form of one inbound or outbound frame.
type Envelope struct {
	Action      string          `json:"action"`
	MessageID   string          `json:"messageId,omitempty"`
	IsSync      bool            `json:"isSync,omitempty"`
	Identity    Identity        `json:"identity"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Breadcrumbs []Breadcrumb    `json:"breadcrumbs,omitempty"`
}

// Breadcrumb is a trace record appended at each pipeline stage and preserved
// verbatim through to the final ack payload.
type Breadcrumb struct {
	Action    string `json:"action"`
	MessageID string `json:"messageId"`
	Stage     string `json:"name"`
	Time      int64  `json:"time"`
}

func newBreadcrumb(env *Envelope, stage string) Breadcrumb {
	return Breadcrumb{
		Action:    env.Action,
		MessageID: env.MessageID,
		Stage:     stage,
		Time:      time.Now().UnixMilli(),
	}
}

// AckObject is the acknowledgement envelope routed back to a requester.
// Success is an additive extension of the shape older peers emit
// (correlationId, originalAction, breadcrumbs, payload); JSON decoding
// skips unknown keys, so mixed-version meshes interoperate unchanged.
type AckObject struct {
	CorrelationID  string       `json:"correlationId"`
	OriginalAction string       `json:"originalAction"`
	Breadcrumbs    []Breadcrumb `json:"breadcrumbs,omitempty"`
	Payload        any          `json:"payload,omitempty"`
	Success        bool         `json:"success"`
}

// AckToSender routes a provider's reply back to the original sender through
// the same correlation mechanism used for requests. Payload carries the
// ProviderIdentity on connection requests and arbitrary data otherwise.
type AckToSender struct {
	CorrelationID    string   `json:"correlationId"`
	DestinationToken Identity `json:"destinationToken"`
	Payload          any      `json:"payload,omitempty"`
	Success          bool     `json:"success"`
}

// BatchPayload is the payload of a process-api-batch envelope. Each element
// is an already-serialized Envelope, kept raw so buffered payloads pass
// through without a re-encode.
type BatchPayload struct {
	Messages []json.RawMessage `json:"messages"`
}

// ConnectRequest is the payload of a connect-to-channel envelope. Resolution
// uses ChannelName when given, otherwise the uuid/name identity.
type ConnectRequest struct {
	ChannelName string          `json:"channelName,omitempty"`
	UUID        string          `json:"uuid,omitempty"`
	Name        string          `json:"name,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// CreateChannelRequest is the payload of a create-channel envelope.
type CreateChannelRequest struct {
	ChannelName string `json:"channelName,omitempty"`
}

// ChannelMessage is the payload of a send-channel-message envelope. UUID and
// Name address the registered provider's routing target.
type ChannelMessage struct {
	UUID             string            `json:"uuid"`
	Name             string            `json:"name,omitempty"`
	Action           string            `json:"action"`
	Payload          json.RawMessage   `json:"payload,omitempty"`
	ProviderIdentity *ProviderIdentity `json:"providerIdentity,omitempty"`
}

// ChannelResult is the payload of a send-channel-result envelope, the
// inverse leg resolving a pending correlation entry.
type ChannelResult struct {
	Success          bool            `json:"success"`
	Reason           string          `json:"reason,omitempty"`
	DestinationToken Identity        `json:"destinationToken"`
	CorrelationID    string          `json:"correlationId"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// ConnectionForward is the payload of the process-channel-connection
// envelope forwarded to a provider when a client connects.
type ConnectionForward struct {
	AckToSender      AckToSender      `json:"ackToSender"`
	ProviderIdentity ProviderIdentity `json:"providerIdentity"`
	ClientIdentity   Identity         `json:"clientIdentity"`
	Payload          json.RawMessage  `json:"payload,omitempty"`
}

// MessageForward is the payload of the process-channel-message envelope
// forwarded to a provider or client.
type MessageForward struct {
	AckToSender      AckToSender       `json:"ackToSender"`
	SenderIdentity   Identity          `json:"senderIdentity"`
	Action           string            `json:"action"`
	ProviderIdentity *ProviderIdentity `json:"providerIdentity,omitempty"`
	Payload          json.RawMessage   `json:"payload,omitempty"`
}

// ResultData is the shape delivered to a resolved ack callback:
// {success: true, data: <payload>}.
type ResultData struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
}
