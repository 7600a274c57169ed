package interbus

import (
	buspkg "github.com/drblury/interbus/internal/bus"
	configpkg "github.com/drblury/interbus/internal/bus/config"
	errspkg "github.com/drblury/interbus/internal/bus/errors"
	idspkg "github.com/drblury/interbus/internal/bus/ids"
	jsoncodec "github.com/drblury/interbus/internal/bus/jsoncodec"
	loggingpkg "github.com/drblury/interbus/internal/bus/logging"
	notifypkg "github.com/drblury/interbus/internal/bus/notify"
	transportpkg "github.com/drblury/interbus/transport"
)

type (
	Config       = configpkg.Config
	Service      = buspkg.Service
	Dependencies = buspkg.Dependencies
	Stats        = buspkg.Stats

	Identity         = buspkg.Identity
	ProviderIdentity = buspkg.ProviderIdentity

	Envelope             = buspkg.Envelope
	Breadcrumb           = buspkg.Breadcrumb
	AckObject            = buspkg.AckObject
	AckToSender          = buspkg.AckToSender
	BatchPayload         = buspkg.BatchPayload
	ResultData           = buspkg.ResultData
	ConnectRequest       = buspkg.ConnectRequest
	CreateChannelRequest = buspkg.CreateChannelRequest
	ChannelMessage       = buspkg.ChannelMessage
	ChannelResult        = buspkg.ChannelResult
	ConnectionForward    = buspkg.ConnectionForward
	MessageForward       = buspkg.MessageForward

	ActionHandler   = buspkg.ActionHandler
	ActionMap       = buspkg.ActionMap
	AckFunc         = buspkg.AckFunc
	NackFunc        = buspkg.NackFunc
	OriginValidator = buspkg.OriginValidator
	Dispatcher      = buspkg.Dispatcher

	Registry           = buspkg.Registry
	Entity             = buspkg.Entity
	EntityKind         = buspkg.EntityKind
	EntityResolver     = buspkg.EntityResolver
	EntityResolverFunc = buspkg.EntityResolverFunc
	Sender             = buspkg.Sender

	RoutingInfo       = buspkg.RoutingInfo
	RoutingLookup     = buspkg.RoutingLookup
	RoutingLookupFunc = buspkg.RoutingLookupFunc

	SubscriptionManager = buspkg.SubscriptionManager
	SubscriptionIntent  = buspkg.SubscriptionIntent

	BusMetrics = buspkg.BusMetrics

	NotificationBus     = notifypkg.Bus
	NotificationHandler = notifypkg.Handler

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	RegistrationError = errspkg.RegistrationError

	// Transport plumbing
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

// Wire actions understood by the dispatch pipeline.
const (
	ActionProcessChannelMessage    = buspkg.ActionProcessChannelMessage
	ActionSendChannelResult        = buspkg.ActionSendChannelResult
	ActionProcessChannelConnection = buspkg.ActionProcessChannelConnection
	ActionProcessAPIBatch          = buspkg.ActionProcessAPIBatch
	ActionCreateChannel            = buspkg.ActionCreateChannel
	ActionConnectToChannel         = buspkg.ActionConnectToChannel
	ActionSendChannelMessage       = buspkg.ActionSendChannelMessage
	ActionAck                      = buspkg.ActionAck

	ActionSubscribeIntent   = buspkg.ActionSubscribeIntent
	ActionUnsubscribeIntent = buspkg.ActionUnsubscribeIntent
)

// Channel lifecycle event types for Registry.AddEventListener.
const (
	ChannelConnectedEvent    = buspkg.ChannelConnectedEvent
	ChannelDisconnectedEvent = buspkg.ChannelDisconnectedEvent
)

// Entity kinds for EntityResolver results.
const (
	EntityWindow             = buspkg.EntityWindow
	EntityApplication        = buspkg.EntityApplication
	EntityExternalConnection = buspkg.EntityExternalConnection
)

const DefaultTopicPrefix = configpkg.DefaultTopicPrefix

var (
	NewService     = buspkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	NewProviderIdentity = buspkg.NewProviderIdentity
	ChannelID           = buspkg.ChannelID
	AckKey              = buspkg.AckKey

	NewBusMetrics = buspkg.NewBusMetrics

	NewNotificationBus = notifypkg.New
	NotificationTopic  = notifypkg.Topic

	// Modular transport registry. Import individual transports via:
	//   _ "github.com/drblury/interbus/transport/channel"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired  = errspkg.ErrServiceRequired
	ErrHandlerRequired  = errspkg.ErrHandlerRequired
	ErrActionRequired   = errspkg.ErrActionRequired
	ErrIdentityRequired = errspkg.ErrIdentityRequired
	ErrConfigRequired   = errspkg.ErrConfigRequired
	ErrLoggerRequired   = errspkg.ErrLoggerRequired
	ErrDuplicateAction  = errspkg.ErrDuplicateAction
	ErrPayloadRequired  = errspkg.ErrPayloadRequired

	ErrNoProvider             = errspkg.ErrNoProvider
	ErrAmbiguousTarget        = errspkg.ErrAmbiguousTarget
	ErrOrphanResult           = errspkg.ErrOrphanResult
	ErrUnreachableDestination = errspkg.ErrUnreachableDestination
	ErrOriginSuperseded       = errspkg.ErrOriginSuperseded
	ErrSyncHandlerIncomplete  = errspkg.ErrSyncHandlerIncomplete
	IsRegistrationError       = errspkg.IsRegistrationError

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	CreateULID = idspkg.CreateULID
)
