package bus

import (
	"errors"
	"sync"

	errspkg "github.com/drblury/interbus/internal/bus/errors"
	jsoncodec "github.com/drblury/interbus/internal/bus/jsoncodec"
	loggingpkg "github.com/drblury/interbus/internal/bus/logging"
	notifypkg "github.com/drblury/interbus/internal/bus/notify"
)

// EntityKind classifies the owner of a channel; teardown listens on a
// different close notification per kind.
type EntityKind int

const (
	EntityWindow EntityKind = iota
	EntityApplication
	EntityExternalConnection
)

// Entity is a resolved owning window/application/external-connection handle.
type Entity struct {
	Identity Identity
	Kind     EntityKind
}

// EntityResolver resolves an identity to its concrete owning entity. A
// channel cannot be created for an identity the resolver does not know.
type EntityResolver interface {
	ResolveOwningEntity(identity Identity) (Entity, bool)
}

// EntityResolverFunc adapts a function to the EntityResolver interface.
type EntityResolverFunc func(identity Identity) (Entity, bool)

func (f EntityResolverFunc) ResolveOwningEntity(identity Identity) (Entity, bool) {
	return f(identity)
}

// Sender delivers an envelope to an arbitrary local or remote identity,
// abstracting over same-process vs cross-runtime delivery.
type Sender interface {
	SendToIdentity(identity Identity, env *Envelope) error
}

// Channel lifecycle event types, used with AddEventListener.
const (
	ChannelConnectedEvent    = "connected"
	ChannelDisconnectedEvent = "disconnected"
)

// Close-notification topic categories emitted by the lifecycle collaborator.
const (
	windowClosedTopic       = "window/closed"
	applicationClosedTopic  = "application/closed"
	externalConnClosedTopic = "external-connection/closed"
)

type channelRecord struct {
	provider ProviderIdentity
	watches  []func()
}

// Registry owns the set of registered provider channels and the ack
// correlation table that matches results back to their originating
// requests. All mutation goes through its operations; lookups are the only
// external read path.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*channelRecord
	order    []string

	acks     *ackTable
	events   *notifypkg.Bus
	resolver EntityResolver
	sender   Sender
	log      loggingpkg.ServiceLogger
	metrics  *BusMetrics
}

func NewRegistry(resolver EntityResolver, sender Sender, events *notifypkg.Bus, log loggingpkg.ServiceLogger, metrics *BusMetrics) *Registry {
	return &Registry{
		channels: make(map[string]*channelRecord),
		acks:     newAckTable(log, metrics),
		events:   events,
		resolver: resolver,
		sender:   sender,
		log:      log,
		metrics:  metrics,
	}
}

// CreateChannel registers identity as the provider of channelName. Fails
// with a RegistrationError when the owning entity cannot be resolved or a
// channel already exists for the derived channelId; failure leaves no
// partial state behind. On success the registry arms teardown watches on the
// owner's close notifications and emits a channel-connected event.
func (r *Registry) CreateChannel(identity Identity, channelName string) (ProviderIdentity, error) {
	entity, ok := r.resolver.ResolveOwningEntity(identity)
	if !ok {
		return ProviderIdentity{}, &errspkg.RegistrationError{
			ChannelID: ChannelID(identity, channelName),
			Reason:    "owning entity could not be resolved",
		}
	}

	provider := NewProviderIdentity(identity, channelName)

	r.mu.Lock()
	if _, exists := r.channels[provider.ChannelID]; exists {
		r.mu.Unlock()
		return ProviderIdentity{}, &errspkg.RegistrationError{
			ChannelID: provider.ChannelID,
			Reason:    "a channel is already registered for this identity and channelName",
		}
	}
	record := &channelRecord{provider: provider}
	r.channels[provider.ChannelID] = record
	r.order = append(r.order, provider.ChannelID)
	channels := len(r.channels)
	r.mu.Unlock()

	r.armTeardown(record, entity)
	r.metrics.SetChannels(channels)

	r.log.Info("channel registered", loggingpkg.LogFields{
		"channel_id":   provider.ChannelID,
		"channel_name": channelName,
		"provider":     identity.String(),
	})
	r.emitChannelEvent(ChannelConnectedEvent, provider)

	return provider, nil
}

// armTeardown arms two one-shot watches: the owner-level close notification
// removes the channel and emits channel-disconnected; the application-level
// close removes it without re-emitting, covering owners whose window-level
// close never fires. Both self-disarm after first invocation.
func (r *Registry) armTeardown(record *channelRecord, entity Entity) {
	provider := record.provider

	var ownerClosed string
	if entity.Kind == EntityExternalConnection {
		ownerClosed = notifypkg.Topic(externalConnClosedTopic, provider.UUID)
	} else {
		ownerClosed = notifypkg.Topic(windowClosedTopic, provider.UUID, provider.Name)
	}
	appClosed := notifypkg.Topic(applicationClosedTopic, provider.UUID)

	cancelOwner := r.events.Once(ownerClosed, func(any) {
		r.removeChannel(provider.ChannelID, true)
	})
	cancelApp := r.events.Once(appClosed, func(any) {
		r.removeChannel(provider.ChannelID, false)
	})

	r.mu.Lock()
	record.watches = []func(){cancelOwner, cancelApp}
	r.mu.Unlock()
}

// removeChannel deletes the channelId entry, disarms any remaining watch,
// and optionally emits channel-disconnected. Removing an already-removed
// channel is a no-op, so the two teardown watches cannot double-fire the
// event.
func (r *Registry) removeChannel(channelID string, emitDisconnect bool) {
	r.mu.Lock()
	record, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.channels, channelID)
	for i, id := range r.order {
		if id == channelID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	watches := record.watches
	channels := len(r.channels)
	r.mu.Unlock()

	for _, cancel := range watches {
		cancel()
	}
	r.metrics.SetChannels(channels)

	r.log.Info("channel removed", loggingpkg.LogFields{
		"channel_id": channelID,
	})
	if emitDisconnect {
		r.emitChannelEvent(ChannelDisconnectedEvent, record.provider)
	}
}

// GetChannelByChannelID returns the provider registered under channelID.
func (r *Registry) GetChannelByChannelID(channelID string) (ProviderIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.channels[channelID]
	if !ok {
		return ProviderIdentity{}, false
	}
	return record.provider, true
}

// GetChannelsByIdentity returns every channel owned by identity. An identity
// with an empty name matches all channels owned by that uuid; a non-empty
// name narrows to an exact owner match.
func (r *Registry) GetChannelsByIdentity(identity Identity) []ProviderIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []ProviderIdentity
	for _, channelID := range r.order {
		provider := r.channels[channelID].provider
		if provider.UUID != identity.UUID {
			continue
		}
		if identity.Name != "" && provider.Name != identity.Name {
			continue
		}
		matches = append(matches, provider)
	}
	return matches
}

// GetChannelByChannelName returns the first channel registered under
// channelName, in registration order. Multiple providers may legally share a
// channelName (channelId disambiguates by identity); callers needing
// precision should use identity-based lookup.
func (r *Registry) GetChannelByChannelName(channelName string) (ProviderIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, channelID := range r.order {
		provider := r.channels[channelID].provider
		if provider.ChannelName == channelName {
			return provider, true
		}
	}
	return ProviderIdentity{}, false
}

// ChannelCount reports the number of registered channels.
func (r *Registry) ChannelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// PendingAcks reports the number of outstanding correlation entries.
func (r *Registry) PendingAcks() int {
	return r.acks.Len()
}

// ConnectToChannel resolves req to a unique provider and forwards a
// connection request to it, registering a correlation entry so the
// provider's eventual result resolves the requester's ack. Zero matches
// nack with the stable no-provider sentinel; multiple matches nack with a
// disambiguation error and nothing is forwarded.
func (r *Registry) ConnectToChannel(requester Identity, req ConnectRequest, messageID string, ack AckFunc, nack NackFunc) (ProviderIdentity, bool) {
	var (
		provider ProviderIdentity
		found    bool
	)
	if req.ChannelName != "" {
		provider, found = r.GetChannelByChannelName(req.ChannelName)
		if !found {
			nack(errspkg.ErrNoProvider)
			return ProviderIdentity{}, false
		}
	} else {
		candidates := r.GetChannelsByIdentity(Identity{UUID: req.UUID, Name: req.Name})
		switch len(candidates) {
		case 0:
			nack(errspkg.ErrNoProvider)
			return ProviderIdentity{}, false
		case 1:
			provider = candidates[0]
		default:
			nack(errspkg.ErrAmbiguousTarget)
			return ProviderIdentity{}, false
		}
	}

	r.acks.Register(messageID, requester, ack, nack)

	forward, err := jsoncodec.Marshal(ConnectionForward{
		AckToSender: AckToSender{
			CorrelationID:    messageID,
			DestinationToken: requester,
			Payload:          provider,
			Success:          true,
		},
		ProviderIdentity: provider,
		ClientIdentity:   requester,
		Payload:          req.Payload,
	})
	if err != nil {
		r.acks.Drop(messageID, requester)
		nack(err)
		return ProviderIdentity{}, false
	}

	env := &Envelope{
		Action:    ActionProcessChannelConnection,
		MessageID: messageID,
		Identity:  provider.Identity,
		Payload:   forward,
	}
	if err := r.sender.SendToIdentity(provider.Identity, env); err != nil {
		r.acks.Drop(messageID, requester)
		nack(err)
		return ProviderIdentity{}, false
	}

	r.log.Debug("connection request forwarded", loggingpkg.LogFields{
		"channel_id": provider.ChannelID,
		"requester":  requester.String(),
		"message_id": messageID,
	})
	return provider, true
}

// SendChannelMessage forwards msg to the provider's registered routing
// target after registering a correlation entry. The registry does not
// validate that a channel exists at the target: a missing provider
// manifests as a transport-level delivery failure, not a registry error.
func (r *Registry) SendChannelMessage(sender Identity, msg ChannelMessage, messageID string, ack AckFunc, nack NackFunc) {
	r.acks.Register(messageID, sender, ack, nack)

	target := Identity{UUID: msg.UUID, Name: msg.Name}
	forward, err := jsoncodec.Marshal(MessageForward{
		AckToSender: AckToSender{
			CorrelationID:    messageID,
			DestinationToken: sender,
			Success:          true,
		},
		SenderIdentity:   sender,
		Action:           msg.Action,
		ProviderIdentity: msg.ProviderIdentity,
		Payload:          msg.Payload,
	})
	if err != nil {
		r.acks.Drop(messageID, sender)
		nack(err)
		return
	}

	env := &Envelope{
		Action:    ActionProcessChannelMessage,
		MessageID: messageID,
		Identity:  target,
		Payload:   forward,
	}
	if err := r.sender.SendToIdentity(target, env); err != nil {
		r.log.Error("channel message forward failed", err, loggingpkg.LogFields{
			"target":     target.String(),
			"message_id": messageID,
		})
	}
}

// SendChannelResult is the inverse leg: it resolves or rejects the pending
// correlation entry addressed by (correlationId, destinationToken) and
// removes it. A result with no matching entry is a protocol anomaly, not a
// crash: the reporter's own nack fires with an orphan error.
func (r *Registry) SendChannelResult(reporter Identity, res ChannelResult, ack AckFunc, nack NackFunc) {
	if res.Success {
		resolved := r.acks.Resolve(res.CorrelationID, res.DestinationToken, ResultData{
			Success: true,
			Data:    res.Payload,
		})
		if !resolved {
			r.orphanResult(reporter, res, nack)
			return
		}
	} else {
		reason := errors.New(res.Reason)
		if res.Reason == "" {
			reason = errors.New("provider reported failure without a reason")
		}
		if !r.acks.Reject(res.CorrelationID, res.DestinationToken, reason) {
			r.orphanResult(reporter, res, nack)
			return
		}
	}
	ack(nil)
}

func (r *Registry) orphanResult(reporter Identity, res ChannelResult, nack NackFunc) {
	r.metrics.OrphanResult()
	r.log.Error("result received for unknown correlation key", errspkg.ErrOrphanResult, loggingpkg.LogFields{
		"correlation_id":    res.CorrelationID,
		"destination_token": res.DestinationToken.String(),
		"reporter":          reporter.String(),
	})
	nack(errspkg.ErrOrphanResult)
}

// AddEventListener subscribes listener to channel lifecycle events scoped to
// target (globally for that uuid when the name is absent). The returned
// unsubscribe closure is idempotent.
func (r *Registry) AddEventListener(target Identity, eventType string, listener notifypkg.Handler) func() {
	topic := notifypkg.Topic("channel", eventType, target.UUID, target.Name)
	return r.events.On(topic, listener)
}

// NotifyWindowClosed signals that a window entity went away. Channels it
// owns are torn down and channel-disconnected events fire.
func (r *Registry) NotifyWindowClosed(identity Identity) {
	r.events.Emit(notifypkg.Topic(windowClosedTopic, identity.UUID, identity.Name), identity)
}

// NotifyApplicationClosed signals that an entire application went away.
// Channels owned by any of its entities are removed without emitting
// channel-disconnected.
func (r *Registry) NotifyApplicationClosed(uuid string) {
	r.events.Emit(notifypkg.Topic(applicationClosedTopic, uuid), uuid)
}

// NotifyExternalConnectionClosed signals that an external connection went
// away. Its channels are torn down and channel-disconnected events fire.
func (r *Registry) NotifyExternalConnectionClosed(uuid string) {
	r.events.Emit(notifypkg.Topic(externalConnClosedTopic, uuid), uuid)
}

// emitChannelEvent fans the event out at every scope a listener may have
// subscribed on: global, uuid, and uuid/name.
func (r *Registry) emitChannelEvent(eventType string, provider ProviderIdentity) {
	r.events.Emit(notifypkg.Topic("channel", eventType), provider)
	r.events.Emit(notifypkg.Topic("channel", eventType, provider.UUID), provider)
	if provider.Name != "" {
		r.events.Emit(notifypkg.Topic("channel", eventType, provider.UUID, provider.Name), provider)
	}
}
