package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/interbus/internal/bus/config"
	errspkg "github.com/drblury/interbus/internal/bus/errors"
	idspkg "github.com/drblury/interbus/internal/bus/ids"
	jsoncodec "github.com/drblury/interbus/internal/bus/jsoncodec"
	loggingpkg "github.com/drblury/interbus/internal/bus/logging"
	notifypkg "github.com/drblury/interbus/internal/bus/notify"
	transportpkg "github.com/drblury/interbus/transport"
)

// Dependencies holds the optional collaborators a Service can use. Leave
// fields nil to use the single-runtime defaults.
type Dependencies struct {
	// EntityResolver resolves channel owners. The default resolves every
	// identity to a window entity, which is correct when the embedding
	// runtime performs its own lifecycle checks before calling in.
	EntityResolver EntityResolver

	// RoutingLookup resolves identities to physical destinations. The
	// default routes every identity to this runtime's own topic
	// (single-runtime deployment); multi-runtime meshes inject a lookup
	// backed by their lifecycle manager.
	RoutingLookup RoutingLookup

	// TransportRegistry overrides the default transport registry.
	TransportRegistry *transportpkg.Registry

	// Metrics overrides the collectors; nil creates them when
	// Config.MetricsEnabled is set.
	Metrics *BusMetrics

	// OriginValidator optionally gates dispatch per requesting frame.
	OriginValidator OriginValidator

	// Notifications overrides the in-process notification bus.
	Notifications *notifypkg.Bus

	// Peers supplies the runtime identities that receive subscription
	// intent announcements.
	Peers func() []Identity
}

// Service wires a transport, the channel registry, the dispatch pipeline,
// and the outbound buffer into one runtime instance of the bus.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber

	registry   *Registry
	dispatcher *Dispatcher
	buffer     *Buffer
	events     *notifypkg.Bus
	subs       *SubscriptionManager
	sched      *scheduler
	metrics    *BusMetrics

	// requests tracks acks for requests this runtime originated. Kept
	// separate from the registry's correlation table so a loopback route
	// cannot collide both sides of one request under the same key.
	requests *ackTable

	local     Identity
	topic     string
	closeOnce sync.Once
}

// NewService constructs a Service for the supplied configuration. Register
// client action handlers on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps Dependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("creating bus service", loggingpkg.LogFields{
		"transport": conf.Transport,
		"config":    conf,
	})

	registry := deps.TransportRegistry
	if registry == nil {
		registry = transportpkg.DefaultRegistry
	}
	tr, err := registry.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to build transport: %w", err)
	}

	metrics := deps.Metrics
	if metrics == nil && conf.MetricsEnabled {
		metrics = NewBusMetrics(nil)
	}
	if err := metrics.Register(); err != nil {
		return nil, err
	}

	events := deps.Notifications
	if events == nil {
		events = notifypkg.New()
	}

	s := &Service{
		Conf:       conf,
		Logger:     log,
		publisher:  tr.Publisher,
		subscriber: tr.Subscriber,
		events:     events,
		sched:      newScheduler(),
		metrics:    metrics,
		requests:   newAckTable(log, nil),
		local:      Identity{UUID: conf.RuntimeUUID},
	}
	s.topic = conf.RuntimeTopic(conf.RuntimeUUID)

	routes := deps.RoutingLookup
	if routes == nil {
		routes = s.loopbackRouting()
	}
	s.buffer = newBuffer(s.sched, routes, s.publishFrame, log, metrics)

	resolver := deps.EntityResolver
	if resolver == nil {
		resolver = EntityResolverFunc(func(identity Identity) (Entity, bool) {
			return Entity{Identity: identity, Kind: EntityWindow}, true
		})
	}

	s.dispatcher = NewDispatcher(log, metrics, s.sendAck, deps.OriginValidator)
	s.registry = NewRegistry(resolver, s, events, log, metrics)
	s.subs = NewSubscriptionManager(events, s, deps.Peers, log)

	if err := s.dispatcher.RegisterActionMap(s.busActions()); err != nil {
		return nil, err
	}

	return s, nil
}

// loopbackRouting treats every identity as hosted by this runtime.
func (s *Service) loopbackRouting() RoutingLookup {
	return RoutingLookupFunc(func(uuid, name string) (RoutingInfo, bool) {
		return RoutingInfo{Destination: s.topic, Reachable: true}, true
	})
}

func (s *Service) publishFrame(destination string, payload []byte) error {
	return s.publisher.Publish(destination, message.NewMessage(idspkg.CreateULID(), payload))
}

// LocalIdentity returns the runtime-scoped identity this instance answers
// as, derived from the configured runtime UUID.
func (s *Service) LocalIdentity() Identity {
	return s.local
}

// Registry exposes the channel registry contract.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Events exposes the in-process notification bus.
func (s *Service) Events() *notifypkg.Bus {
	return s.events
}

// Subscriptions exposes the per-topic subscription manager.
func (s *Service) Subscriptions() *SubscriptionManager {
	return s.subs
}

// RegisterActionMap binds client handlers onto the dispatch pipeline.
func (s *Service) RegisterActionMap(m ActionMap) error {
	return s.dispatcher.RegisterActionMap(m)
}

// RegisterAction binds a single client handler.
func (s *Service) RegisterAction(action string, handler ActionHandler) error {
	return s.dispatcher.RegisterAction(action, handler)
}

// SendToIdentity queues env for delivery to identity through the outbound
// buffer; payloads for the same destination within one scheduler tick leave
// as a single batch.
func (s *Service) SendToIdentity(identity Identity, env *Envelope) error {
	if identity.UUID == "" {
		return errspkg.ErrIdentityRequired
	}
	frame, err := jsoncodec.Marshal(env)
	if err != nil {
		return err
	}
	s.buffer.Enqueue(destinationKey(identity), identity, frame)
	return nil
}

// destinationKey derives the buffer grouping key from the routing target.
func destinationKey(identity Identity) string {
	return identity.UUID + "/" + identity.Name
}

// sendAck routes a finished acknowledgement back towards its requester. An
// empty destination means the request originated inside this process and
// the ack was already observed through its closure; nothing goes on the
// wire.
func (s *Service) sendAck(dest Identity, ack *AckObject) {
	if dest.UUID == "" {
		s.Logger.Trace("acknowledgement terminated locally", loggingpkg.LogFields{
			"correlation_id": ack.CorrelationID,
		})
		return
	}
	payload, err := jsoncodec.Marshal(ack)
	if err != nil {
		s.Logger.Error("failed to encode acknowledgement", err, loggingpkg.LogFields{
			"correlation_id": ack.CorrelationID,
		})
		return
	}
	env := &Envelope{
		Action:    ActionAck,
		MessageID: idspkg.CreateULID(),
		Identity:  dest,
		Payload:   payload,
	}
	if err := s.SendToIdentity(dest, env); err != nil {
		s.Logger.Error("failed to queue acknowledgement", err, loggingpkg.LogFields{
			"correlation_id": ack.CorrelationID,
		})
	}
}

// SendBatch queues one transactional batch for delivery to the target. The
// receiving runtime acknowledges the batch as a whole; the aggregate ack
// payload lists the individual outcomes in completion order. The from
// identity is the requester the aggregate ack returns to.
func (s *Service) SendBatch(to, from Identity, msgs []*Envelope) error {
	env, err := batchEnvelope(from, msgs)
	if err != nil {
		return err
	}
	return s.SendToIdentity(to, env)
}

// RequestBatch submits a transactional batch and blocks until the aggregate
// acknowledgement arrives or ctx is done. A batch containing any failed
// sub-message resolves as an error whose text carries the outcome list.
func (s *Service) RequestBatch(ctx context.Context, from, to Identity, msgs []*Envelope) (any, error) {
	payload, err := batchRawMessages(msgs)
	if err != nil {
		return nil, err
	}
	return s.Request(ctx, from, to, ActionProcessAPIBatch, BatchPayload{Messages: payload})
}

func batchEnvelope(from Identity, msgs []*Envelope) (*Envelope, error) {
	payload, err := batchRawMessages(msgs)
	if err != nil {
		return nil, err
	}
	raw, err := jsoncodec.Marshal(BatchPayload{Messages: payload})
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Action:    ActionProcessAPIBatch,
		MessageID: idspkg.CreateULID(),
		Identity:  from,
		Payload:   raw,
	}, nil
}

func batchRawMessages(msgs []*Envelope) ([]json.RawMessage, error) {
	if len(msgs) == 0 {
		return nil, errspkg.ErrPayloadRequired
	}
	out := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		m.MessageID = idspkg.MessageID(m.MessageID)
		raw, err := jsoncodec.Marshal(m)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// Request sends action to the target identity and blocks until the remote
// acknowledgement resolves the correlation entry or ctx is done.
func (s *Service) Request(ctx context.Context, from, to Identity, action string, payload any) (any, error) {
	if action == "" {
		return nil, errspkg.ErrActionRequired
	}
	var raw []byte
	if payload != nil {
		var err error
		raw, err = jsoncodec.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	messageID := idspkg.CreateULID()
	type outcome struct {
		payload any
		err     error
	}
	done := make(chan outcome, 1)
	s.requests.Register(messageID, from,
		func(p any) { done <- outcome{payload: p} },
		func(e error) { done <- outcome{err: e} },
	)

	env := &Envelope{
		Action:    action,
		MessageID: messageID,
		Identity:  from,
		Payload:   raw,
	}
	if err := s.SendToIdentity(to, env); err != nil {
		s.requests.Drop(messageID, from)
		return nil, err
	}

	select {
	case <-ctx.Done():
		s.requests.Drop(messageID, from)
		return nil, ctx.Err()
	case out := <-done:
		return out.payload, out.err
	}
}

// Call dispatches env synchronously inside this process and returns the
// acknowledgement inline, bypassing the outbound buffer.
func (s *Service) Call(identity Identity, env *Envelope) *AckObject {
	env.MessageID = idspkg.MessageID(env.MessageID)
	return s.dispatcher.DispatchSync(identity, env)
}

// Stats is a point-in-time diagnostic snapshot.
type Stats struct {
	RegisteredChannels int      `json:"registered_channels"`
	PendingAcks        int      `json:"pending_acks"`
	RegisteredActions  []string `json:"registered_actions"`
}

// Stats reports the bus's current registry and correlation state.
func (s *Service) Stats() Stats {
	return Stats{
		RegisteredChannels: s.registry.ChannelCount(),
		PendingAcks:        s.registry.PendingAcks(),
		RegisteredActions:  s.dispatcher.Actions(),
	}
}

// Start runs the frame loop until the provided context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.sched.Start()
	s.startMetricsServer()

	frames, err := s.subscriber.Subscribe(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to runtime topic %q: %w", s.topic, err)
	}
	s.Logger.Info("bus service started", loggingpkg.LogFields{
		"runtime_uuid": s.Conf.RuntimeUUID,
		"topic":        s.topic,
	})

	for {
		select {
		case <-ctx.Done():
			s.sched.Stop()
			return ctx.Err()
		case msg, ok := <-frames:
			if !ok {
				s.sched.Stop()
				return nil
			}
			s.handleFrame(msg)
			msg.Ack()
		}
	}
}

func (s *Service) startMetricsServer() {
	if !s.Conf.MetricsEnabled || s.Conf.MetricsPort <= 0 {
		return
	}
	addr := fmt.Sprintf(":%d", s.Conf.MetricsPort)
	s.Logger.Info("starting metrics server", loggingpkg.LogFields{"address": addr})
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			s.Logger.Error("metrics server failed", err, loggingpkg.LogFields{"address": addr})
		}
	}()
}

func (s *Service) handleFrame(msg *message.Message) {
	env := &Envelope{}
	if err := jsoncodec.Unmarshal(msg.Payload, env); err != nil {
		s.Logger.Error("discarding malformed frame", err, loggingpkg.LogFields{
			"frame_uuid": msg.UUID,
		})
		return
	}
	env.MessageID = idspkg.MessageID(env.MessageID)
	env.Breadcrumbs = append(env.Breadcrumbs, newBreadcrumb(env, "receive"))

	switch {
	case env.Action == ActionProcessAPIBatch:
		s.dispatcher.DispatchBatch(env.Identity, env)
	case env.IsSync:
		ack := s.dispatcher.DispatchSync(env.Identity, env)
		s.sendSyncAck(env.Identity, ack)
	default:
		s.dispatcher.Dispatch(env.Identity, env)
	}
}

// sendSyncAck replies to a synchronous frame immediately, bypassing the
// outbound buffer.
func (s *Service) sendSyncAck(dest Identity, ack *AckObject) {
	if dest.UUID == "" {
		return
	}
	payload, err := jsoncodec.Marshal(ack)
	if err != nil {
		s.Logger.Error("failed to encode synchronous acknowledgement", err, nil)
		return
	}
	env := &Envelope{
		Action:    ActionAck,
		MessageID: idspkg.CreateULID(),
		Identity:  dest,
		Payload:   payload,
	}
	frame, err := jsoncodec.Marshal(env)
	if err != nil {
		s.Logger.Error("failed to encode synchronous frame", err, nil)
		return
	}
	info, ok := s.buffer.routes.GetRoutingInfo(dest.UUID, dest.Name)
	if !ok || !info.Reachable {
		s.metrics.UnreachableDrop()
		s.Logger.Error("dropping synchronous acknowledgement", errspkg.ErrUnreachableDestination, loggingpkg.LogFields{
			"target": dest.String(),
		})
		return
	}
	if err := s.publishFrame(info.Destination, frame); err != nil {
		s.Logger.Error("transport send failed for synchronous acknowledgement", err, nil)
	}
}

// Close releases the transport and stops the scheduler. Safe to call more
// than once.
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.sched.Stop()
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// busActions is the action map the bus itself serves.
func (s *Service) busActions() ActionMap {
	return ActionMap{
		ActionCreateChannel:      s.handleCreateChannel,
		ActionConnectToChannel:   s.handleConnectToChannel,
		ActionSendChannelMessage: s.handleSendChannelMessage,
		ActionSendChannelResult:  s.handleSendChannelResult,
		ActionAck:                s.handleAck,
		ActionProcessAPIBatch:    s.handleBatch,
	}
}

func (s *Service) handleCreateChannel(identity Identity, env *Envelope, ack AckFunc, nack NackFunc) (any, error) {
	var req CreateChannelRequest
	if len(env.Payload) > 0 {
		if err := jsoncodec.Unmarshal(env.Payload, &req); err != nil {
			return nil, err
		}
	}
	provider, err := s.registry.CreateChannel(identity, req.ChannelName)
	if err != nil {
		return nil, err
	}
	return provider, nil
}

func (s *Service) handleConnectToChannel(identity Identity, env *Envelope, ack AckFunc, nack NackFunc) (any, error) {
	var req ConnectRequest
	if err := jsoncodec.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	// The ack stays pending until the provider reports a result through
	// send-channel-result.
	s.registry.ConnectToChannel(identity, req, env.MessageID, ack, nack)
	return nil, nil
}

func (s *Service) handleSendChannelMessage(identity Identity, env *Envelope, ack AckFunc, nack NackFunc) (any, error) {
	var msg ChannelMessage
	if err := jsoncodec.Unmarshal(env.Payload, &msg); err != nil {
		return nil, err
	}
	s.registry.SendChannelMessage(identity, msg, env.MessageID, ack, nack)
	return nil, nil
}

func (s *Service) handleSendChannelResult(identity Identity, env *Envelope, ack AckFunc, nack NackFunc) (any, error) {
	var res ChannelResult
	if err := jsoncodec.Unmarshal(env.Payload, &res); err != nil {
		return nil, err
	}
	s.registry.SendChannelResult(identity, res, ack, nack)
	return nil, nil
}

// handleBatch routes a batch that arrived nested inside another frame, for
// example a client-submitted transaction coalesced by a peer runtime's
// outbound buffer. The batch machinery produces the reply, so the enclosing
// dispatch must stay silent.
func (s *Service) handleBatch(identity Identity, env *Envelope, ack AckFunc, nack NackFunc) (any, error) {
	s.dispatcher.DispatchBatch(identity, env)
	return nil, nil
}

// handleAck resolves a correlation entry for a request this runtime
// originated. It never produces a reply of its own: acknowledging an
// acknowledgement would loop.
func (s *Service) handleAck(identity Identity, env *Envelope, ack AckFunc, nack NackFunc) (any, error) {
	var remote AckObject
	if err := jsoncodec.Unmarshal(env.Payload, &remote); err != nil {
		s.Logger.Error("discarding malformed acknowledgement", err, nil)
		return nil, nil
	}

	var handled bool
	if remote.Success {
		handled = s.requests.Resolve(remote.CorrelationID, identity, remote.Payload)
	} else {
		reason := fmt.Errorf("%v", remote.Payload)
		handled = s.requests.Reject(remote.CorrelationID, identity, reason)
	}
	if !handled {
		s.metrics.OrphanResult()
		s.Logger.Error("acknowledgement received for unknown correlation key", errspkg.ErrOrphanResult, loggingpkg.LogFields{
			"correlation_id": remote.CorrelationID,
			"identity":       identity.String(),
		})
	}
	return nil, nil
}
