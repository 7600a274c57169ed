package bus

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	errspkg "github.com/drblury/interbus/internal/bus/errors"
	jsoncodec "github.com/drblury/interbus/internal/bus/jsoncodec"
	loggingpkg "github.com/drblury/interbus/internal/bus/logging"
)

// ActionHandler handles one decoded request. Two calling conventions
// coexist: the handler may invoke ack/nack itself, or return a value/error
// and let the pipeline acknowledge on its behalf. Returning a non-nil value
// produces a success ack; a non-nil error (or a panic) produces a nack.
// Whichever happens first wins; a request is acknowledged at most once.
type ActionHandler func(identity Identity, env *Envelope, ack AckFunc, nack NackFunc) (any, error)

// ActionMap associates wire action names with their handlers.
type ActionMap map[string]ActionHandler

// replyFunc delivers a finished acknowledgement towards dest.
type replyFunc func(dest Identity, ack *AckObject)

// OriginValidator gates dispatch on the requesting frame. Returning an error
// suppresses the handler and nacks with that reason; it is a policy outcome,
// not a fault, and callers must not retry.
type OriginValidator func(identity Identity) error

// Dispatcher resolves inbound envelopes against the registered action map
// and turns each handler outcome into exactly one acknowledgement.
type Dispatcher struct {
	mu      sync.RWMutex
	actions map[string]ActionHandler

	log     loggingpkg.ServiceLogger
	metrics *BusMetrics
	reply   replyFunc
	gate    OriginValidator
}

func NewDispatcher(log loggingpkg.ServiceLogger, metrics *BusMetrics, reply replyFunc, gate OriginValidator) *Dispatcher {
	return &Dispatcher{
		actions: make(map[string]ActionHandler),
		log:     log,
		metrics: metrics,
		reply:   reply,
		gate:    gate,
	}
}

// RegisterAction binds one handler. Duplicate registrations fail: two
// handlers for one action would race for the single acknowledgement.
func (d *Dispatcher) RegisterAction(action string, handler ActionHandler) error {
	if action == "" {
		return errspkg.ErrActionRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.actions[action]; exists {
		return fmt.Errorf("%w: %q", errspkg.ErrDuplicateAction, action)
	}
	d.actions[action] = handler
	return nil
}

// RegisterActionMap binds every handler in m. Registration stops at the
// first failure.
func (d *Dispatcher) RegisterActionMap(m ActionMap) error {
	for action, handler := range m {
		if err := d.RegisterAction(action, handler); err != nil {
			return err
		}
	}
	return nil
}

// Actions returns the registered action names.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.actions))
	for name := range d.actions {
		names = append(names, name)
	}
	return names
}

func (d *Dispatcher) lookup(action string) (ActionHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	handler, ok := d.actions[action]
	return handler, ok
}

// Dispatch resolves env asynchronously and replies through the dispatcher's
// outbound ack path.
func (d *Dispatcher) Dispatch(identity Identity, env *Envelope) {
	d.dispatch(identity, env, d.reply, true)
}

// DispatchSync resolves env on the calling goroutine and returns the
// acknowledgement inline. Sync requests never participate in outbound
// buffering. A handler that defers its acknowledgement past its own return
// yields a nack; a late ack is discarded. An unregistered action, which the
// async path drops without a reply, also surfaces here as an
// ErrSyncHandlerIncomplete nack: a synchronous caller always gets a result.
func (d *Dispatcher) DispatchSync(identity Identity, env *Envelope) *AckObject {
	var (
		mu     sync.Mutex
		result *AckObject
		sealed bool
	)
	capture := func(_ Identity, ack *AckObject) {
		mu.Lock()
		defer mu.Unlock()
		if sealed {
			d.log.Debug("discarding late acknowledgement for synchronous request", loggingpkg.LogFields{
				"correlation_id": ack.CorrelationID,
			})
			return
		}
		result = ack
	}

	d.dispatch(identity, env, capture, false)

	mu.Lock()
	defer mu.Unlock()
	sealed = true
	if result == nil {
		result = d.finishNack(env, cloneBreadcrumbs(env), errspkg.ErrSyncHandlerIncomplete)
	}
	return result
}

// DispatchBatch handles a process-api-batch container. A batch submitted
// with a requester identity is transactional: every sub-message's
// acknowledgement is buffered, and once all of them completed a single
// aggregate acknowledgement is emitted for the whole batch, its payload
// listing the individual ack objects in completion order. A batch without a
// requester identity is transport coalescing by a peer runtime's outbound
// buffer: each sub-message is acknowledged towards its own identity and no
// aggregate exists, so acks can never ack each other across runtimes.
func (d *Dispatcher) DispatchBatch(identity Identity, env *Envelope) {
	var batch BatchPayload
	if err := jsoncodec.Unmarshal(env.Payload, &batch); err != nil {
		if identity.UUID == "" {
			d.log.Error("discarding malformed coalesced batch", err, loggingpkg.LogFields{
				"message_id": env.MessageID,
			})
			return
		}
		d.reply(identity, d.finishNack(env, cloneBreadcrumbs(env), fmt.Errorf("malformed batch payload: %w", err)))
		return
	}

	if identity.UUID == "" {
		for _, raw := range batch.Messages {
			sub := &Envelope{}
			if err := jsoncodec.Unmarshal(raw, sub); err != nil {
				d.log.Error("discarding malformed coalesced sub-message", err, loggingpkg.LogFields{
					"message_id": env.MessageID,
				})
				continue
			}
			sub.Breadcrumbs = append(sub.Breadcrumbs, newBreadcrumb(sub, "batch"))
			d.dispatch(sub.Identity, sub, d.reply, true)
		}
		return
	}

	if len(batch.Messages) == 0 {
		ack := &AckObject{
			CorrelationID:  env.MessageID,
			OriginalAction: env.Action,
			Breadcrumbs:    append(cloneBreadcrumbs(env), newBreadcrumb(env, "ack")),
			Success:        true,
		}
		d.reply(identity, ack)
		return
	}

	agg := &deferredAck{
		expected: len(batch.Messages),
		env:      env,
		identity: identity,
		reply:    d.reply,
	}

	for _, raw := range batch.Messages {
		sub := &Envelope{}
		if err := jsoncodec.Unmarshal(raw, sub); err != nil {
			agg.collect(identity, d.finishNack(sub, nil, fmt.Errorf("malformed batch sub-message: %w", err)))
			continue
		}
		sub.Breadcrumbs = append(sub.Breadcrumbs, newBreadcrumb(sub, "batch"))

		subIdentity := sub.Identity
		if subIdentity.UUID == "" {
			subIdentity = identity
		}
		d.dispatch(subIdentity, sub, agg.collect, true)
	}
}

func (d *Dispatcher) dispatch(identity Identity, env *Envelope, reply replyFunc, async bool) {
	if d.gate != nil {
		if err := d.gate(identity); err != nil {
			reply(identity, d.finishNack(env, cloneBreadcrumbs(env), err))
			return
		}
	}

	handler, ok := d.lookup(env.Action)
	if !ok {
		// No reply at all: callers expecting one will hang. Kept for wire
		// compatibility, surfaced through the log line and drop counter.
		d.metrics.DroppedAction(env.Action)
		d.log.Error("dropping request for unregistered action", nil, loggingpkg.LogFields{
			"action":     env.Action,
			"message_id": env.MessageID,
			"identity":   identity.String(),
		})
		return
	}

	crumbs := append(cloneBreadcrumbs(env), newBreadcrumb(env, "dispatch"))

	var once sync.Once
	ack := func(payload any) {
		once.Do(func() {
			reply(identity, d.finishAck(env, crumbs, payload))
		})
	}
	nack := func(reason error) {
		once.Do(func() {
			reply(identity, d.finishNack(env, crumbs, reason))
		})
	}

	run := func() {
		tracer := otel.Tracer("interbus-dispatcher")
		_, span := tracer.Start(context.Background(), "DispatchAction")
		defer span.End()
		span.SetAttributes(
			attribute.String("bus.action", env.Action),
			attribute.String("bus.message_id", env.MessageID),
			attribute.String("bus.identity", identity.String()),
		)

		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("handler panic: %v", r)
				span.RecordError(err)
				d.log.Error("handler panicked", err, loggingpkg.LogFields{
					"action":     env.Action,
					"message_id": env.MessageID,
				})
				nack(err)
			}
		}()

		value, err := handler(identity, env, ack, nack)
		if err != nil {
			span.RecordError(err)
			nack(err)
			return
		}
		if value != nil {
			ack(value)
		}
	}

	if async {
		go run()
	} else {
		run()
	}
}

func (d *Dispatcher) finishAck(env *Envelope, crumbs []Breadcrumb, payload any) *AckObject {
	return &AckObject{
		CorrelationID:  env.MessageID,
		OriginalAction: env.Action,
		Breadcrumbs:    append(crumbs, newBreadcrumb(env, "ack")),
		Payload:        payload,
		Success:        true,
	}
}

func (d *Dispatcher) finishNack(env *Envelope, crumbs []Breadcrumb, reason error) *AckObject {
	if reason == nil {
		reason = fmt.Errorf("request failed for unknown reason")
	}
	return &AckObject{
		CorrelationID:  env.MessageID,
		OriginalAction: env.Action,
		Breadcrumbs:    append(crumbs, newBreadcrumb(env, "nack")),
		Payload:        reason.Error(),
		Success:        false,
	}
}

func cloneBreadcrumbs(env *Envelope) []Breadcrumb {
	if env == nil || len(env.Breadcrumbs) == 0 {
		return nil
	}
	crumbs := make([]Breadcrumb, len(env.Breadcrumbs))
	copy(crumbs, env.Breadcrumbs)
	return crumbs
}

// deferredAck is the Pending -> Complete state machine behind a
// transactional batch. The transition to Complete fires the single outward
// acknowledgement exactly once; collected acks keep completion order, not
// request order.
type deferredAck struct {
	mu       sync.Mutex
	expected int
	acks     []*AckObject
	done     bool

	env      *Envelope
	identity Identity
	reply    replyFunc
}

func (a *deferredAck) collect(_ Identity, ack *AckObject) {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.acks = append(a.acks, ack)
	complete := len(a.acks) == a.expected
	if complete {
		a.done = true
	}
	collected := a.acks
	a.mu.Unlock()

	if !complete {
		return
	}

	success := true
	for _, sub := range collected {
		if !sub.Success {
			success = false
			break
		}
	}
	a.reply(a.identity, &AckObject{
		CorrelationID:  a.env.MessageID,
		OriginalAction: a.env.Action,
		Breadcrumbs:    append(cloneBreadcrumbs(a.env), newBreadcrumb(a.env, "ack")),
		Payload:        collected,
		Success:        success,
	})
}
