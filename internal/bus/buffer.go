package bus

import (
	"encoding/json"

	errspkg "github.com/drblury/interbus/internal/bus/errors"
	idspkg "github.com/drblury/interbus/internal/bus/ids"
	jsoncodec "github.com/drblury/interbus/internal/bus/jsoncodec"
	loggingpkg "github.com/drblury/interbus/internal/bus/logging"

	"sync"
)

// RoutingInfo describes the physical delivery target for an identity.
type RoutingInfo struct {
	// Destination is the transport topic frames for this identity are
	// published to.
	Destination string

	// Reachable is false when the owning window has been destroyed but the
	// routing record has not been reaped yet.
	Reachable bool
}

// RoutingLookup resolves an identity to its physical routing target. Used by
// the outbound buffer at flush time.
type RoutingLookup interface {
	GetRoutingInfo(uuid, name string) (RoutingInfo, bool)
}

// RoutingLookupFunc adapts a function to the RoutingLookup interface.
type RoutingLookupFunc func(uuid, name string) (RoutingInfo, bool)

func (f RoutingLookupFunc) GetRoutingInfo(uuid, name string) (RoutingInfo, bool) {
	return f(uuid, name)
}

type outboundGroup struct {
	target   Identity
	messages []json.RawMessage
}

// Buffer coalesces payloads addressed to the same destination within one
// scheduler tick into a single process-api-batch send. Group records persist
// across ticks; only their message lists are cleared on flush.
type Buffer struct {
	mu             sync.Mutex
	groups         map[string]*outboundGroup
	order          []string
	flushScheduled bool

	sched   taskPoster
	routes  RoutingLookup
	send    func(destination string, payload []byte) error
	log     loggingpkg.ServiceLogger
	metrics *BusMetrics
}

func newBuffer(sched taskPoster, routes RoutingLookup, send func(destination string, payload []byte) error, log loggingpkg.ServiceLogger, metrics *BusMetrics) *Buffer {
	return &Buffer{
		groups:  make(map[string]*outboundGroup),
		sched:   sched,
		routes:  routes,
		send:    send,
		log:     log,
		metrics: metrics,
	}
}

// Enqueue appends the already-serialized payload to the pending group for
// destKey, creating the group on first use. The first enqueue of an
// otherwise-empty cycle schedules a flush on the next scheduler tick; later
// enqueues in the same tick ride the same flush.
func (b *Buffer) Enqueue(destKey string, target Identity, payload json.RawMessage) {
	b.mu.Lock()
	group, ok := b.groups[destKey]
	if !ok {
		group = &outboundGroup{target: target}
		b.groups[destKey] = group
		b.order = append(b.order, destKey)
	}
	group.messages = append(group.messages, payload)

	schedule := !b.flushScheduled
	if schedule {
		b.flushScheduled = true
	}
	b.mu.Unlock()

	if schedule {
		if !b.sched.Post(b.Flush) {
			b.log.Error("scheduler stopped, outbound batch will not flush", nil, loggingpkg.LogFields{
				"destination_key": destKey,
			})
		}
	}
}

// Flush delivers every pending group as one batch per destination, in
// enqueue order inside each batch, then clears the groups' message lists.
// Unreachable destinations are dropped with a diagnostic, never retried.
func (b *Buffer) Flush() {
	b.mu.Lock()
	b.flushScheduled = false

	type pendingBatch struct {
		destKey  string
		target   Identity
		messages []json.RawMessage
	}
	batches := make([]pendingBatch, 0, len(b.order))
	for _, destKey := range b.order {
		group := b.groups[destKey]
		if len(group.messages) == 0 {
			continue
		}
		batches = append(batches, pendingBatch{
			destKey:  destKey,
			target:   group.target,
			messages: group.messages,
		})
		group.messages = nil
	}
	b.mu.Unlock()

	for _, batch := range batches {
		info, ok := b.routes.GetRoutingInfo(batch.target.UUID, batch.target.Name)
		if !ok || !info.Reachable {
			b.metrics.UnreachableDrop()
			b.log.Error("dropping outbound batch", errspkg.ErrUnreachableDestination, loggingpkg.LogFields{
				"destination_key": batch.destKey,
				"target":          batch.target.String(),
				"dropped":         len(batch.messages),
			})
			continue
		}

		payload, err := jsoncodec.Marshal(BatchPayload{Messages: batch.messages})
		if err != nil {
			b.log.Error("failed to encode outbound batch", err, loggingpkg.LogFields{
				"destination_key": batch.destKey,
			})
			continue
		}
		env := Envelope{
			Action:    ActionProcessAPIBatch,
			MessageID: idspkg.CreateULID(),
			Payload:   payload,
		}
		frame, err := jsoncodec.Marshal(env)
		if err != nil {
			b.log.Error("failed to encode outbound frame", err, loggingpkg.LogFields{
				"destination_key": batch.destKey,
			})
			continue
		}

		if err := b.send(info.Destination, frame); err != nil {
			b.log.Error("transport send failed for outbound batch", err, loggingpkg.LogFields{
				"destination_key": batch.destKey,
				"destination":     info.Destination,
			})
			continue
		}
		b.metrics.FlushedBatch(len(batch.messages))
		b.log.Trace("flushed outbound batch", loggingpkg.LogFields{
			"destination_key": batch.destKey,
			"messages":        len(batch.messages),
		})
	}
}

// PendingFor reports the number of buffered messages for destKey.
func (b *Buffer) PendingFor(destKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	group, ok := b.groups[destKey]
	if !ok {
		return 0
	}
	return len(group.messages)
}
