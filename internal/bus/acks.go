package bus

import (
	"sync"

	loggingpkg "github.com/drblury/interbus/internal/bus/logging"
)

// AckFunc resolves a request with a payload.
type AckFunc func(payload any)

// NackFunc rejects a request with a reason. Every nack carries a
// human-readable reason string on the wire.
type NackFunc func(reason error)

type ackEntry struct {
	ack  AckFunc
	nack NackFunc
}

// ackTable maps an outstanding (messageId, requesterIdentity) pair to its
// pending callbacks. Entries are removed exactly once, on receipt of the
// matching result; entries for providers that never report remain forever.
// The pending gauge makes that leak visible.
type ackTable struct {
	mu      sync.Mutex
	entries map[string]*ackEntry
	log     loggingpkg.ServiceLogger
	metrics *BusMetrics
}

func newAckTable(log loggingpkg.ServiceLogger, metrics *BusMetrics) *ackTable {
	return &ackTable{
		entries: make(map[string]*ackEntry),
		log:     log,
		metrics: metrics,
	}
}

// Register stores the pending callbacks for (messageID, requester) and
// returns the correlation key. A second registration with the same key
// overwrites the previous callbacks to stay wire compatible, but the
// collision is logged and counted: the overwritten request can never be
// resolved.
func (t *ackTable) Register(messageID string, requester Identity, ack AckFunc, nack NackFunc) string {
	key := AckKey(messageID, requester)

	t.mu.Lock()
	_, collided := t.entries[key]
	t.entries[key] = &ackEntry{ack: ack, nack: nack}
	pending := len(t.entries)
	t.mu.Unlock()

	if collided {
		t.metrics.AckCollision()
		t.log.Error("correlation key collision, previous callbacks overwritten", nil, loggingpkg.LogFields{
			"ack_key":    key,
			"message_id": messageID,
			"requester":  requester.String(),
		})
	}
	t.metrics.SetPendingAcks(pending)
	return key
}

// take removes and returns the entry for (correlationID, requester).
func (t *ackTable) take(correlationID string, requester Identity) (*ackEntry, bool) {
	key := AckKey(correlationID, requester)

	t.mu.Lock()
	entry, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	pending := len(t.entries)
	t.mu.Unlock()

	if ok {
		t.metrics.SetPendingAcks(pending)
	}
	return entry, ok
}

// Resolve invokes and removes the pending ack for (correlationID,
// requester). Returns false when no entry matched.
func (t *ackTable) Resolve(correlationID string, requester Identity, payload any) bool {
	entry, ok := t.take(correlationID, requester)
	if !ok {
		return false
	}
	if entry.ack != nil {
		entry.ack(payload)
	}
	return true
}

// Reject invokes and removes the pending nack for (correlationID,
// requester). Returns false when no entry matched.
func (t *ackTable) Reject(correlationID string, requester Identity, reason error) bool {
	entry, ok := t.take(correlationID, requester)
	if !ok {
		return false
	}
	if entry.nack != nil {
		entry.nack(reason)
	}
	return true
}

// Drop removes the entry without invoking either callback.
func (t *ackTable) Drop(correlationID string, requester Identity) {
	t.take(correlationID, requester)
}

// Len reports the number of pending entries.
func (t *ackTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
