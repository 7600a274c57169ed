// Package notify implements the in-process notification bus used for channel
// lifecycle events and entity close notifications. Topics are namespaced
// strings composed from a category, optional uuid, and optional window name,
// joined with '/'.
package notify

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Handler receives the payload emitted on a topic.
type Handler func(payload any)

type entry struct {
	fn   Handler
	once bool
}

// Bus is a topic-keyed listener registry. Emit calls listeners for the exact
// topic only; callers that want broader scope subscribe to a shorter topic.
type Bus struct {
	mu        sync.Mutex
	listeners map[string]map[string]*entry
}

// New returns an empty notification bus.
func New() *Bus {
	return &Bus{listeners: make(map[string]map[string]*entry)}
}

// Topic joins the non-empty parts with '/'.
func Topic(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// On registers a listener for topic and returns an idempotent unsubscribe
// closure.
func (b *Bus) On(topic string, fn Handler) func() {
	return b.add(topic, fn, false)
}

// Once registers a listener that self-disarms after its first invocation.
// The returned closure cancels the watch early; calling it after the
// listener fired, or more than once, is a no-op.
func (b *Bus) Once(topic string, fn Handler) func() {
	return b.add(topic, fn, true)
}

func (b *Bus) add(topic string, fn Handler, once bool) func() {
	if fn == nil {
		return func() {}
	}
	token := uuid.NewString()

	b.mu.Lock()
	m, ok := b.listeners[topic]
	if !ok {
		m = make(map[string]*entry)
		b.listeners[topic] = m
	}
	m[token] = &entry{fn: fn, once: once}
	b.mu.Unlock()

	return func() { b.remove(topic, token) }
}

func (b *Bus) remove(topic, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.listeners[topic]
	if !ok {
		return
	}
	delete(m, token)
	if len(m) == 0 {
		delete(b.listeners, topic)
	}
}

// Emit delivers payload to every listener registered for exactly this topic.
// One-shot listeners are disarmed before their handler runs, so a handler
// that re-emits cannot fire itself twice.
func (b *Bus) Emit(topic string, payload any) {
	b.mu.Lock()
	m := b.listeners[topic]
	fired := make([]Handler, 0, len(m))
	for token, e := range m {
		fired = append(fired, e.fn)
		if e.once {
			delete(m, token)
		}
	}
	if len(m) == 0 {
		delete(b.listeners, topic)
	}
	b.mu.Unlock()

	for _, fn := range fired {
		fn(payload)
	}
}

// ListenerCount reports the number of listeners registered for topic.
func (b *Bus) ListenerCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[topic])
}
