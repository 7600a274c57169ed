package bus

import (
	"sync"

	idspkg "github.com/drblury/interbus/internal/bus/ids"
	jsoncodec "github.com/drblury/interbus/internal/bus/jsoncodec"
	loggingpkg "github.com/drblury/interbus/internal/bus/logging"
	notifypkg "github.com/drblury/interbus/internal/bus/notify"
)

// Subscription intent actions announced to peer runtimes so they start (or
// stop) forwarding matching events across the runtime boundary.
const (
	ActionSubscribeIntent   = "subscribe-intent"
	ActionUnsubscribeIntent = "unsubscribe-intent"
)

// SubscriptionIntent is the payload of a subscribe/unsubscribe-intent
// envelope.
type SubscriptionIntent struct {
	Topic      string   `json:"topic"`
	Subscriber Identity `json:"subscriber"`
}

// SubscriptionManager provides per-topic pub/sub with reference counting.
// The first subscription on a topic announces interest to peer runtimes;
// dropping the last one withdraws it.
type SubscriptionManager struct {
	mu   sync.Mutex
	refs map[string]int

	events *notifypkg.Bus
	sender Sender
	peers  func() []Identity
	log    loggingpkg.ServiceLogger
}

// NewSubscriptionManager builds a subscription manager over the bus's
// notification fan-out. peers supplies the runtime identities that should
// receive subscription intent; it may be nil for single-runtime use.
func NewSubscriptionManager(events *notifypkg.Bus, sender Sender, peers func() []Identity, log loggingpkg.ServiceLogger) *SubscriptionManager {
	return &SubscriptionManager{
		refs:   make(map[string]int),
		events: events,
		sender: sender,
		peers:  peers,
		log:    log,
	}
}

// Subscribe registers handler for topic on behalf of subscriber and returns
// an idempotent unsubscribe closure. The topic's refcount governs intent
// forwarding, not delivery: every live subscriber receives every Publish.
func (s *SubscriptionManager) Subscribe(subscriber Identity, topic string, handler notifypkg.Handler) func() {
	unsub := s.events.On(topic, handler)

	s.mu.Lock()
	s.refs[topic]++
	first := s.refs[topic] == 1
	s.mu.Unlock()

	if first {
		s.announce(ActionSubscribeIntent, subscriber, topic)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()

			s.mu.Lock()
			s.refs[topic]--
			last := s.refs[topic] == 0
			if last {
				delete(s.refs, topic)
			}
			s.mu.Unlock()

			if last {
				s.announce(ActionUnsubscribeIntent, subscriber, topic)
			}
		})
	}
}

// Publish delivers payload to every local subscriber of topic.
func (s *SubscriptionManager) Publish(topic string, payload any) {
	s.events.Emit(topic, payload)
}

// RefCount reports the number of live subscriptions for topic.
func (s *SubscriptionManager) RefCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[topic]
}

func (s *SubscriptionManager) announce(action string, subscriber Identity, topic string) {
	if s.peers == nil || s.sender == nil {
		return
	}
	payload, err := jsoncodec.Marshal(SubscriptionIntent{Topic: topic, Subscriber: subscriber})
	if err != nil {
		s.log.Error("failed to encode subscription intent", err, loggingpkg.LogFields{"topic": topic})
		return
	}
	for _, peer := range s.peers() {
		env := &Envelope{
			Action:    action,
			MessageID: idspkg.CreateULID(),
			Identity:  peer,
			Payload:   payload,
		}
		if err := s.sender.SendToIdentity(peer, env); err != nil {
			s.log.Error("failed to forward subscription intent", err, loggingpkg.LogFields{
				"topic": topic,
				"peer":  peer.String(),
			})
		}
	}
}
