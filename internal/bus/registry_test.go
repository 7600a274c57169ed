package bus

import (
	"encoding/json"
	"errors"
	"testing"

	errspkg "github.com/drblury/interbus/internal/bus/errors"
	jsoncodec "github.com/drblury/interbus/internal/bus/jsoncodec"
	notifypkg "github.com/drblury/interbus/internal/bus/notify"
)

func resolveAll(kind EntityKind) EntityResolver {
	return EntityResolverFunc(func(identity Identity) (Entity, bool) {
		return Entity{Identity: identity, Kind: kind}, true
	})
}

func newTestRegistry(t *testing.T, resolver EntityResolver) (*Registry, *captureSender, *notifypkg.Bus) {
	t.Helper()
	sender := &captureSender{}
	events := notifypkg.New()
	if resolver == nil {
		resolver = resolveAll(EntityWindow)
	}
	return NewRegistry(resolver, sender, events, newTestLogger(), nil), sender, events
}

func TestCreateChannel(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	owner := Identity{UUID: "app", Name: "win"}

	provider, err := reg.CreateChannel(owner, "orders")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if provider.ChannelID != "app/win/orders" {
		t.Fatalf("channel id = %q", provider.ChannelID)
	}
	if reg.ChannelCount() != 1 {
		t.Fatalf("channel count = %d", reg.ChannelCount())
	}

	got, ok := reg.GetChannelByChannelID("app/win/orders")
	if !ok || got.ChannelName != "orders" {
		t.Fatalf("lookup by id = %+v, ok=%v", got, ok)
	}
}

func TestCreateChannelDuplicateFails(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	owner := Identity{UUID: "app", Name: "win"}

	if _, err := reg.CreateChannel(owner, "orders"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := reg.CreateChannel(owner, "orders")
	if !errspkg.IsRegistrationError(err) {
		t.Fatalf("duplicate create error = %v", err)
	}
	if reg.ChannelCount() != 1 {
		t.Fatal("failed registration must leave no partial state")
	}
}

func TestCreateChannelUnresolvableOwnerFails(t *testing.T) {
	resolver := EntityResolverFunc(func(Identity) (Entity, bool) {
		return Entity{}, false
	})
	reg, _, _ := newTestRegistry(t, resolver)

	_, err := reg.CreateChannel(Identity{UUID: "ghost", Name: "win"}, "orders")
	if !errspkg.IsRegistrationError(err) {
		t.Fatalf("unresolvable owner error = %v", err)
	}
	if reg.ChannelCount() != 0 {
		t.Fatal("no channel may be registered for an unknown owner")
	}
}

func TestGetChannelsByIdentity(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	winA := Identity{UUID: "app", Name: "a"}
	winB := Identity{UUID: "app", Name: "b"}
	other := Identity{UUID: "other", Name: "c"}

	reg.CreateChannel(winA, "one")
	reg.CreateChannel(winB, "two")
	reg.CreateChannel(other, "three")

	// Uuid-wide match when the name is empty.
	all := reg.GetChannelsByIdentity(Identity{UUID: "app"})
	if len(all) != 2 {
		t.Fatalf("uuid-wide matches = %d", len(all))
	}

	exact := reg.GetChannelsByIdentity(winB)
	if len(exact) != 1 || exact[0].ChannelName != "two" {
		t.Fatalf("exact matches = %+v", exact)
	}

	if got := reg.GetChannelsByIdentity(Identity{UUID: "nobody"}); len(got) != 0 {
		t.Fatalf("unknown identity matches = %d", len(got))
	}
}

func TestGetChannelByChannelNameIsFirstRegistered(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)

	reg.CreateChannel(Identity{UUID: "app-1", Name: "w"}, "shared")
	reg.CreateChannel(Identity{UUID: "app-2", Name: "w"}, "shared")

	got, ok := reg.GetChannelByChannelName("shared")
	if !ok {
		t.Fatal("channel not found by name")
	}
	if got.UUID != "app-1" {
		t.Fatalf("first-registered provider = %q", got.UUID)
	}
}

func TestWindowCloseTearsDownAndEmitsDisconnected(t *testing.T) {
	reg, _, events := newTestRegistry(t, nil)
	owner := Identity{UUID: "app", Name: "win"}
	reg.CreateChannel(owner, "orders")

	var disconnected []any
	reg.AddEventListener(Identity{UUID: "app"}, ChannelDisconnectedEvent, func(payload any) {
		disconnected = append(disconnected, payload)
	})

	reg.NotifyWindowClosed(owner)

	if reg.ChannelCount() != 0 {
		t.Fatal("channel survived its owner")
	}
	if len(disconnected) != 1 {
		t.Fatalf("disconnected events = %d", len(disconnected))
	}
	provider, ok := disconnected[0].(ProviderIdentity)
	if !ok || provider.ChannelID != "app/win/orders" {
		t.Fatalf("disconnected payload = %+v", disconnected[0])
	}

	// Both teardown watches are disarmed once the channel is gone.
	if n := events.ListenerCount(notifypkg.Topic("window/closed", "app", "win")); n != 0 {
		t.Fatalf("window close watch still armed: %d", n)
	}
	if n := events.ListenerCount(notifypkg.Topic("application/closed", "app")); n != 0 {
		t.Fatalf("application close watch still armed: %d", n)
	}
}

func TestApplicationCloseRemovesSilently(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	reg.CreateChannel(Identity{UUID: "app", Name: "a"}, "one")
	reg.CreateChannel(Identity{UUID: "app", Name: "b"}, "two")

	disconnects := 0
	reg.AddEventListener(Identity{}, ChannelDisconnectedEvent, func(any) { disconnects++ })

	reg.NotifyApplicationClosed("app")

	if reg.ChannelCount() != 0 {
		t.Fatalf("channels left after application close = %d", reg.ChannelCount())
	}
	if disconnects != 0 {
		t.Fatalf("application close must remove silently, got %d events", disconnects)
	}
}

func TestExternalConnectionCloseListensOnUUIDOnly(t *testing.T) {
	reg, _, _ := newTestRegistry(t, resolveAll(EntityExternalConnection))
	reg.CreateChannel(Identity{UUID: "ext-conn", Name: "adapter"}, "bridge")

	reg.NotifyExternalConnectionClosed("ext-conn")

	if reg.ChannelCount() != 0 {
		t.Fatal("external connection channel survived its connection")
	}
}

func TestChannelConnectedEventFiresAtAllScopes(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)

	var global, byUUID, byWindow int
	reg.AddEventListener(Identity{}, ChannelConnectedEvent, func(any) { global++ })
	reg.AddEventListener(Identity{UUID: "app"}, ChannelConnectedEvent, func(any) { byUUID++ })
	reg.AddEventListener(Identity{UUID: "app", Name: "win"}, ChannelConnectedEvent, func(any) { byWindow++ })
	reg.AddEventListener(Identity{UUID: "other"}, ChannelConnectedEvent, func(any) {
		t.Error("listener for an unrelated uuid fired")
	})

	reg.CreateChannel(Identity{UUID: "app", Name: "win"}, "orders")

	if global != 1 || byUUID != 1 || byWindow != 1 {
		t.Fatalf("scopes fired: global=%d uuid=%d window=%d", global, byUUID, byWindow)
	}
}

func TestConnectToChannelByName(t *testing.T) {
	reg, sender, _ := newTestRegistry(t, nil)
	providerOwner := Identity{UUID: "provider-app", Name: "w"}
	reg.CreateChannel(providerOwner, "orders")

	client := Identity{UUID: "client-app", Name: "main"}
	provider, ok := reg.ConnectToChannel(client, ConnectRequest{ChannelName: "orders"}, "msg-1", func(any) {}, func(error) {
		t.Error("connect must not nack")
	})
	if !ok {
		t.Fatal("connect failed")
	}
	if provider.ChannelID != "provider-app/w/orders" {
		t.Fatalf("resolved provider = %+v", provider)
	}

	if sender.count() != 1 {
		t.Fatalf("forwarded envelopes = %d", sender.count())
	}
	sent := sender.last()
	if !sent.target.Equal(providerOwner) {
		t.Fatalf("forward target = %v", sent.target)
	}
	if sent.env.Action != ActionProcessChannelConnection {
		t.Fatalf("forward action = %q", sent.env.Action)
	}

	var fwd ConnectionForward
	if err := jsoncodec.Unmarshal(sent.env.Payload, &fwd); err != nil {
		t.Fatalf("forward payload: %v", err)
	}
	if fwd.AckToSender.CorrelationID != "msg-1" {
		t.Fatalf("forward correlation id = %q", fwd.AckToSender.CorrelationID)
	}
	if !fwd.AckToSender.DestinationToken.Equal(client) {
		t.Fatalf("forward destination token = %v", fwd.AckToSender.DestinationToken)
	}
	if !fwd.ClientIdentity.Equal(client) {
		t.Fatalf("forward client identity = %v", fwd.ClientIdentity)
	}

	if reg.PendingAcks() != 1 {
		t.Fatalf("pending acks = %d", reg.PendingAcks())
	}
}

func TestConnectToChannelNoProviderNacksWithStableSentinel(t *testing.T) {
	reg, sender, _ := newTestRegistry(t, nil)

	var reason error
	_, ok := reg.ConnectToChannel(Identity{UUID: "client"}, ConnectRequest{ChannelName: "missing"}, "msg-1",
		func(any) { t.Error("must not ack") },
		func(err error) { reason = err })

	if ok {
		t.Fatal("connect to a missing channel succeeded")
	}
	// External adapters match this string; it must never change.
	if reason == nil || reason.Error() != "internal-nack" {
		t.Fatalf("nack reason = %v", reason)
	}
	if sender.count() != 0 {
		t.Fatal("nothing may be forwarded without a provider")
	}
	if reg.PendingAcks() != 0 {
		t.Fatal("no correlation entry may remain for a failed connect")
	}
}

func TestConnectToChannelAmbiguousIdentityNacks(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	owner := Identity{UUID: "app", Name: "w"}
	reg.CreateChannel(owner, "one")
	reg.CreateChannel(owner, "two")

	var reason error
	_, ok := reg.ConnectToChannel(Identity{UUID: "client"}, ConnectRequest{UUID: "app", Name: "w"}, "msg-1",
		func(any) { t.Error("must not ack") },
		func(err error) { reason = err })

	if ok {
		t.Fatal("ambiguous connect succeeded")
	}
	if !errors.Is(reason, errspkg.ErrAmbiguousTarget) {
		t.Fatalf("nack reason = %v", reason)
	}
}

func TestConnectToChannelSendFailureDropsEntry(t *testing.T) {
	reg, sender, _ := newTestRegistry(t, nil)
	reg.CreateChannel(Identity{UUID: "app", Name: "w"}, "orders")
	sender.fail = errors.New("transport down")

	nacked := false
	_, ok := reg.ConnectToChannel(Identity{UUID: "client"}, ConnectRequest{ChannelName: "orders"}, "msg-1",
		func(any) {}, func(error) { nacked = true })

	if ok {
		t.Fatal("connect reported success despite send failure")
	}
	if !nacked {
		t.Fatal("send failure must nack the requester")
	}
	if reg.PendingAcks() != 0 {
		t.Fatal("correlation entry leaked after send failure")
	}
}

func TestSendChannelMessageForwards(t *testing.T) {
	reg, sender, _ := newTestRegistry(t, nil)
	client := Identity{UUID: "client-app", Name: "main"}

	reg.SendChannelMessage(client, ChannelMessage{
		UUID:    "provider-app",
		Name:    "w",
		Action:  "topic-a",
		Payload: json.RawMessage(`{"k":1}`),
	}, "msg-1", func(any) {}, func(error) { t.Error("must not nack") })

	if sender.count() != 1 {
		t.Fatalf("forwarded envelopes = %d", sender.count())
	}
	sent := sender.last()
	if sent.env.Action != ActionProcessChannelMessage {
		t.Fatalf("forward action = %q", sent.env.Action)
	}
	if !sent.target.Equal(Identity{UUID: "provider-app", Name: "w"}) {
		t.Fatalf("forward target = %v", sent.target)
	}

	var fwd MessageForward
	if err := jsoncodec.Unmarshal(sent.env.Payload, &fwd); err != nil {
		t.Fatalf("forward payload: %v", err)
	}
	if fwd.Action != "topic-a" {
		t.Fatalf("forward channel action = %q", fwd.Action)
	}
	if !fwd.SenderIdentity.Equal(client) {
		t.Fatalf("forward sender = %v", fwd.SenderIdentity)
	}
	if reg.PendingAcks() != 1 {
		t.Fatalf("pending acks = %d", reg.PendingAcks())
	}
}

func TestSendChannelResultResolvesPendingRequest(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	reg.CreateChannel(Identity{UUID: "provider-app", Name: "w"}, "orders")

	client := Identity{UUID: "client-app", Name: "main"}
	var clientResult any
	reg.ConnectToChannel(client, ConnectRequest{ChannelName: "orders"}, "msg-1",
		func(p any) { clientResult = p }, func(err error) { t.Errorf("client nacked: %v", err) })

	reporterAcked := false
	reg.SendChannelResult(Identity{UUID: "provider-app", Name: "w"}, ChannelResult{
		Success:          true,
		DestinationToken: client,
		CorrelationID:    "msg-1",
		Payload:          json.RawMessage(`{"ready":true}`),
	}, func(any) { reporterAcked = true }, func(err error) { t.Errorf("reporter nacked: %v", err) })

	if !reporterAcked {
		t.Fatal("reporter must be acked after delivering a result")
	}
	result, ok := clientResult.(ResultData)
	if !ok {
		t.Fatalf("client result type %T", clientResult)
	}
	if !result.Success || string(result.Data) != `{"ready":true}` {
		t.Fatalf("client result = %+v", result)
	}
	if reg.PendingAcks() != 0 {
		t.Fatal("correlation entry must be consumed by the result")
	}
}

func TestSendChannelResultFailureRejects(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	client := Identity{UUID: "client-app", Name: "main"}

	var clientErr error
	reg.SendChannelMessage(client, ChannelMessage{UUID: "p", Name: "w", Action: "a"}, "msg-1",
		func(any) { t.Error("client must not ack") }, func(err error) { clientErr = err })

	reg.SendChannelResult(Identity{UUID: "p", Name: "w"}, ChannelResult{
		Success:          false,
		Reason:           "handler rejected",
		DestinationToken: client,
		CorrelationID:    "msg-1",
	}, func(any) {}, func(err error) { t.Errorf("reporter nacked: %v", err) })

	if clientErr == nil || clientErr.Error() != "handler rejected" {
		t.Fatalf("client nack reason = %v", clientErr)
	}
}

func TestSendChannelResultOrphanNacksReporter(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)

	var reporterErr error
	reg.SendChannelResult(Identity{UUID: "p", Name: "w"}, ChannelResult{
		Success:          true,
		DestinationToken: Identity{UUID: "nobody"},
		CorrelationID:    "unknown-msg",
	}, func(any) { t.Error("orphan result must not ack") }, func(err error) { reporterErr = err })

	if !errors.Is(reporterErr, errspkg.ErrOrphanResult) {
		t.Fatalf("reporter nack reason = %v", reporterErr)
	}
}

func TestCloseBeforeResultLeavesEntryPending(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	owner := Identity{UUID: "provider-app", Name: "w"}
	reg.CreateChannel(owner, "orders")

	client := Identity{UUID: "client-app", Name: "main"}
	acked, nacked := false, false
	reg.ConnectToChannel(client, ConnectRequest{ChannelName: "orders"}, "msg-1",
		func(any) { acked = true }, func(error) { nacked = true })

	// Provider goes away before reporting. The entry stays: results, not
	// lifecycle, are the only thing that consumes correlation state.
	reg.NotifyWindowClosed(owner)

	if acked || nacked {
		t.Fatal("teardown must not resolve pending requests")
	}
	if reg.PendingAcks() != 1 {
		t.Fatalf("pending acks = %d", reg.PendingAcks())
	}
}
