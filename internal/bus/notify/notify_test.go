package notify

import "testing"

func TestTopicJoinsNonEmptyParts(t *testing.T) {
	cases := []struct {
		name  string
		parts []string
		want  string
	}{
		{"all parts", []string{"channel", "connected", "uuid-1", "win"}, "channel/connected/uuid-1/win"},
		{"empty name dropped", []string{"window/closed", "uuid-1", ""}, "window/closed/uuid-1"},
		{"single part", []string{"application/closed"}, "application/closed"},
		{"empty middle dropped", []string{"channel", "", "uuid-1"}, "channel/uuid-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Topic(tc.parts...); got != tc.want {
				t.Fatalf("Topic(%v) = %q, want %q", tc.parts, got, tc.want)
			}
		})
	}
}

func TestOnReceivesEmits(t *testing.T) {
	bus := New()

	var got []any
	bus.On("channel/connected", func(payload any) {
		got = append(got, payload)
	})

	bus.Emit("channel/connected", "first")
	bus.Emit("channel/connected", "second")
	bus.Emit("channel/disconnected", "other topic")

	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected payloads: %v", got)
	}
}

func TestEmitMatchesExactTopicOnly(t *testing.T) {
	bus := New()

	fired := false
	bus.On("channel/connected", func(any) { fired = true })

	bus.Emit("channel/connected/uuid-1", nil)
	if fired {
		t.Fatal("listener on shorter topic must not receive longer-topic emits")
	}
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	bus := New()

	calls := 0
	bus.Once("window/closed/uuid-1/win", func(any) { calls++ })

	bus.Emit("window/closed/uuid-1/win", nil)
	bus.Emit("window/closed/uuid-1/win", nil)

	if calls != 1 {
		t.Fatalf("once listener fired %d times", calls)
	}
	if n := bus.ListenerCount("window/closed/uuid-1/win"); n != 0 {
		t.Fatalf("once listener not disarmed, %d remaining", n)
	}
}

func TestOnceReemitInsideHandlerDoesNotLoop(t *testing.T) {
	bus := New()

	calls := 0
	bus.Once("application/closed/uuid-1", func(any) {
		calls++
		bus.Emit("application/closed/uuid-1", nil)
	})

	bus.Emit("application/closed/uuid-1", nil)
	if calls != 1 {
		t.Fatalf("re-emitting handler fired %d times", calls)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New()

	aCalls, bCalls := 0, 0
	unsubA := bus.On("topic", func(any) { aCalls++ })
	bus.On("topic", func(any) { bCalls++ })

	unsubA()
	unsubA()

	bus.Emit("topic", nil)
	if aCalls != 0 {
		t.Fatal("unsubscribed listener still fired")
	}
	if bCalls != 1 {
		t.Fatal("unrelated listener was removed")
	}
}

func TestCancelOnceBeforeFire(t *testing.T) {
	bus := New()

	fired := false
	cancel := bus.Once("external-connection/closed/uuid-1", func(any) { fired = true })
	cancel()

	bus.Emit("external-connection/closed/uuid-1", nil)
	if fired {
		t.Fatal("cancelled once listener fired")
	}
}

func TestNilHandlerIsIgnored(t *testing.T) {
	bus := New()
	unsub := bus.On("topic", nil)
	unsub()
	bus.Emit("topic", nil)
	if n := bus.ListenerCount("topic"); n != 0 {
		t.Fatalf("nil handler registered: %d listeners", n)
	}
}
