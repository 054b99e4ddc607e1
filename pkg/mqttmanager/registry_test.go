package mqttmanager

import (
	"context"
	"sync"
	"testing"
)

func newTestRegistry(tr Transport, cfg ManagerConfig) *registry {
	p := newTestPool(tr, cfg)
	return newRegistry(p, testLogger())
}

func collectingCallback() (Callback, func() []Message) {
	var mu sync.Mutex
	var got []Message
	cb := func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	}
	return cb, func() []Message {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Message, len(got))
		copy(out, got)
		return out
	}
}

func TestRegistrySubscribeIssuesBrokerSubscribe(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestRegistry(tr, ManagerConfig{})
	cb, _ := collectingCallback()

	id := r.NextCallbackID()
	if err := r.Subscribe(context.Background(), "a/b", AtMostOnce, cb, id); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	fc := tr.connections()[0]
	if got := fc.subscribedTopics(); len(got) != 1 || got[0] != "a/b" {
		t.Fatalf("subscribed topics: got %v, want [a/b]", got)
	}
}

func TestRegistrySubscribeConsolidatesIntoExistingSuperset(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestRegistry(tr, ManagerConfig{})
	cb1, _ := collectingCallback()
	cb2, _ := collectingCallback()

	id1 := r.NextCallbackID()
	if err := r.Subscribe(context.Background(), "a/+", AtMostOnce, cb1, id1); err != nil {
		t.Fatalf("Subscribe a/+: %v", err)
	}
	id2 := r.NextCallbackID()
	if err := r.Subscribe(context.Background(), "a/b", AtMostOnce, cb2, id2); err != nil {
		t.Fatalf("Subscribe a/b: %v", err)
	}

	fc := tr.connections()[0]
	if got := fc.subscribedTopics(); len(got) != 1 {
		t.Fatalf("expected only the first (superset) filter to reach the broker, got %v", got)
	}
}

func TestRegistryFanoutDeliversToAllMatchingSubscribers(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestRegistry(tr, ManagerConfig{})
	cb1, got1 := collectingCallback()
	cb2, got2 := collectingCallback()

	id1 := r.NextCallbackID()
	if err := r.Subscribe(context.Background(), "a/+", AtMostOnce, cb1, id1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	id2 := r.NextCallbackID()
	if err := r.Subscribe(context.Background(), "a/b", AtMostOnce, cb2, id2); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	conn := tr.connections()[0]
	var owner *connection
	for _, c := range r.pool.Snapshot() {
		owner = c
	}
	_ = conn

	r.Fanout(Message{Topic: "a/b", Payload: []byte("hi")}, owner)

	if len(got1()) != 1 {
		t.Fatalf("cb1 deliveries: got %d, want 1", len(got1()))
	}
	if len(got2()) != 1 {
		t.Fatalf("cb2 deliveries: got %d, want 1", len(got2()))
	}
}

func TestRegistryFanoutPrefersArrivingConnection(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestRegistry(tr, ManagerConfig{})
	cb, got := collectingCallback()

	id := r.NextCallbackID()
	if err := r.Subscribe(context.Background(), "a/b", AtMostOnce, cb, id); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// A message arriving on an unrelated connection still reaches the
	// subscriber via the "any covering subscription" fallback.
	other := newTestConnection(t, tr, ManagerConfig{})
	r.Fanout(Message{Topic: "a/b", Payload: []byte("x")}, other)

	if len(got()) != 1 {
		t.Fatalf("deliveries via non-owning connection: got %d, want 1", len(got()))
	}
}

func TestRegistryFanoutDropsUnmatchedMessage(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestRegistry(tr, ManagerConfig{})
	cb, got := collectingCallback()

	id := r.NextCallbackID()
	if err := r.Subscribe(context.Background(), "a/b", AtMostOnce, cb, id); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r.Fanout(Message{Topic: "c/d", Payload: []byte("x")}, nil)
	if len(got()) != 0 {
		t.Fatalf("expected no delivery for an unmatched topic, got %d", len(got()))
	}
}

func TestRegistryFanoutSurvivesPanickingCallback(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestRegistry(tr, ManagerConfig{})
	panicky := func(Message) { panic("boom") }
	cb, got := collectingCallback()

	id1 := r.NextCallbackID()
	if err := r.Subscribe(context.Background(), "a/b", AtMostOnce, panicky, id1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	id2 := r.NextCallbackID()
	if err := r.Subscribe(context.Background(), "a/b", AtMostOnce, cb, id2); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r.Fanout(Message{Topic: "a/b", Payload: []byte("x")}, nil)
	if len(got()) != 1 {
		t.Fatalf("expected the non-panicking callback to still receive the message, got %d", len(got()))
	}
}

func TestRegistryUnsubscribeRetiresUncoveredBrokerFilter(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestRegistry(tr, ManagerConfig{})
	cb, _ := collectingCallback()

	id := r.NextCallbackID()
	ctx := context.Background()
	if err := r.Subscribe(ctx, "a/b", AtMostOnce, cb, id); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := r.Unsubscribe(ctx, "a/b", id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	fc := tr.connections()[0]
	if got := fc.unsubscribed; len(got) != 1 || got[0] != "a/b" {
		t.Fatalf("broker unsubscribes: got %v, want [a/b]", got)
	}
}

func TestRegistryUnsubscribeKeepsFilterIfStillCovered(t *testing.T) {
	tr := &fakeTransport{}
	r := newTestRegistry(tr, ManagerConfig{})
	cb1, _ := collectingCallback()
	cb2, _ := collectingCallback()

	ctx := context.Background()
	id1 := r.NextCallbackID()
	if err := r.Subscribe(ctx, "a/+", AtMostOnce, cb1, id1); err != nil {
		t.Fatalf("Subscribe a/+: %v", err)
	}
	id2 := r.NextCallbackID()
	if err := r.Subscribe(ctx, "a/b", AtMostOnce, cb2, id2); err != nil {
		t.Fatalf("Subscribe a/b: %v", err)
	}

	if err := r.Unsubscribe(ctx, "a/b", id2); err != nil {
		t.Fatalf("Unsubscribe a/b: %v", err)
	}

	fc := tr.connections()[0]
	if len(fc.unsubscribed) != 0 {
		t.Fatalf("expected the broker filter to survive (still covered by a/+), got unsubscribe calls %v", fc.unsubscribed)
	}
}
