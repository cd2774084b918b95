package events

import (
	"testing"
	"time"

	"github.com/gaspardpetit/protobridge/internal/protocol"
)

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestSubscribeByName(t *testing.T) {
	b := NewBus(8)
	defer b.Close()
	got := make(chan Event, 4)
	b.Subscribe(ProtocolNegotiated, func(ev Event) { got <- ev })

	b.Publish(PhaseChanged{From: protocol.PhasePreparation, To: protocol.PhaseGradual})
	b.Publish(Negotiated{SessionID: "s1", Version: "2.1.0"})

	ev := waitEvent(t, got)
	if ev.Name != ProtocolNegotiated {
		t.Fatalf("name = %s; want %s", ev.Name, ProtocolNegotiated)
	}
	n, ok := ev.Data.(Negotiated)
	if !ok || n.Version != "2.1.0" {
		t.Fatalf("payload = %#v", ev.Data)
	}
	select {
	case extra := <-got:
		t.Fatalf("unexpected event %s", extra.Name)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeAllKeepsOrder(t *testing.T) {
	b := NewBus(8)
	defer b.Close()
	got := make(chan Event, 8)
	b.SubscribeAll(func(ev Event) { got <- ev })

	b.Publish(Negotiated{SessionID: "a"})
	b.Publish(Transformed{EnvelopeID: "b"})
	b.Publish(ThresholdExceeded{Metric: "c"})

	want := []Name{ProtocolNegotiated, MessageTransformed, PerformanceThresholdExceeded}
	for _, w := range want {
		if ev := waitEvent(t, got); ev.Name != w {
			t.Fatalf("got %s; want %s", ev.Name, w)
		}
	}
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	b := NewBus(8)
	defer b.Close()
	got := make(chan Event, 4)
	b.SubscribeAll(func(Event) { panic("boom") })
	b.SubscribeAll(func(ev Event) { got <- ev })

	b.Publish(Migrated{SessionID: "s"})
	b.Publish(Migrated{SessionID: "t"})
	waitEvent(t, got)
	waitEvent(t, got)

	deadline := time.Now().Add(2 * time.Second)
	for b.Faults() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Faults() != 2 {
		t.Fatalf("faults = %d; want 2", b.Faults())
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBus(1)
	release := make(chan struct{})
	b.SubscribeAll(func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Negotiated{SessionID: "s"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on slow subscriber")
	}
	if b.Dropped() == 0 {
		t.Fatalf("expected dropped events")
	}
	close(release)
	b.Close()
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus(4)
	defer b.Close()
	got := make(chan Event, 4)
	cancel := b.SubscribeAll(func(ev Event) { got <- ev })
	cancel()
	b.Publish(Negotiated{})
	select {
	case <-got:
		t.Fatalf("received event after unsubscribe")
	case <-time.After(20 * time.Millisecond):
	}
}
