package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBusFanOutSkipsSender(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("tab-a")
	b := bus.Connect("tab-b")
	c := bus.Connect("tab-c")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	gotA := make(chan Event, 1)
	gotB := make(chan Event, 1)
	gotC := make(chan Event, 1)
	a.Subscribe(func(ev Event) { gotA <- ev })
	b.Subscribe(func(ev Event) { gotB <- ev })
	c.Subscribe(func(ev Event) { gotC <- ev })

	ev, err := NewEvent(PresencePulse, map[string]string{"hello": "net"}, "tab-a")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if got := waitEvent(t, gotB); got.Type != PresencePulse || got.SenderID != "tab-a" {
		t.Fatalf("unexpected event at b: %+v", got)
	}
	waitEvent(t, gotC)

	select {
	case ev := <-gotA:
		t.Fatalf("sender received its own event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")
	b := bus.Connect("b")
	defer a.Close()
	defer b.Close()

	got := make(chan Event, 4)
	cancel := b.Subscribe(func(ev Event) { got <- ev })

	ev, _ := NewEvent(PilotUpdated, nil, "a")
	_ = a.Publish(context.Background(), ev)
	waitEvent(t, got)

	cancel()
	_ = a.Publish(context.Background(), ev)
	select {
	case ev := <-got:
		t.Fatalf("delivery after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDecodeEventDropsOwnSender(t *testing.T) {
	ev, err := NewEvent(PilotUpdated, map[string]string{"id": "svc-1"}, "tab-a")
	if err != nil {
		t.Fatal(err)
	}
	wire, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	// the broker echoes the event to everyone, including the publisher
	if _, deliver, err := decodeEvent("tab-a", wire); err != nil || deliver {
		t.Fatalf("own event: deliver=%v err=%v, want dropped", deliver, err)
	}
	got, deliver, err := decodeEvent("tab-b", wire)
	if err != nil || !deliver {
		t.Fatalf("foreign event: deliver=%v err=%v, want delivered", deliver, err)
	}
	if got.Type != PilotUpdated || got.SenderID != "tab-a" {
		t.Fatalf("decoded event = %+v", got)
	}
}

func TestDecodeEventRejectsBadPayload(t *testing.T) {
	if _, deliver, err := decodeEvent("tab-a", []byte("{not json")); err == nil || deliver {
		t.Fatalf("bad payload: deliver=%v err=%v, want error", deliver, err)
	}
}

func TestNopTransportDegradesSilently(t *testing.T) {
	var tr Transport = NopTransport{}
	ev, _ := NewEvent(PilotDeployed, nil, "solo")
	if err := tr.Publish(context.Background(), ev); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
	cancel := tr.Subscribe(func(Event) { t.Fatal("nop transport delivered an event") })
	cancel()
	if err := tr.Close(); err != nil {
		t.Fatalf("nop close: %v", err)
	}
}
