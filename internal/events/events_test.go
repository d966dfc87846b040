package events

import "testing"

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := New()

	var gotA, gotB Event
	bus.Subscribe(func(e Event) { gotA = e })
	bus.Subscribe(func(e Event) { gotB = e })

	bus.Publish(Event{Kind: KindPeerDiscovered, DeviceID: "peer-1"})

	if gotA.Kind != KindPeerDiscovered || gotA.DeviceID != "peer-1" {
		t.Errorf("gotA = %+v", gotA)
	}
	if gotB.Kind != KindPeerDiscovered || gotB.DeviceID != "peer-1" {
		t.Errorf("gotB = %+v", gotB)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()

	count := 0
	id := bus.Subscribe(func(e Event) { count++ })

	bus.Publish(Event{Kind: KindPeerLost})
	bus.Unsubscribe(id)
	bus.Publish(Event{Kind: KindPeerLost})

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
