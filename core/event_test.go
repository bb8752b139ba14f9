// SPDX-License-Identifier: Apache-2.0
package core

import "testing"

func TestEventBusFanout(t *testing.T) {
	bus := NewEventBus()
	_, ch1 := bus.Subscribe(4)
	_, ch2 := bus.Subscribe(4)

	bus.Publish(Event{Kind: EventBlockCommitted, Height: 1})
	bus.Publish(Event{Kind: EventBlockCommitted, Height: 2})

	for i, ch := range []<-chan Event{ch1, ch2} {
		if ev := <-ch; ev.Height != 1 {
			t.Fatalf("sub %d first event height=%d", i, ev.Height)
		}
		if ev := <-ch; ev.Height != 2 {
			t.Fatalf("sub %d second event height=%d", i, ev.Height)
		}
	}
}

func TestEventBusDropsSlowSubscriber(t *testing.T) {
	bus := NewEventBus()
	_, slow := bus.Subscribe(1)
	fastID, fast := bus.Subscribe(8)

	bus.Publish(Event{Height: 1})
	bus.Publish(Event{Height: 2}) // slow's mailbox is full: disconnected

	if _, open := <-slow; !open {
		// first event was buffered, channel then closed
		t.Fatalf("slow subscriber should still drain its buffered event")
	}
	if _, open := <-slow; open {
		t.Fatalf("slow subscriber must be disconnected, not stalled")
	}

	// The fast subscriber is unaffected.
	if ev := <-fast; ev.Height != 1 {
		t.Fatalf("fast subscriber lost an event")
	}
	if ev := <-fast; ev.Height != 2 {
		t.Fatalf("fast subscriber lost the second event")
	}
	bus.Unsubscribe(fastID)
	if _, open := <-fast; open {
		t.Fatalf("unsubscribed channel must be closed")
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	id, ch := bus.Subscribe(1)
	bus.Unsubscribe(id)
	if _, open := <-ch; open {
		t.Fatalf("unsubscribed channel must be closed")
	}
	bus.Publish(Event{Height: 1}) // must not panic on the removed mailbox
}

func TestEventFilterMatches(t *testing.T) {
	tests := []struct {
		name   string
		filter EventFilter
		ev     Event
		want   bool
	}{
		{"KindMatch", EventFilter{Kind: EventBlockCommitted}, Event{Kind: EventBlockCommitted}, true},
		{"KindMismatch", EventFilter{Kind: EventBlockCommitted}, Event{Kind: EventTransactionCommitted}, false},
		{"DataAny", EventFilter{Kind: EventDataCreated}, Event{Kind: EventDataCreated, Domain: "d", Key: "k"}, true},
		{"DataExact", EventFilter{Kind: EventDataCreated, Payload: []byte("d/k")}, Event{Kind: EventDataCreated, Domain: "d", Key: "k"}, true},
		{"DataWrongKey", EventFilter{Kind: EventDataCreated, Payload: []byte("d/other")}, Event{Kind: EventDataCreated, Domain: "d", Key: "k"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Matches(tc.ev); got != tc.want {
				t.Fatalf("Matches=%v want %v", got, tc.want)
			}
		})
	}
}

func TestStatusReport(t *testing.T) {
	s := NewStatus()
	s.BlockCommitted(3, 1)
	s.BlockCommitted(2, 0)
	s.TxRejected()
	s.ViewChanged()
	s.SetPeers(4)

	r := s.Report(7)
	if r.Blocks != 2 || r.TxAccepted != 5 || r.TxRejected != 2 || r.ViewChanges != 1 || r.Peers != 4 || r.QueueSize != 7 {
		t.Fatalf("report %+v", r)
	}
}
