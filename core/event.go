// SPDX-License-Identifier: Apache-2.0
package core

// event.go – block/transaction/data lifecycle events and the bounded,
// drop-slow-subscriber broadcast bus the applier (core/applier.go) publishes
// them into. Triggers are matched against the applier's own event list, not
// through the bus, and the query service's cursors (core/cursor.go) do not
// subscribe to it. Each subscriber
// gets a bounded channel; a slow subscriber is disconnected rather than
// allowed to apply backpressure to the writer.

import (
	"sync"
	"time"
)

// EventKind mirrors EventFilterKind but describes a concrete emitted event
// rather than a trigger's subscription (types.go keeps the filter enum).
type EventKind = EventFilterKind

// Event is one fact published during block application: a committed block, a
// committed transaction, a data-created/deleted record, or a timer tick.
type Event struct {
	Kind      EventKind
	Height    uint64
	TxHash    Hash
	Domain    string
	Key       string
	Timestamp time.Time
	Payload   []byte // interpreted by the executor for EventCustom
}

// eventSubscriber is one bounded mailbox; SendOrDrop never blocks the
// publisher.
type eventSubscriber struct {
	id  uint64
	ch  chan Event
}

var eventSubIDs idCounter

// EventBus fans committed-block events out to every live subscriber. It
// never blocks the single writer that publishes into it.
type EventBus struct {
	mu   sync.Mutex
	subs map[uint64]*eventSubscriber
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[uint64]*eventSubscriber)}
}

// Subscribe registers a new mailbox of the given capacity and returns its id
// (for Unsubscribe) plus the receive-only channel.
func (b *EventBus) Subscribe(capacity int) (uint64, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &eventSubscriber{id: eventSubIDs.next_(), ch: make(chan Event, capacity)}
	b.subs[sub.id] = sub
	return sub.id, sub.ch
}

// Unsubscribe removes and closes a mailbox.
func (b *EventBus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Publish fans ev out to every subscriber, dropping it for (and disconnecting)
// any subscriber whose mailbox is full rather than blocking the caller –
// applying a block must never stall waiting on a slow reader.
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			close(sub.ch)
			delete(b.subs, id)
		}
	}
}

// Matches reports whether ev satisfies filter, the predicate triggers use to
// decide whether to fire.
func (f EventFilter) Matches(ev Event) bool {
	if f.Kind != ev.Kind {
		return false
	}
	switch f.Kind {
	case EventDataCreated, EventDataDeleted:
		return len(f.Payload) == 0 || string(f.Payload) == ev.Domain+"/"+ev.Key
	default:
		return true
	}
}
