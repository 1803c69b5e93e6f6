// Package events pushes control-plane events to live subscribers.
//
// The fan-out holds a guarded set of subscribers, each with an optional org
// filter and interest set. Broadcasts are best-effort: a subscriber that
// cannot keep up loses messages rather than stalling the publisher.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchboardhq/switchboard/internal/model"
)

// subscriberBuffer is each subscriber's channel depth. Beyond it, events for
// that subscriber are dropped.
const subscriberBuffer = 64

// Subscriber is one live event consumer.
type Subscriber struct {
	id     uuid.UUID
	orgID  *uuid.UUID
	types  map[model.EventType]struct{} // nil means all types
	ch     chan model.Event
	closed bool
}

// C is the subscriber's receive channel. Closed on Unsubscribe and on fan-out
// shutdown.
func (s *Subscriber) C() <-chan model.Event { return s.ch }

// Fanout broadcasts events to subscribers.
type Fanout struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]*Subscriber
	done bool
}

// NewFanout creates an empty fan-out.
func NewFanout(logger *slog.Logger) *Fanout {
	return &Fanout{
		logger: logger,
		subs:   make(map[uuid.UUID]*Subscriber),
	}
}

// Subscribe registers a consumer. A nil orgID receives events for every org;
// an empty types list receives every event type.
func (f *Fanout) Subscribe(orgID *uuid.UUID, types []model.EventType) *Subscriber {
	sub := &Subscriber{
		id:    uuid.New(),
		orgID: orgID,
		ch:    make(chan model.Event, subscriberBuffer),
	}
	if len(types) > 0 {
		sub.types = make(map[model.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	f.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (f *Fanout) Unsubscribe(sub *Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub.id]; !ok {
		return
	}
	delete(f.subs, sub.id)
	close(sub.ch)
	sub.closed = true
}

// Emit broadcasts an event scoped to an org. Subscribers filtered to a
// different org do not receive it.
func (f *Fanout) Emit(orgID uuid.UUID, typ model.EventType, payload any) {
	f.broadcast(&orgID, typ, payload)
}

// EmitGlobal broadcasts an event every subscriber is eligible for, such as
// emergency-stop transitions.
func (f *Fanout) EmitGlobal(typ model.EventType, payload any) {
	f.broadcast(nil, typ, payload)
}

func (f *Fanout) broadcast(orgID *uuid.UUID, typ model.EventType, payload any) {
	event := model.Event{
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if orgID != nil && sub.orgID != nil && *sub.orgID != *orgID {
			continue
		}
		if sub.types != nil {
			if _, ok := sub.types[typ]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
			f.logger.Debug("events: subscriber lagging, dropping event",
				"subscriber", sub.id, "type", typ)
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (f *Fanout) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Shutdown closes every subscriber channel. Further Emits are no-ops.
func (f *Fanout) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.done = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.ch)
		sub.closed = true
	}
}
