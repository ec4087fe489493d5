package hub

import (
	"sync"

	"geotracker/internal/models"
)

// subscriberBuffer absorbs short bursts; a subscriber that falls further
// behind starts losing events rather than stalling the publisher.
const subscriberBuffer = 64

// Subscription is one connected viewer's event feed. Events is closed on
// unsubscribe.
type Subscription struct {
	Events chan models.Event
}

// Hub broadcasts position events to every connected subscriber. Delivery is
// at-most-once with no replay: a viewer that connects after an event fired
// bootstraps from the live-table snapshot instead.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func New() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new viewer and returns its feed.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{Events: make(chan models.Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the viewer and closes its feed. Safe to call once per
// subscription.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if ok {
		close(sub.Events)
	}
}

// Publish broadcasts an event to all current subscribers. A subscriber whose
// buffer is full loses the event; the publisher and other subscribers are
// never blocked by it.
func (h *Hub) Publish(event models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.Events <- event:
		default:
		}
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
