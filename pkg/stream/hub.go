// Package stream is the live feed behind the websocket endpoint. It is
// best-effort observability: slow consumers lose events, the ledger and
// audit trail remain the record.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	evt := Event{
		Type: eventType,
		At:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			evt.Data = raw
		}
	}
	return evt
}

// Subscription is one consumer's handle on the feed. Close is idempotent
// and detaches it from the hub.
type Subscription struct {
	C <-chan Event

	id  uint64
	hub *Hub
}

func (s *Subscription) Close() {
	s.hub.drop(s.id)
}

type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Event)}
}

func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()
	return &Subscription{C: ch, id: id, hub: h}
}

// Publish delivers to every subscriber whose buffer has room and drops
// the event for the rest. It never blocks.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *Hub) drop(id uint64) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// SubscriberCount feeds the metrics gauge.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
