// Package events fans out warden events to in-process subscribers and,
// optionally, to Kafka.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/org/agentwarden/pkg/models"
)

// Event types share names with audit events.
const (
	TypeDecision              = models.EventDecision
	TypeConfirmationRequested = models.EventConfirmationRequested
	TypeConfirmationResolved  = models.EventConfirmationResolved
	TypeConfirmationExpired   = models.EventConfirmationExpired
	TypeAllocationUpdated     = models.EventAllocationUpdated
	TypeTrashed               = models.EventTrashed
	TypeRestored              = models.EventRestored
	TypeErased                = models.EventErased
	TypePolicyLoaded          = models.EventPolicyLoaded
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Publisher accepts events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi publishes to each of its members in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, evt)
		}
	}
}

// Hub is an in-process broadcast to buffered subscriber channels.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish drops the event for any subscriber whose buffer is full.
func (h *Hub) Publish(_ context.Context, evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			droppedEvents.Inc()
		}
	}
}
