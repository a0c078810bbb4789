package telemetry

import (
	"sync"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

// TopicAll receives every event regardless of type.
const TopicAll = "*"

// subscriberBuffer absorbs bursts so a slow observer never blocks a mutation.
const subscriberBuffer = 32

// Hub fans change notifications out to observers (status indicator, SSE and
// WebSocket clients).
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan domain.Event // topic -> list of client channels
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]chan domain.Event),
	}
}

// Subscribe registers a new observer for topic (an event type or TopicAll).
func (h *Hub) Subscribe(topic string) chan domain.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan domain.Event, subscriberBuffer)
	h.subscribers[topic] = append(h.subscribers[topic], ch)
	return ch
}

// Unsubscribe removes and closes a client channel.
func (h *Hub) Unsubscribe(topic string, ch chan domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[topic]
	for i, sub := range subs {
		if sub == ch {
			h.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(h.subscribers[topic]) == 0 {
		delete(h.subscribers, topic)
	}
}

// Broadcast delivers ev to subscribers of its type and of TopicAll. A full
// subscriber buffer drops the event for that subscriber only.
func (h *Hub) Broadcast(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, topic := range []string{string(ev.Type), TopicAll} {
		for _, ch := range h.subscribers[topic] {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Subscribers reports how many channels are attached across all topics.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, subs := range h.subscribers {
		n += len(subs)
	}
	return n
}
