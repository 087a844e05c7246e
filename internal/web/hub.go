package web

import (
	"log/slog"
	"sync"

	"concierge/pkg/protocol"
)

// Hub fans the server's emitted-event feed out to websocket subscribers.
// Sends to a subscriber never block; a slow dashboard just misses events,
// it cannot stall the feed.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan protocol.Event]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[chan protocol.Event]struct{}),
		logger: logger,
	}
}

// Run consumes the event feed until it is closed or done is closed.
func (h *Hub) Run(events <-chan protocol.Event, done <-chan struct{}) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.publish(ev)
		case <-done:
			return
		}
	}
}

func (h *Hub) publish(ev protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub <- ev:
		default:
			h.logger.Debug("subscriber buffer full, event skipped", "type", ev.Type)
		}
	}
}

// Subscribe registers a new event feed consumer.
func (h *Hub) Subscribe() chan protocol.Event {
	ch := make(chan protocol.Event, 64)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a consumer channel.
func (h *Hub) Unsubscribe(ch chan protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}
