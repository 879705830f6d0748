package notify

import (
	"context"
	"sync"
	"time"
)

// Hub fans notifications out to live subscribers keyed by user. Slow
// subscribers lose messages rather than block delivery.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
	now    func() time.Time
}

type subscription struct {
	ch chan Message
}

// NewHub returns a hub whose subscriber channels hold buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]map[*subscription]struct{}), buffer: buffer, now: time.Now}
}

// Subscribe registers a subscriber for userID. The returned cancel function
// unregisters it and closes the channel.
func (h *Hub) Subscribe(userID string) (<-chan Message, func()) {
	sub := &subscription{ch: make(chan Message, h.buffer)}
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscription]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], sub)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Subscribers reports how many live subscribers a user has.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Notify implements Sink.
func (h *Hub) Notify(_ context.Context, userID, eventType string, payload map[string]any) error {
	msg := Message{UserID: userID, Type: eventType, Payload: payload, CreatedAt: h.now().UTC()}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[userID] {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}
