// Package events fans backend status transitions out to subscribers, the
// "backend-status" channel the host UI listens on.
package events

import (
	"sync"

	"github.com/loykin/sidekeeper/internal/metrics"
	"github.com/loykin/sidekeeper/internal/status"
)

const DefaultSubscriberBuffer = 16

// Hub implements status.Publisher. It keeps only the latest status; a slow
// subscriber misses transitions rather than blocking the supervisor.
type Hub struct {
	mu     sync.Mutex
	latest status.Status
	seen   bool
	subs   map[int]chan status.Status
	nextID int
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan status.Status)}
}

func (h *Hub) Publish(s status.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	from := ""
	if h.seen {
		from = string(h.latest.Kind)
	}
	metrics.RecordStatus(from, string(s.Kind))
	h.latest, h.seen = s, true
	for _, ch := range h.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Latest returns the most recent status and whether anything was published yet.
func (h *Hub) Latest() (status.Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.seen
}

// Subscribe registers a listener. The returned cancel func unregisters it and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan status.Status, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribeLocked(buffer)
}

// Follow is Subscribe plus the latest status taken atomically with the
// registration, so a stream that starts with it neither misses nor repeats a
// transition.
func (h *Hub) Follow(buffer int) (status.Status, bool, <-chan status.Status, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, cancel := h.subscribeLocked(buffer)
	return h.latest, h.seen, ch, cancel
}

func (h *Hub) subscribeLocked(buffer int) (<-chan status.Status, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan status.Status, buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Close drops further publishes and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers reports the number of active listeners.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
