package dashboard

import (
	"sync"

	"github.com/justinsiek/Maker-Safe/internal/metrics"
)

// Hub fans change notifications out to connected views. Each subscriber gets a
// channel with room for one pending signal; signals coalesce while a view is busy.
type Hub struct {
	mu      sync.Mutex
	subs    map[chan struct{}]struct{}
	metrics *metrics.Metrics
}

// NewHub creates an empty Hub.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		subs:    make(map[chan struct{}]struct{}),
		metrics: m,
	}
}

// Subscribe registers a view. The returned func unregisters it and must be called.
func (h *Hub) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.metrics.SetStreamClients(len(h.subs))
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.metrics.SetStreamClients(len(h.subs))
			h.mu.Unlock()
		})
	}
}

// Notify signals every subscriber without blocking.
func (h *Hub) Notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of connected views.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
