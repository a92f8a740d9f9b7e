package queue

import "sync"

// Event is a Server-Sent Events message.
type Event struct {
	Event string // "batch", "status", "result"
	Data  string // JSON string
}

// Hub fans job events out to subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan Event)}
}

// Subscribe creates a buffered event channel for a job and returns it.
func (h *Hub) Subscribe(jobID string) chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[jobID] = append(h.subs[jobID], ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel from the hub. It is a no-op if the channel
// was already closed by NotifyAndClose.
func (h *Hub) Unsubscribe(jobID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	chans := h.subs[jobID]
	for i, c := range chans {
		if c == ch {
			h.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
}

// Notify sends an event to all subscribers of a job without blocking.
func (h *Hub) Notify(jobID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[jobID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// NotifyAndClose sends the final event and closes all channels for the job.
func (h *Hub) NotifyAndClose(jobID string, event Event) {
	h.mu.Lock()
	chans := h.subs[jobID]
	delete(h.subs, jobID)
	h.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}

// Subscribers returns the number of open subscriptions for a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
