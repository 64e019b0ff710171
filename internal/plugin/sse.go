package plugin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// EventBroker fans lifecycle events out to SSE clients. It satisfies
// Publisher, so a Manager wired with WithPublisher(broker) streams its
// loaded/started/stopped/failed events straight to subscribers.
type EventBroker struct {
	mu      sync.RWMutex
	clients map[chan Event]string // channel -> source filter ("" = all)
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		clients: make(map[chan Event]string),
	}
}

// Subscribe adds a client and returns its event channel. sourceFilter
// limits events to one plugin ("" receives all).
func (b *EventBroker) Subscribe(sourceFilter string) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.clients[ch] = sourceFilter
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client channel and closes it.
func (b *EventBroker) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
	close(ch)
}

// Publish sends an event to all matching clients. Non-blocking: slow
// clients have events dropped rather than stalling the lifecycle.
func (b *EventBroker) Publish(event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.clients {
		if filter != "" && filter != event.Source {
			continue
		}
		select {
		case ch <- event:
		default:
			// Client too slow, drop event
		}
	}
	return nil
}

// ServeHTTP streams lifecycle events to the client. Query params:
//   - plugin: filter events to a specific plugin (optional)
func (b *EventBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sourceFilter := r.URL.Query().Get("plugin")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	ch := b.Subscribe(sourceFilter)
	defer b.Unsubscribe(ch)

	// Send initial connection event.
	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
			flusher.Flush()
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *EventBroker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
