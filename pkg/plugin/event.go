package plugin

import (
	"time"

	"github.com/google/uuid"
)

// Lifecycle event kinds emitted by the manager.
const (
	EventLoaded   = "plugin.loaded"
	EventStarted  = "plugin.started"
	EventStopped  = "plugin.stopped"
	EventPaused   = "plugin.paused"
	EventResumed  = "plugin.resumed"
	EventUnloaded = "plugin.unloaded"
	EventFailed   = "plugin.failed"
)

// Event is the typed envelope published onto the host's event channel.
// The kernel only produces and forwards envelopes; dispatch belongs to
// the channel implementation.
type Event struct {
	Kind          string         `json:"kind"`
	Source        string         `json:"source"` // plugin or component name
	Payload       map[string]any `json:"payload,omitempty"`
	Priority      int            `json:"priority"` // higher is more urgent; 0 is normal
	CorrelationID string         `json:"correlation_id"`
	At            time.Time      `json:"at"`
}

// NewEvent builds an envelope with a fresh correlation ID and UTC
// timestamp.
func NewEvent(kind, source string, payload map[string]any) Event {
	return Event{
		Kind:          kind,
		Source:        source,
		Payload:       payload,
		CorrelationID: uuid.NewString(),
		At:            time.Now().UTC(),
	}
}

// Publisher is the event-channel capability the kernel consumes. A nil
// publisher is always legal; emission is best-effort and never a
// precondition for kernel operations.
type Publisher interface {
	Publish(Event) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(Event) error

func (f PublisherFunc) Publish(e Event) error { return f(e) }
