package plugin

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultLogCapacity is the ring size used when none is configured.
const DefaultLogCapacity = 1000

// LogEntry is one captured plugin log line.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Plugin  string         `json:"plugin"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// LogBuffer is a fixed-capacity ring of plugin log entries. Old entries
// are overwritten; reads return newest first.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	cap     int
	head    int
	count   int
}

// NewLogBuffer creates a ring holding up to capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{
		entries: make([]LogEntry, capacity),
		cap:     capacity,
	}
}

// Add appends an entry, overwriting the oldest when full.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.cap
	if b.count < b.cap {
		b.count++
	}
}

// Recent returns up to n entries, newest first. n <= 0 returns everything
// held.
func (b *LogBuffer) Recent(n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = b.entries[(b.head-1-i+b.cap)%b.cap]
	}
	return out
}

// ForPlugin returns up to n entries for one plugin, newest first.
func (b *LogBuffer) ForPlugin(name string, n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []LogEntry
	for i := 0; i < b.count; i++ {
		e := b.entries[(b.head-1-i+b.cap)%b.cap]
		if e.Plugin != name {
			continue
		}
		out = append(out, e)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// Len reports how many entries are held.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Clear drops all entries.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

// --- slog tee ---

// BufferHandler is a slog.Handler that copies records into a LogBuffer
// and optionally forwards them to a next handler. The plugin name is
// taken from a "plugin" attribute, or from the fixed name given at
// construction when records carry none.
type BufferHandler struct {
	buf    *LogBuffer
	next   slog.Handler
	plugin string
	attrs  []slog.Attr
}

// NewBufferHandler creates a handler capturing into buf for the named
// plugin. next may be nil to capture only.
func NewBufferHandler(buf *LogBuffer, pluginName string, next slog.Handler) *BufferHandler {
	return &BufferHandler{buf: buf, next: next, plugin: pluginName}
}

func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.next != nil {
		return h.next.Enabled(ctx, level)
	}
	return true
}

func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Plugin:  h.plugin,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	fields := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "plugin" {
			if s, ok := a.Value.Any().(string); ok {
				entry.Plugin = s
			}
		}
		fields[a.Key] = a.Value.Any()
		return true
	})
	if len(fields) > 0 {
		entry.Fields = fields
	}
	h.buf.Add(entry)
	if h.next != nil {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	for _, a := range attrs {
		if a.Key == "plugin" {
			if s, ok := a.Value.Any().(string); ok {
				clone.plugin = s
			}
		}
	}
	return &clone
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}
