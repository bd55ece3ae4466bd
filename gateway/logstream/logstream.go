// Package logstream fans operational log records out to WebSocket
// connections that subscribed to the log stream, applying each
// connection's agent-name and severity filter.
//
// Delivery is fire-and-forget per connection: each subscriber drains a
// small buffered channel on its own goroutine, and publishing never
// blocks — a slow or disconnected consumer simply misses entries.
package logstream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/gateway/registry"
	"github.com/parleyhq/parley/pkg/protocol"
)

// Entry is a single log record offered to subscribers.
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	AgentName string         `json:"agentName,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`

	severity slog.Level
}

// NewEntry builds an Entry with its severity resolved from the level name.
func NewEntry(t time.Time, level slog.Level, agentName, message string, fields map[string]any) Entry {
	return Entry{
		Time:      t,
		Level:     level.String(),
		AgentName: agentName,
		Message:   message,
		Fields:    fields,
		severity:  level,
	}
}

// Sink delivers an already-enveloped log event to one connection. It is
// called from the connection's own drain goroutine, so a blocking sink
// stalls only that subscriber, never the goroutine that logged.
// Implementations must not log through the stream.
type Sink func(env protocol.Envelope)

// sinkBuffer is how many undelivered entries a subscriber may lag
// behind before entries are dropped for it.
const sinkBuffer = 64

// Broadcaster pushes log entries to subscribed connections.
type Broadcaster struct {
	reg *registry.Registry

	mu    sync.RWMutex
	sinks map[string]chan protocol.Envelope // conn_id -> delivery queue
}

// NewBroadcaster creates a Broadcaster reading filters from reg.
func NewBroadcaster(reg *registry.Registry) *Broadcaster {
	return &Broadcaster{
		reg:   reg,
		sinks: make(map[string]chan protocol.Envelope),
	}
}

// Attach registers a connection's delivery sink and starts its drain
// goroutine. Re-attaching replaces the previous sink. The connection
// still needs a filter in the registry to receive anything.
func (b *Broadcaster) Attach(connID string, sink Sink) {
	ch := make(chan protocol.Envelope, sinkBuffer)
	b.mu.Lock()
	if old, ok := b.sinks[connID]; ok {
		close(old)
	}
	b.sinks[connID] = ch
	b.mu.Unlock()

	go func() {
		for env := range ch {
			sink(env)
		}
	}()
}

// Detach removes a connection's sink. Its drain goroutine exits after
// delivering whatever is still queued.
func (b *Broadcaster) Detach(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.sinks[connID]; ok {
		delete(b.sinks, connID)
		close(ch)
	}
}

// Broadcast queues the entry for every subscribed connection whose
// filter matches. Never blocks: a subscriber whose queue is full drops
// the entry.
func (b *Broadcaster) Broadcast(e Entry) {
	filters := b.reg.Filters()
	if len(filters) == 0 {
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	env := protocol.Envelope{
		Type:      protocol.TypeLogStream,
		Timestamp: time.Now(),
		Payload: protocol.LogStreamEntry{
			Type:    "log_entry",
			Payload: payload,
		},
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for connID, filter := range filters {
		if !filter.Matches(e.AgentName, e.severity) {
			continue
		}
		ch, ok := b.sinks[connID]
		if !ok {
			continue
		}
		select {
		case ch <- env:
		default:
			// slow subscriber, drop
		}
	}
}
