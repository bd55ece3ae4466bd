// Package registry tracks per-connection gateway state: the agent
// associated with a connection for log correlation, and the connection's
// log stream filter.
//
// All entries are keyed by connection ID and mutated only by the owning
// connection's handlers, so a single coarse lock suffices; it is
// contended only during log broadcast iteration.
package registry

import (
	"log/slog"
	"strings"
	"sync"
)

// FilterAll is the wildcard value matching every agent name or level.
const FilterAll = "all"

// LogFilter selects which log entries a subscribed connection receives.
type LogFilter struct {
	AgentName string `json:"agentName"`
	Level     string `json:"level"`
}

// NewLogFilter returns the default pass-everything filter created on
// subscription.
func NewLogFilter() LogFilter {
	return LogFilter{AgentName: FilterAll, Level: FilterAll}
}

// Matches reports whether an entry with the given agent name and level
// passes the filter. The level test is a numeric severity threshold.
func (f LogFilter) Matches(agentName string, level slog.Level) bool {
	if f.AgentName != FilterAll && f.AgentName != agentName {
		return false
	}
	if f.Level == FilterAll {
		return true
	}
	return level >= ParseLevel(f.Level)
}

// ParseLevel maps a level name to its slog severity. Unknown names map
// to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "fatal":
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// Registry is the process-wide connection state map.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]string    // conn_id -> agent_id
	filters map[string]LogFilter // conn_id -> filter (present = subscribed)
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		agents:  make(map[string]string),
		filters: make(map[string]LogFilter),
	}
}

// AssociateAgent records the agent a connection is talking to.
func (r *Registry) AssociateAgent(connID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[connID] = agentID
}

// AgentFor returns the agent associated with a connection, if any.
func (r *Registry) AgentFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agentID, ok := r.agents[connID]
	return agentID, ok
}

// SubscribeLogs creates the default log filter for a connection.
// Re-subscribing resets the filter.
func (r *Registry) SubscribeLogs(connID string) LogFilter {
	f := NewLogFilter()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[connID] = f
	return f
}

// UnsubscribeLogs removes a connection's log filter. Returns false if the
// connection was not subscribed.
func (r *Registry) UnsubscribeLogs(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.filters[connID]; !ok {
		return false
	}
	delete(r.filters, connID)
	return true
}

// UpdateLogFilter merges non-nil fields into a connection's filter.
// Returns false if the connection was never subscribed.
func (r *Registry) UpdateLogFilter(connID string, agentName, level *string) (LogFilter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.filters[connID]
	if !ok {
		return LogFilter{}, false
	}
	if agentName != nil {
		f.AgentName = *agentName
	}
	if level != nil {
		f.Level = *level
	}
	r.filters[connID] = f
	return f, true
}

// LogFilterFor returns a connection's filter and whether it is subscribed.
func (r *Registry) LogFilterFor(connID string) (LogFilter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.filters[connID]
	return f, ok
}

// Filters returns a snapshot of all subscribed connections' filters for
// broadcast iteration.
func (r *Registry) Filters() map[string]LogFilter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]LogFilter, len(r.filters))
	for connID, f := range r.filters {
		out[connID] = f
	}
	return out
}

// DropConnection releases all state held for a connection. Called exactly
// once when the transport closes.
func (r *Registry) DropConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, connID)
	delete(r.filters, connID)
}
