package socket

import (
	"encoding/json"

	"github.com/parleyhq/parley/pkg/protocol"
)

// handleSubscribeLogs opens the log stream for a connection with the
// default pass-everything filter. Re-subscribing resets the filter.
func (g *Gateway) handleSubscribeLogs(c *conn) {
	g.registry.SubscribeLogs(c.id)
	g.logs.Attach(c.id, func(env protocol.Envelope) {
		data, err := json.Marshal(env)
		if err != nil {
			return
		}
		// Writes directly instead of going through sendEnvelope: a
		// delivery failure must not log, or it would feed back into
		// the stream it failed to deliver.
		c.mu.Lock()
		_ = c.write(data)
		c.mu.Unlock()
	})
	g.sendToConn(c, protocol.TypeLogSubscription, protocol.LogSubscription{Subscribed: true})
}

// handleUnsubscribeLogs closes the log stream for a connection.
func (g *Gateway) handleUnsubscribeLogs(c *conn) {
	g.registry.UnsubscribeLogs(c.id)
	g.logs.Detach(c.id)
	g.sendToConn(c, protocol.TypeLogSubscription, protocol.LogSubscription{Subscribed: false})
}

// handleUpdateLogFilters merges partial filter fields. A connection that
// never subscribed gets an explicit failure acknowledgment, not an error.
func (g *Gateway) handleUpdateLogFilters(c *conn, req protocol.UpdateLogFilters) {
	filter, ok := g.registry.UpdateLogFilter(c.id, req.AgentName, req.Level)
	if !ok {
		g.sendToConn(c, protocol.TypeLogFiltersUpdated, protocol.LogFiltersUpdated{Success: false})
		return
	}
	g.sendToConn(c, protocol.TypeLogFiltersUpdated, protocol.LogFiltersUpdated{
		Success:   true,
		AgentName: filter.AgentName,
		Level:     filter.Level,
	})
}
