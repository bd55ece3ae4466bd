// Package socket manages the gateway's WebSocket connections: the
// client-facing channel protocol and the agent runtime link.
package socket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/gateway/auth"
	"github.com/parleyhq/parley/gateway/authz"
	"github.com/parleyhq/parley/gateway/logstream"
	"github.com/parleyhq/parley/gateway/registry"
	"github.com/parleyhq/parley/gateway/store"
	"github.com/parleyhq/parley/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Gateway owns all WebSocket connections and the channel broadcast groups.
type Gateway struct {
	store       store.Store
	verifier    auth.Verifier // nil means every connection is anonymous
	runtimeAuth *auth.RuntimeAuth
	oracle      *authz.Oracle
	registry    *registry.Registry
	logs        *logstream.Broadcaster
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	maxMessageBytes int64
	historyLimit    int
	mediaBaseURL    string

	mu           sync.RWMutex
	conns        map[string]*conn            // conn_id -> conn
	channels     map[string]map[string]*conn // channel_id -> conn_id -> conn
	runtimes     map[string]*runtimeConn     // runtime_id -> conn
	runtimeOrder []string                    // connect order, for "first available"
}

type conn struct {
	id       string
	identity *auth.Identity

	mu          sync.Mutex
	write       func(data []byte) error // guarded by mu
	msgTokens   float64
	msgLastTime time.Time
}

type runtimeConn struct {
	id     string
	agents []string
	mu     sync.Mutex
	write  func(data []byte) error
}

// Options configures the Gateway.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64 // max WebSocket message size from clients (default 64KB)
	HistoryLimit    int   // messages replayed on join (default 50)
	MediaBaseURL    string
}

// New creates a Gateway.
func New(s store.Store, verifier auth.Verifier, runtimeAuth *auth.RuntimeAuth, reg *registry.Registry, logs *logstream.Broadcaster, logger *slog.Logger, opts Options) *Gateway {
	maxBytes := opts.MaxMessageBytes
	if maxBytes == 0 {
		maxBytes = 64 * 1024
	}
	historyLimit := opts.HistoryLimit
	if historyLimit == 0 {
		historyLimit = 50
	}

	return &Gateway{
		store:           s,
		verifier:        verifier,
		runtimeAuth:     runtimeAuth,
		oracle:          authz.New(s, logger),
		registry:        reg,
		logs:            logs,
		logger:          logger.With("component", "socket"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes: maxBytes,
		historyLimit:    historyLimit,
		mediaBaseURL:    opts.MediaBaseURL,
		conns:           make(map[string]*conn),
		channels:        make(map[string]map[string]*conn),
		runtimes:        make(map[string]*runtimeConn),
	}
}

// HandleClientWS handles WebSocket connections from clients.
func (g *Gateway) HandleClientWS(w http.ResponseWriter, req *http.Request) {
	// Authentication is fail-open: a missing or invalid token degrades to
	// an anonymous connection, never a rejected handshake.
	var identity *auth.Identity
	if token := auth.TokenFromRequest(req); token != "" && g.verifier != nil {
		id, err := g.verifier.VerifyToken(req.Context(), token)
		if err != nil {
			g.logger.Warn("token verification failed, accepting as anonymous", "error", err)
		} else {
			identity = id
		}
	}

	ws, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	ws.SetReadLimit(g.maxMessageBytes)

	c := &conn{
		id:       uuid.New().String(),
		identity: identity,
		write: func(data []byte) error {
			return ws.WriteMessage(websocket.TextMessage, data)
		},
	}

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()

	cancelKeepalive := startWSKeepalive(ws, &c.mu)
	defer cancelKeepalive()

	established := protocol.ConnectionEstablished{
		ConnectionID:  c.id,
		Authenticated: !identity.Anonymous(),
	}
	if identity != nil {
		established.UserID = identity.UserID
		established.Username = identity.DisplayName
	}
	g.sendToConn(c, protocol.TypeConnectionEstablished, established)

	g.logger.Info("client connected", "conn_id", c.id, "authenticated", established.Authenticated)

	defer g.dropConn(c)

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			g.logger.Debug("client read error", "conn_id", c.id, "error", err)
			return
		}
		// Any message resets the read deadline.
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))

		if !c.allowMessage() {
			g.logger.Debug("client message rate limited", "conn_id", c.id)
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			g.logger.Warn("invalid message from client", "conn_id", c.id, "error", err)
			continue
		}

		g.handleClientMessage(c, env)
	}
}

// dropConn releases all gateway state for a closed connection: broadcast
// group membership, registry entries, and the log stream sink.
func (g *Gateway) dropConn(c *conn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	for channelID, members := range g.channels {
		delete(members, c.id)
		if len(members) == 0 {
			delete(g.channels, channelID)
		}
	}
	g.mu.Unlock()

	g.registry.DropConnection(c.id)
	g.logs.Detach(c.id)
	g.logger.Info("client disconnected", "conn_id", c.id)
}

// handleClientMessage dispatches one inbound envelope. Every known type
// has exactly one handler; unknown types are answered, not dropped.
func (g *Gateway) handleClientMessage(c *conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeJoinChannel:
		var req protocol.JoinChannel
		if !g.decodePayload(c, env.Payload, &req) {
			return
		}
		g.handleJoin(c, req)

	case protocol.TypeSendMessage:
		var req protocol.SendMessage
		if !g.decodePayload(c, env.Payload, &req) {
			return
		}
		g.handleSend(c, req)

	case protocol.TypeSubscribeLogs:
		g.handleSubscribeLogs(c)

	case protocol.TypeUnsubscribeLogs:
		g.handleUnsubscribeLogs(c)

	case protocol.TypeUpdateLogFilters:
		var req protocol.UpdateLogFilters
		if !g.decodePayload(c, env.Payload, &req) {
			return
		}
		g.handleUpdateLogFilters(c, req)

	default:
		g.logger.Warn("unknown client message type", "type", env.Type, "conn_id", c.id)
		g.sendError(c, protocol.CodeInvalidRequest, "unknown message type: "+env.Type)
	}
}

// decodePayload re-marshals an envelope payload into its typed form.
func (g *Gateway) decodePayload(c *conn, payload any, dst any) bool {
	data, err := json.Marshal(payload)
	if err == nil {
		err = json.Unmarshal(data, dst)
	}
	if err != nil {
		g.logger.Warn("malformed payload", "conn_id", c.id, "error", err)
		g.sendError(c, protocol.CodeInvalidRequest, "malformed payload")
		return false
	}
	return true
}

// subscribe adds a connection to a channel's broadcast group. Idempotent.
func (g *Gateway) subscribe(channelID string, c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	members := g.channels[channelID]
	if members == nil {
		members = make(map[string]*conn)
		g.channels[channelID] = members
	}
	members[c.id] = c
}

// broadcastToChannel sends a message to every connection in a channel's
// broadcast group except excludeConnID.
func (g *Gateway) broadcastToChannel(channelID, msgType string, payload any, excludeConnID string) {
	g.mu.RLock()
	members := g.channels[channelID]
	targets := make([]*conn, 0, len(members))
	for _, member := range members {
		if member.id == excludeConnID {
			continue
		}
		targets = append(targets, member)
	}
	g.mu.RUnlock()

	for _, member := range targets {
		g.sendToConn(member, msgType, payload)
	}
}

func (g *Gateway) sendToConn(c *conn, msgType string, payload any) {
	g.sendEnvelope(c, protocol.Envelope{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func (g *Gateway) sendEnvelope(c *conn, env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	c.mu.Lock()
	err = c.write(data)
	c.mu.Unlock()

	// Logged outside the write lock: the process logger feeds the log
	// stream, and a stream delivery may be holding this very lock.
	if err != nil {
		g.logger.Debug("send to client failed", "conn_id", c.id, "error", err)
	}
}

// sendError reports a rejected operation. Exactly one error event per
// rejected request; the connection stays open.
func (g *Gateway) sendError(c *conn, code, message string) {
	g.sendToConn(c, protocol.TypeMessageError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
}

func (c *conn) allowMessage() bool {
	const rate = 30.0  // messages per second
	const burst = 50.0 // max burst

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.msgLastTime.IsZero() {
		c.msgTokens = burst
		c.msgLastTime = now
	}

	elapsed := now.Sub(c.msgLastTime).Seconds()
	c.msgTokens += elapsed * rate
	if c.msgTokens > burst {
		c.msgTokens = burst
	}
	c.msgLastTime = now

	if c.msgTokens < 1 {
		return false
	}
	c.msgTokens--
	return true
}

// wellFormedID reports whether s is acceptable as a channel, server,
// sender, or agent identifier: non-empty, bounded, and free of control
// characters and whitespace.
func wellFormedID(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}

// ConnectionCount returns the number of live client connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// ChannelCount returns the number of channels with at least one
// subscribed connection.
func (g *Gateway) ChannelCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.channels)
}
