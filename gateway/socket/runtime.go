package socket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/gateway/store"
	"github.com/parleyhq/parley/pkg/protocol"
)

// HandleRuntimeWS handles WebSocket connections from agent runtimes. A
// runtime must open with a runtime-hello envelope carrying a valid
// configured token; anything else closes the connection.
func (g *Gateway) HandleRuntimeWS(w http.ResponseWriter, req *http.Request) {
	ws, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("runtime websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	_, msg, err := ws.ReadMessage()
	if err != nil {
		g.logger.Warn("runtime hello read failed", "error", err)
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		g.logger.Warn("runtime hello parse failed", "error", err)
		return
	}
	if env.Type != protocol.TypeRuntimeHello {
		g.logger.Warn("expected runtime-hello", "type", env.Type)
		return
	}

	data, _ := json.Marshal(env.Payload)
	var hello protocol.RuntimeHello
	if err := json.Unmarshal(data, &hello); err != nil {
		g.logger.Warn("runtime hello unmarshal failed", "error", err)
		return
	}

	if g.runtimeAuth == nil || !g.runtimeAuth.Validate(hello.RuntimeID, hello.Token) {
		g.sendToRuntimeConn(ws, protocol.TypeHelloAck, protocol.HelloAck{
			OK:    false,
			Error: "invalid runtime credentials",
		})
		return
	}

	rt := &runtimeConn{
		id:     hello.RuntimeID,
		agents: hello.Agents,
		write: func(data []byte) error {
			return ws.WriteMessage(websocket.TextMessage, data)
		},
	}

	g.mu.Lock()
	if existing, ok := g.runtimes[hello.RuntimeID]; ok {
		g.logger.Warn("runtime reconnect: replacing previous connection", "runtime_id", existing.id)
	} else {
		g.runtimeOrder = append(g.runtimeOrder, hello.RuntimeID)
	}
	g.runtimes[hello.RuntimeID] = rt
	g.mu.Unlock()

	cancelKeepalive := startWSKeepalive(ws, &rt.mu)
	defer cancelKeepalive()

	g.sendToRuntimeConn(ws, protocol.TypeHelloAck, protocol.HelloAck{OK: true})
	g.logger.Info("runtime connected", "runtime_id", hello.RuntimeID, "agents", len(hello.Agents))

	defer func() {
		g.mu.Lock()
		if current, ok := g.runtimes[hello.RuntimeID]; ok && current == rt {
			delete(g.runtimes, hello.RuntimeID)
			for i, id := range g.runtimeOrder {
				if id == hello.RuntimeID {
					g.runtimeOrder = append(g.runtimeOrder[:i], g.runtimeOrder[i+1:]...)
					break
				}
			}
		}
		g.mu.Unlock()
		g.logger.Info("runtime disconnected", "runtime_id", hello.RuntimeID)
	}()

	// The gateway pushes to runtimes; the read loop exists to observe
	// disconnects and keep the pong handler serviced.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			g.logger.Debug("runtime read error", "runtime_id", hello.RuntimeID, "error", err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}

// emitEntityJoined sends the world bootstrap signal to the first
// available agent runtime. Fire-and-forget: no runtime connected or a
// failed write is logged and never fails the caller.
func (g *Gateway) emitEntityJoined(entityID, channelID, serverID, channelType string) {
	worldID := serverID
	if worldID == "" {
		worldID = store.DefaultServerID
	}

	g.mu.RLock()
	var rt *runtimeConn
	if len(g.runtimeOrder) > 0 {
		rt = g.runtimes[g.runtimeOrder[0]]
	}
	g.mu.RUnlock()

	if rt == nil {
		g.logger.Debug("entity-joined dropped: no runtime connected",
			"entity_id", entityID, "channel_id", channelID)
		return
	}

	env := protocol.Envelope{
		Type:      protocol.TypeEntityJoined,
		Timestamp: time.Now(),
		Payload: protocol.EntityJoined{
			EntityID:    entityID,
			RoomID:      channelID,
			WorldID:     worldID,
			ChannelType: channelType,
			Source:      "gateway",
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	rt.mu.Lock()
	err = rt.write(data)
	rt.mu.Unlock()
	if err != nil {
		g.logger.Warn("entity-joined emit failed", "runtime_id", rt.id, "error", err)
	}
}

// sendToRuntimeConn writes an envelope to a raw runtime socket during the
// handshake, before the registered write path exists.
func (g *Gateway) sendToRuntimeConn(ws *websocket.Conn, msgType string, payload any) {
	env := protocol.Envelope{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = ws.WriteMessage(websocket.TextMessage, data)
}
