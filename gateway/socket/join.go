package socket

import (
	"context"

	"github.com/parleyhq/parley/gateway/authz"
	"github.com/parleyhq/parley/gateway/store"
	"github.com/parleyhq/parley/pkg/protocol"
)

// handleJoin validates and authorizes a join request, subscribes the
// connection to the channel's broadcast group, and optionally emits the
// entity-joined bootstrap event to an agent runtime.
func (g *Gateway) handleJoin(c *conn, req protocol.JoinChannel) {
	channelID := req.Resolve()
	if !wellFormedID(channelID) {
		g.sendError(c, protocol.CodeInvalidRequest, "channelId is required")
		return
	}

	ctx := context.Background()

	decision := g.oracle.Authorize(ctx, c.identity, channelID, authz.ModeJoin)
	if !decision.Allowed {
		g.logger.Warn("join denied", "conn_id", c.id, "channel_id", channelID, "reason", decision.Reason)
		g.sendToConn(c, protocol.TypeJoinDenied, protocol.JoinDenied{
			ChannelID: channelID,
			Code:      decision.Code,
			Message:   decision.Reason,
		})
		return
	}

	// The agent association is for log correlation only; it carries no
	// authorization weight.
	agentID := ""
	if req.AgentID != "" && wellFormedID(req.AgentID) {
		g.registry.AssociateAgent(c.id, req.AgentID)
		agentID = req.AgentID
	}

	g.subscribe(channelID, c)

	if req.EntityID != "" {
		g.emitEntityJoined(req.EntityID, channelID, req.ServerID, channelTypeFromMetadata(req.Metadata))
	}

	g.sendToConn(c, protocol.TypeChannelJoined, protocol.ChannelJoined{
		ChannelID: channelID,
		AgentID:   agentID,
	})

	g.replayHistory(ctx, c, channelID)

	g.logger.Info("channel joined", "conn_id", c.id, "channel_id", channelID)
}

// replayHistory sends the most recent channel messages to a freshly
// joined connection so reconnecting clients can render context. Failure
// is logged, never surfaced: the join already succeeded.
func (g *Gateway) replayHistory(ctx context.Context, c *conn, channelID string) {
	messages, err := g.store.GetRecentMessages(ctx, channelID, g.historyLimit)
	if err != nil {
		g.logger.Warn("history replay failed", "channel_id", channelID, "error", err)
		return
	}
	if len(messages) == 0 {
		return
	}

	out := make([]protocol.MessageBroadcast, len(messages))
	for i, m := range messages {
		out[i] = broadcastFromStored(m)
	}
	g.sendToConn(c, protocol.TypeMessageHistory, protocol.MessageHistory{
		ChannelID: channelID,
		Messages:  out,
	})
}

func broadcastFromStored(m store.Message) protocol.MessageBroadcast {
	return protocol.MessageBroadcast{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		SenderID:   m.AuthorID,
		SenderName: m.AuthorName,
		Text:       m.Content,
		CreatedAt:  m.CreatedAt,
		Metadata:   m.Metadata,
	}
}

// channelTypeFromMetadata classifies a channel as DM or GROUP from
// request metadata. GROUP is the default.
func channelTypeFromMetadata(metadata map[string]any) string {
	if metadata == nil {
		return store.ChannelTypeGroup
	}
	if t, ok := metadata["channelType"].(string); ok && t == store.ChannelTypeDM {
		return store.ChannelTypeDM
	}
	if isDM, ok := metadata["isDm"].(bool); ok && isDM {
		return store.ChannelTypeDM
	}
	return store.ChannelTypeGroup
}
