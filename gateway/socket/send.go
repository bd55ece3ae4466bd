package socket

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/gateway/auth"
	"github.com/parleyhq/parley/gateway/authz"
	"github.com/parleyhq/parley/gateway/store"
	"github.com/parleyhq/parley/pkg/protocol"
)

// handleSend validates, authorizes, and persists a message submission,
// lazily creating the channel when absent, then fans the message out:
// one broadcast to every other member and one tagged echo to the
// submitter. All failures yield exactly one message-error with no
// partial effects.
func (g *Gateway) handleSend(c *conn, req protocol.SendMessage) {
	channelID := req.Resolve()
	switch {
	case !wellFormedID(channelID):
		g.sendError(c, protocol.CodeInvalidRequest, "channelId is required")
		return
	case req.ServerID != store.DefaultServerID && !wellFormedID(req.ServerID):
		g.sendError(c, protocol.CodeInvalidRequest, "serverId is required")
		return
	case !wellFormedID(req.SenderID):
		g.sendError(c, protocol.CodeInvalidRequest, "senderId is required")
		return
	case strings.TrimSpace(req.Message) == "":
		g.sendError(c, protocol.CodeInvalidRequest, "message must not be empty")
		return
	case int64(len(req.Message)) > g.maxMessageBytes:
		g.sendError(c, protocol.CodeInvalidRequest, "message too large")
		return
	}

	// Anti-impersonation: a verified connection may never submit on
	// behalf of another identity.
	if !c.identity.Anonymous() && c.identity.UserID != req.SenderID {
		g.logger.Warn("sender mismatch", "conn_id", c.id,
			"identity_user", c.identity.UserID, "sender_id", req.SenderID)
		g.sendError(c, protocol.CodeForbidden, "senderId does not match authenticated identity")
		return
	}

	ctx := context.Background()

	// Authorization is evaluated for the effective sender: the verified
	// identity when present, otherwise the claimed sender (still gated by
	// channel membership).
	effective := c.identity
	if effective.Anonymous() {
		effective = &auth.Identity{UserID: req.SenderID, DisplayName: req.SenderName}
	}
	decision := g.oracle.Authorize(ctx, effective, channelID, authz.ModeJoin)
	if !decision.Allowed {
		g.logger.Warn("send denied", "conn_id", c.id, "channel_id", channelID, "reason", decision.Reason)
		g.sendError(c, decision.Code, decision.Reason)
		return
	}

	ch, err := g.store.GetChannel(ctx, channelID)
	if err != nil {
		g.logger.Error("channel lookup failed", "channel_id", channelID, "error", err)
		g.sendError(c, protocol.CodeInternal, "failed to process message")
		return
	}
	if ch == nil {
		ch, err = g.materializeChannel(ctx, channelID, req)
		if err != nil {
			if errors.Is(err, errServerNotFound) {
				g.sendError(c, protocol.CodeNotFound, "server not found: "+req.ServerID)
			} else {
				g.logger.Error("channel creation failed", "channel_id", channelID, "error", err)
				g.sendError(c, protocol.CodeInternal, "failed to process message")
			}
			return
		}
	}

	// A DM's first message may be the first contact point, so the world
	// bootstrap event fires here as well as on explicit join.
	if ch.Type == store.ChannelTypeDM {
		g.emitEntityJoined(req.SenderID, channelID, req.ServerID, store.ChannelTypeDM)
	}

	msg := &store.Message{
		ChannelID:  channelID,
		AuthorID:   req.SenderID,
		AuthorName: req.SenderName,
		Content:    req.Message,
		Metadata:   req.Metadata,
	}
	messageID, err := g.store.CreateMessage(ctx, msg)
	if err != nil {
		g.logger.Error("message persist failed", "channel_id", channelID, "error", err)
		g.sendError(c, protocol.CodeInternal, "failed to persist message")
		return
	}

	broadcast := broadcastFromStored(*msg)
	broadcast.Attachments = g.resolveAttachments(req.Attachments)

	// Two-path delivery: broadcast to every other member, then echo to
	// the submitter tagged with its correlation id so it never
	// double-renders its own message.
	g.broadcastToChannel(channelID, protocol.TypeMessageBroadcast, broadcast, c.id)

	echo := broadcast
	echo.ClientMessageID = req.MessageID
	g.sendToConn(c, protocol.TypeMessageBroadcast, echo)

	g.sendToConn(c, protocol.TypeMessageAck, protocol.MessageAck{
		ClientMessageID: req.MessageID,
		MessageID:       messageID,
		ChannelID:       channelID,
		Status:          protocol.AckStatus,
	})
}

var errServerNotFound = errors.New("server not found")

// materializeChannel creates a channel on first message. The server must
// already exist; the gateway cannot invent one. A concurrent creation of
// the same channel is not an error: the loser of the race re-fetches.
func (g *Gateway) materializeChannel(ctx context.Context, channelID string, req protocol.SendMessage) (*store.Channel, error) {
	srv, err := g.store.GetServer(ctx, req.ServerID)
	if err != nil {
		return nil, err
	}
	if srv == nil {
		return nil, errServerNotFound
	}

	chType := channelTypeFromMetadata(req.Metadata)
	participants := []string{req.SenderID}
	if chType == store.ChannelTypeDM {
		if target := dmTarget(req.Metadata); target != "" {
			participants = append(participants, target)
		} else {
			// Deliberately permissive: a DM without a resolvable
			// counterpart is created single-sided.
			g.logger.Warn("DM channel created without resolvable counterpart",
				"channel_id", channelID, "sender_id", req.SenderID)
		}
	}

	ch := &store.Channel{
		ID:       channelID,
		ServerID: req.ServerID,
		Name:     generatedChannelName(channelID),
		Type:     chType,
		Metadata: req.Metadata,
	}
	err = g.store.CreateChannel(ctx, ch, participants)
	if errors.Is(err, store.ErrExists) {
		existing, err := g.store.GetChannel(ctx, channelID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("channel %s missing after create conflict", channelID)
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}

	g.logger.Info("channel created on first message",
		"channel_id", channelID, "server_id", req.ServerID, "type", chType)
	return ch, nil
}

// dmTarget resolves the DM counterpart from request metadata.
func dmTarget(metadata map[string]any) string {
	for _, key := range []string{"targetUserId", "recipientId"} {
		if v, ok := metadata[key].(string); ok && wellFormedID(v) {
			return v
		}
	}
	return ""
}

// generatedChannelName builds a display name for a lazily created channel.
func generatedChannelName(channelID string) string {
	short := channelID
	if len(short) > 8 {
		short = short[:8]
	}
	return "chat-" + short
}

// resolveAttachments rewrites relative attachment URLs to externally
// resolvable ones using the configured media base URL.
func (g *Gateway) resolveAttachments(attachments []protocol.Attachment) []protocol.Attachment {
	if len(attachments) == 0 {
		return nil
	}
	out := make([]protocol.Attachment, len(attachments))
	copy(out, attachments)
	if g.mediaBaseURL == "" {
		return out
	}
	base := strings.TrimSuffix(g.mediaBaseURL, "/")
	for i, a := range out {
		if strings.HasPrefix(a.URL, "/") {
			out[i].URL = base + a.URL
		}
	}
	return out
}
