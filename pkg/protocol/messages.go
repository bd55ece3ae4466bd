// Package protocol defines the wire protocol exchanged between Parley
// components (client ↔ gateway ↔ agent runtime) over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type"
// field that determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// Inbound message types (client → gateway).
const (
	TypeJoinChannel      = "join-channel"
	TypeSendMessage      = "send-message"
	TypeSubscribeLogs    = "subscribe-logs"
	TypeUnsubscribeLogs  = "unsubscribe-logs"
	TypeUpdateLogFilters = "update-log-filters"
)

// Outbound message types (gateway → client).
const (
	TypeConnectionEstablished = "connection-established"
	TypeChannelJoined         = "channel-joined"
	TypeJoinDenied            = "join-denied"
	TypeMessageBroadcast      = "message-broadcast"
	TypeMessageAck            = "message-ack"
	TypeMessageError          = "message-error"
	TypeMessageHistory        = "message-history"
	TypeLogSubscription       = "log-subscription-confirmed"
	TypeLogFiltersUpdated     = "log-filters-updated"
	TypeLogStream             = "log-stream"
)

// Runtime message types (gateway ↔ agent runtime).
const (
	TypeRuntimeHello = "runtime-hello"
	TypeHelloAck     = "hello-ack"
	TypeEntityJoined = "entity-joined"
)

// AckStatus is carried in MessageAck for a successfully accepted message.
const AckStatus = "received_by_server_and_processing"

// Error codes carried in ErrorPayload, one per failure class.
const (
	CodeInvalidRequest = "invalid_request"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal_error"
)

// ChannelRef carries a channel identifier, accepting the legacy "roomId"
// alias used by older clients. ChannelID wins when both are set.
type ChannelRef struct {
	ChannelID string `json:"channelId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
}

// Resolve returns the effective channel identifier.
func (r ChannelRef) Resolve() string {
	if r.ChannelID != "" {
		return r.ChannelID
	}
	return r.RoomID
}

// JoinChannel is a request to join a channel's broadcast group.
type JoinChannel struct {
	ChannelRef
	AgentID  string         `json:"agentId,omitempty"`
	EntityID string         `json:"entityId,omitempty"`
	ServerID string         `json:"serverId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SendMessage submits a message to a channel.
type SendMessage struct {
	ChannelRef
	ServerID    string         `json:"serverId"`
	SenderID    string         `json:"senderId"`
	SenderName  string         `json:"senderName,omitempty"`
	Message     string         `json:"message"`
	MessageID   string         `json:"messageId,omitempty"` // client correlation id
	Metadata    map[string]any `json:"metadata,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// Attachment is a media reference carried alongside a message.
type Attachment struct {
	ID          string `json:"id,omitempty"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Title       string `json:"title,omitempty"`
}

// UpdateLogFilters carries a partial log filter update. Nil fields are
// left unchanged.
type UpdateLogFilters struct {
	AgentName *string `json:"agentName,omitempty"`
	Level     *string `json:"level,omitempty"`
}

// ConnectionEstablished is sent once per connection after the handshake.
type ConnectionEstablished struct {
	ConnectionID  string `json:"connectionId"`
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId,omitempty"`
	Username      string `json:"username,omitempty"`
}

// ChannelJoined acknowledges a successful join.
type ChannelJoined struct {
	ChannelID string `json:"channelId"`
	AgentID   string `json:"agentId,omitempty"`
}

// JoinDenied reports a rejected join request.
type JoinDenied struct {
	ChannelID string `json:"channelId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// MessageBroadcast delivers a persisted message to channel members.
// ClientMessageID is set only on the copy echoed back to the submitter so
// it can reconcile optimistic UI state.
type MessageBroadcast struct {
	ID              string         `json:"id"`
	ChannelID       string         `json:"channelId"`
	SenderID        string         `json:"senderId"`
	SenderName      string         `json:"senderName,omitempty"`
	Text            string         `json:"text"`
	CreatedAt       time.Time      `json:"createdAt"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
	ClientMessageID string         `json:"clientMessageId,omitempty"`
}

// MessageAck confirms a message submission to the sender.
type MessageAck struct {
	ClientMessageID string `json:"clientMessageId,omitempty"`
	MessageID       string `json:"messageId"`
	ChannelID       string `json:"channelId"`
	Status          string `json:"status"`
}

// ErrorPayload is the single error shape for message-error and related
// failure events.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageHistory replays recent channel messages to a joining connection,
// oldest first.
type MessageHistory struct {
	ChannelID string             `json:"channelId"`
	Messages  []MessageBroadcast `json:"messages"`
}

// LogSubscription confirms a subscribe/unsubscribe request.
type LogSubscription struct {
	Subscribed bool `json:"subscribed"`
}

// LogFiltersUpdated reports the outcome of a filter update.
type LogFiltersUpdated struct {
	Success   bool   `json:"success"`
	AgentName string `json:"agentName,omitempty"`
	Level     string `json:"level,omitempty"`
}

// LogStreamEntry wraps a single log record pushed to a subscribed
// connection.
type LogStreamEntry struct {
	Type    string          `json:"type"` // always "log_entry"
	Payload json.RawMessage `json:"payload"`
}

// RuntimeHello is sent by an agent runtime immediately after connecting.
type RuntimeHello struct {
	RuntimeID string   `json:"runtimeId"`
	Token     string   `json:"token"`
	Agents    []string `json:"agents,omitempty"`
}

// HelloAck is the gateway's response to RuntimeHello.
type HelloAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// EntityJoined seeds world/participant bookkeeping in the agent runtime
// when an entity enters a channel. Fire-and-forget from the gateway's
// perspective.
type EntityJoined struct {
	EntityID    string `json:"entityId"`
	RoomID      string `json:"roomId"`
	WorldID     string `json:"worldId"`
	ChannelType string `json:"channelType"` // "DM" or "GROUP"
	Source      string `json:"source"`
}
