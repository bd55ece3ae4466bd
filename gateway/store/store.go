// Package store defines the persistence interface for the gateway and
// provides SQLite and PostgreSQL implementations. The gateway holds no
// authoritative copy of channel state; the store owns it.
package store

import (
	"context"
	"errors"
	"time"
)

// DefaultServerID is the fixed, well-known server used when no explicit
// server grouping is supplied. Seeded by migrations.
const DefaultServerID = "00000000-0000-0000-0000-000000000000"

// Channel types.
const (
	ChannelTypeDM    = "DM"
	ChannelTypeGroup = "GROUP"
)

// ErrExists is returned by create operations when the row already exists.
// Callers racing on lazy channel creation treat it as success and re-fetch.
var ErrExists = errors.New("already exists")

// Store is the persistence interface consumed by the gateway.
// Lookups return (nil, nil) for missing rows.
type Store interface {
	// Servers
	CreateServer(ctx context.Context, srv *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	ListServers(ctx context.Context) ([]Server, error)

	// Channels
	CreateChannel(ctx context.Context, ch *Channel, participants []string) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	GetParticipants(ctx context.Context, channelID string) ([]string, error)
	AddParticipant(ctx context.Context, channelID, userID string) error

	// Messages
	CreateMessage(ctx context.Context, msg *Message) (string, error)
	GetRecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error)
	CountMessages(ctx context.Context, channelID string) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Server is a logical grouping of channels.
type Server struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel is a conversation room with a bounded participant set.
type Channel struct {
	ID        string         `json:"id"`
	ServerID  string         `json:"server_id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"` // "DM" or "GROUP"
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Message is a persisted channel message. The store assigns the ID when
// empty; messages are immutable once written.
type Message struct {
	ID         string         `json:"id"`
	ChannelID  string         `json:"channel_id"`
	AuthorID   string         `json:"author_id"`
	AuthorName string         `json:"author_name,omitempty"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
