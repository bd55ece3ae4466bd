package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the
	// pool see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL REFERENCES servers(id),
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'GROUP',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS channel_participants (
			channel_id TEXT NOT NULL REFERENCES channels(id),
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (channel_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id),
			author_id TEXT NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_server_id ON channels(server_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_id ON messages(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
		fmt.Sprintf(`INSERT OR IGNORE INTO servers (id, name) VALUES ('%s', 'Default')`, DefaultServerID),
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func sqliteIsUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// CreateServer inserts a server. Returns ErrExists if the ID is taken.
func (s *SQLiteStore) CreateServer(ctx context.Context, srv *Server) error {
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (id, name, created_at) VALUES (?, ?, ?)`,
		srv.ID, srv.Name, srv.CreatedAt)
	if sqliteIsUnique(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return nil
}

// GetServer returns a server by ID, or (nil, nil) if absent.
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*Server, error) {
	var srv Server
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM servers WHERE id = ?`, id).
		Scan(&srv.ID, &srv.Name, &srv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}
	return &srv, nil
}

// ListServers returns all servers.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM servers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Server
	for rows.Next() {
		var srv Server
		if err := rows.Scan(&srv.ID, &srv.Name, &srv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// CreateChannel inserts a channel and its initial participants in one
// transaction. Returns ErrExists if the channel ID is already taken; the
// caller treats that as "created concurrently" and re-fetches.
func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *Channel, participants []string) error {
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	meta, err := marshalMeta(ch.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO channels (id, server_id, name, type, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.ServerID, ch.Name, ch.Type, meta, ch.CreatedAt)
	if sqliteIsUnique(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}

	for _, userID := range participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO channel_participants (channel_id, user_id) VALUES (?, ?)`,
			ch.ID, userID); err != nil {
			return fmt.Errorf("add participant: %w", err)
		}
	}

	return tx.Commit()
}

// GetChannel returns a channel by ID, or (nil, nil) if absent.
func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	var ch Channel
	var meta string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, server_id, name, type, metadata, created_at FROM channels WHERE id = ?`, id).
		Scan(&ch.ID, &ch.ServerID, &ch.Name, &ch.Type, &meta, &ch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	if err := unmarshalMeta(meta, &ch.Metadata); err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetParticipants returns the user IDs in a channel's participant set.
// An empty slice with no error means the channel has no participants OR
// does not exist; callers distinguish via GetChannel.
func (s *SQLiteStore) GetParticipants(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM channel_participants WHERE channel_id = ? ORDER BY created_at`, channelID)
	if err != nil {
		return nil, fmt.Errorf("get participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

// AddParticipant adds a user to a channel's participant set. Idempotent.
func (s *SQLiteStore) AddParticipant(ctx context.Context, channelID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO channel_participants (channel_id, user_id) VALUES (?, ?)`,
		channelID, userID)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// CreateMessage persists a message and returns the store-assigned ID.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	meta, err := marshalMeta(msg.Metadata)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, author_id, author_name, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChannelID, msg.AuthorID, msg.AuthorName, msg.Content, meta, msg.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	return msg.ID, nil
}

// GetRecentMessages returns up to limit most recent messages for a
// channel, oldest first.
func (s *SQLiteStore) GetRecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, author_id, author_name, content, metadata, created_at
		 FROM (SELECT * FROM messages WHERE channel_id = ? ORDER BY created_at DESC, id LIMIT ?)
		 ORDER BY created_at, id`,
		channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var m Message
		var meta string
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.AuthorName, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := unmarshalMeta(meta, &m.Metadata); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages returns the number of messages stored for a channel.
func (s *SQLiteStore) CountMessages(ctx context.Context, channelID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel_id = ?`, channelID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalMeta(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMeta(s string, dst *map[string]any) error {
	if s == "" || s == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	return nil
}
