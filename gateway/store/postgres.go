package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL REFERENCES servers(id),
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'GROUP',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS channel_participants (
			channel_id TEXT NOT NULL REFERENCES channels(id),
			user_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (channel_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id),
			author_id TEXT NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_server_id ON channels(server_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_id ON messages(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
		fmt.Sprintf(`INSERT INTO servers (id, name) VALUES ('%s', 'Default')
		 ON CONFLICT(id) DO NOTHING`, DefaultServerID),
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func pgIsUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateServer inserts a server. Returns ErrExists if the ID is taken.
func (s *PostgresStore) CreateServer(ctx context.Context, srv *Server) error {
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (id, name, created_at) VALUES ($1, $2, $3)`,
		srv.ID, srv.Name, srv.CreatedAt)
	if pgIsUnique(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return nil
}

// GetServer returns a server by ID, or (nil, nil) if absent.
func (s *PostgresStore) GetServer(ctx context.Context, id string) (*Server, error) {
	var srv Server
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM servers WHERE id = $1`, id).
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
func (s *PostgresStore) ListServers(ctx context.Context) ([]Server, error) {
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
// transaction. Returns ErrExists on an ID conflict.
func (s *PostgresStore) CreateChannel(ctx context.Context, ch *Channel, participants []string) error {
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
		`INSERT INTO channels (id, server_id, name, type, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ch.ID, ch.ServerID, ch.Name, ch.Type, meta, ch.CreatedAt)
	if pgIsUnique(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}

	for _, userID := range participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channel_participants (channel_id, user_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			ch.ID, userID); err != nil {
			return fmt.Errorf("add participant: %w", err)
		}
	}

	return tx.Commit()
}

// GetChannel returns a channel by ID, or (nil, nil) if absent.
func (s *PostgresStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	var ch Channel
	var meta string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, server_id, name, type, metadata, created_at FROM channels WHERE id = $1`, id).
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
func (s *PostgresStore) GetParticipants(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM channel_participants WHERE channel_id = $1 ORDER BY created_at`, channelID)
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
func (s *PostgresStore) AddParticipant(ctx context.Context, channelID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_participants (channel_id, user_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		channelID, userID)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// CreateMessage persists a message and returns the store-assigned ID.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *Message) (string, error) {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ChannelID, msg.AuthorID, msg.AuthorName, msg.Content, meta, msg.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	return msg.ID, nil
}

// GetRecentMessages returns up to limit most recent messages, oldest first.
func (s *PostgresStore) GetRecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, author_id, author_name, content, metadata, created_at
		 FROM (SELECT * FROM messages WHERE channel_id = $1 ORDER BY created_at DESC, id LIMIT $2) recent
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
func (s *PostgresStore) CountMessages(ctx context.Context, channelID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel_id = $1`, channelID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
