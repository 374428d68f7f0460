package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/relay/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/relay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/relay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
// Timestamps are stored as unix nanoseconds so ordering is numeric.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(from_id, to_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_id, created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append inserts a message.
func (s *SQLiteStore) Append(ctx context.Context, msg *models.Message) error {
	stamp(msg, 0)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, from_id, to_id, body, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.From, msg.To, msg.Body, msg.Timestamp.UnixNano())
	return err
}

// Conversation retrieves the messages exchanged between a and b.
func (s *SQLiteStore) Conversation(ctx context.Context, a, b string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_id, to_id, body, created_at
		FROM messages
		WHERE (from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?)
		ORDER BY created_at ASC, id ASC
	`, a, b, b, a)
	if err != nil {
		return nil, err
	}
	return scanSQLiteMessages(rows)
}

// History retrieves every message sent to or from identity.
func (s *SQLiteStore) History(ctx context.Context, identity string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_id, to_id, body, created_at
		FROM messages
		WHERE from_id = ? OR to_id = ?
		ORDER BY created_at ASC, id ASC
	`, identity, identity)
	if err != nil {
		return nil, err
	}
	return scanSQLiteMessages(rows)
}

// CountMessages returns the number of stored messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func scanSQLiteMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.From, &msg.To, &msg.Body, &createdAt); err != nil {
			return nil, err
		}
		msg.Timestamp = time.Unix(0, createdAt).UTC()
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
