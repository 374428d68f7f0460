package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/relay/internal/models"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		from_id    TEXT NOT NULL,
		to_id      TEXT NOT NULL,
		body       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(from_id, to_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_id, created_at);
`

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append inserts a message.
func (s *PostgresStore) Append(ctx context.Context, msg *models.Message) error {
	stamp(msg, time.Microsecond)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, from_id, to_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.From, msg.To, msg.Body, msg.Timestamp)
	return err
}

// Conversation retrieves the messages exchanged between a and b.
func (s *PostgresStore) Conversation(ctx context.Context, a, b string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, from_id, to_id, body, created_at
		FROM messages
		WHERE (from_id = $1 AND to_id = $2) OR (from_id = $2 AND to_id = $1)
		ORDER BY created_at ASC, id ASC
	`, a, b)
	if err != nil {
		return nil, err
	}
	return scanPostgresMessages(rows)
}

// History retrieves every message sent to or from identity.
func (s *PostgresStore) History(ctx context.Context, identity string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, from_id, to_id, body, created_at
		FROM messages
		WHERE from_id = $1 OR to_id = $1
		ORDER BY created_at ASC, id ASC
	`, identity)
	if err != nil {
		return nil, err
	}
	return scanPostgresMessages(rows)
}

// CountMessages returns the number of stored messages.
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func scanPostgresMessages(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.From, &msg.To, &msg.Body, &msg.Timestamp); err != nil {
			return nil, err
		}
		msg.Timestamp = msg.Timestamp.UTC()
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
