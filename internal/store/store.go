package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/config"
	"github.com/eldtechnologies/relay/internal/models"
)

// ErrEmptyIdentity is returned when an identity key is blank.
var ErrEmptyIdentity = errors.New("store: empty identity")

// ConversationStore is the durable log of every message ever sent.
// PostgresStore, SQLiteStore and MongoStore implement this interface.
type ConversationStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Append persists msg, assigning ID and Timestamp when unset.
	Append(ctx context.Context, msg *models.Message) error
	// Conversation returns every message exchanged between a and b in
	// either direction, oldest first.
	Conversation(ctx context.Context, a, b string) ([]models.Message, error)
	// History returns every message sent to or from identity, oldest first.
	History(ctx context.Context, identity string) ([]models.Message, error)
	CountMessages(ctx context.Context) (int64, error)
}

// Entry is one serialized message waiting in an offline queue.
type Entry struct {
	Key     string // backend-specific position; empty for Redis
	Payload []byte
}

// OfflineQueue holds serialized messages for recipients that were not
// connected at send time. Entries are consumed oldest first and each pop
// removes exactly one entry atomically.
type OfflineQueue interface {
	Close() error
	Ping(ctx context.Context) error

	Enqueue(ctx context.Context, recipient string, payload []byte) error
	// DrainOne pops the oldest entry. ok is false when the queue is empty.
	DrainOne(ctx context.Context, recipient string) (entry Entry, ok bool, err error)
	// Restore puts a previously popped entry back at the head of the queue.
	Restore(ctx context.Context, recipient string, entry Entry) error
	Len(ctx context.Context, recipient string) (int64, error)
}

// OpenConversationStore picks a backend from the configured database URL.
func OpenConversationStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (ConversationStore, error) {
	switch {
	case strings.HasPrefix(cfg.DatabaseURL, "postgres://"), strings.HasPrefix(cfg.DatabaseURL, "postgresql://"):
		logger.Info().Msg("using PostgreSQL conversation store")
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case strings.HasPrefix(cfg.DatabaseURL, "mongodb://"), strings.HasPrefix(cfg.DatabaseURL, "mongodb+srv://"):
		logger.Info().Str("database", cfg.MongoDatabase).Msg("using MongoDB conversation store")
		return NewMongoStore(ctx, cfg.DatabaseURL, cfg.MongoDatabase)
	default:
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite conversation store")
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	}
}

// OpenOfflineQueue uses Redis when configured and Badger otherwise.
func OpenOfflineQueue(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (OfflineQueue, error) {
	if cfg.RedisURL != "" {
		logger.Info().Msg("using Redis offline queue")
		return NewRedisQueue(ctx, cfg.RedisURL)
	}
	logger.Info().Str("path", cfg.BadgerPath).Msg("using Badger offline queue")
	return NewBadgerQueue(cfg.BadgerPath)
}

// stamp assigns the persistence-time ID and timestamp when unset, and
// rounds the timestamp down to what the backend can store so that pushed
// copies match what history later returns.
func stamp(msg *models.Message, precision time.Duration) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if precision > 0 {
		msg.Timestamp = msg.Timestamp.Truncate(precision)
	}
}
