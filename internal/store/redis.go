package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps offline entries in one Redis list per recipient.
// New entries are pushed on the right and drained from the left, so the
// list is FIFO. LPOP is atomic, which makes a concurrent enqueue during a
// drain safe: every entry is popped exactly once.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a new Redis-backed offline queue.
func NewRedisQueue(ctx context.Context, redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisQueue{client: client}, nil
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// Client exposes the underlying client for the rate limiter.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// offlineKey returns the key for a recipient's pending list.
func offlineKey(recipient string) string {
	return fmt.Sprintf("offline:%s", recipient)
}

// Enqueue appends payload to the tail of the recipient's list.
func (q *RedisQueue) Enqueue(ctx context.Context, recipient string, payload []byte) error {
	if recipient == "" {
		return ErrEmptyIdentity
	}
	return q.client.RPush(ctx, offlineKey(recipient), payload).Err()
}

// DrainOne pops the oldest entry.
func (q *RedisQueue) DrainOne(ctx context.Context, recipient string) (Entry, bool, error) {
	data, err := q.client.LPop(ctx, offlineKey(recipient)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Payload: data}, true, nil
}

// Restore pushes entry back onto the head of the list.
func (q *RedisQueue) Restore(ctx context.Context, recipient string, entry Entry) error {
	return q.client.LPush(ctx, offlineKey(recipient), entry.Payload).Err()
}

// Len returns the number of pending entries.
func (q *RedisQueue) Len(ctx context.Context, recipient string) (int64, error) {
	return q.client.LLen(ctx, offlineKey(recipient)).Result()
}
