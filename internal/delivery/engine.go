// Package delivery decides, for every accepted message, whether it is pushed
// to a live connection or parked in the recipient's offline queue.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/metrics"
	"github.com/eldtechnologies/relay/internal/models"
	"github.com/eldtechnologies/relay/internal/presence"
	"github.com/eldtechnologies/relay/internal/store"
)

var (
	// ErrInvalidMessage is returned when sender or recipient is empty.
	ErrInvalidMessage = errors.New("delivery: sender and recipient are required")
	// ErrPersist wraps a conversation store failure; nothing was delivered.
	ErrPersist = errors.New("delivery: persist failed")
	// ErrConnClosed is returned when a drain target closes mid-drain.
	ErrConnClosed = errors.New("delivery: connection closed")
)

// Engine persists messages and routes them to a live connection or the
// offline queue.
type Engine struct {
	store    store.ConversationStore
	queue    store.OfflineQueue
	registry *presence.Registry
	logger   zerolog.Logger
	drains   keyedMutex
}

// NewEngine creates a delivery engine.
func NewEngine(conversations store.ConversationStore, queue store.OfflineQueue, registry *presence.Registry, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    conversations,
		queue:    queue,
		registry: registry,
		logger:   logger.With().Str("component", "delivery").Logger(),
		drains:   keyedMutex{locks: make(map[string]*keyedLock)},
	}
}

// Deliver records a message from sender to recipient and hands it to the
// recipient's live connection, or to the offline queue when there is none.
// The message is in the conversation store before any delivery attempt; a
// store failure returns ErrPersist and nothing is pushed or queued.
func (e *Engine) Deliver(ctx context.Context, from, to, body string) (*models.Message, error) {
	if from == "" || to == "" {
		return nil, ErrInvalidMessage
	}

	msg := &models.Message{From: from, To: to, Body: body}

	start := time.Now()
	if err := e.store.Append(ctx, msg); err != nil {
		metrics.MessagesDelivered.WithLabelValues("persist_failed").Inc()
		return nil, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	metrics.StoreLatency.WithLabelValues("append").Observe(time.Since(start).Seconds())

	// Once stored the message must reach the socket or the queue even if the
	// sender goes away now.
	ctx = context.WithoutCancel(ctx)

	payload, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}

	path := "queued"
	var tried presence.Conn
	if conn, ok := e.registry.Lookup(to); ok && isOpen(conn) {
		tried = conn
		err := conn.Send(ctx, payload)
		if err == nil {
			metrics.MessagesDelivered.WithLabelValues("live").Inc()
			return msg, nil
		}
		e.logger.Warn().Err(err).Str("to", to).Str("id", msg.ID).Msg("live push failed, queueing")
		path = "fallback"
	}

	start = time.Now()
	if err := e.queue.Enqueue(ctx, to, payload); err != nil {
		return msg, fmt.Errorf("delivery: enqueue for %s: %w", to, err)
	}
	metrics.StoreLatency.WithLabelValues("enqueue").Observe(time.Since(start).Seconds())
	metrics.MessagesDelivered.WithLabelValues(path).Inc()

	// The recipient may have connected, and finished its own drain, between
	// the lookup above and the enqueue. The drain runs off the sender's
	// goroutine since the recipient's backlog can be long.
	if conn, ok := e.registry.Lookup(to); ok && isOpen(conn) && (tried == nil || conn.ID() != tried.ID()) {
		go func() {
			if _, err := e.Drain(ctx, to, conn); err != nil {
				e.logger.Debug().Err(err).Str("to", to).Msg("late drain stopped early")
			}
		}()
	}

	return msg, nil
}

// Drain sends every queued entry for identity to conn, oldest first, and
// returns how many were sent. A failed send puts the entry back at the head
// of the queue and stops the drain. Drains for one identity never overlap.
func (e *Engine) Drain(ctx context.Context, identity string, conn presence.Conn) (int, error) {
	unlock := e.drains.Lock(identity)
	defer unlock()

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if !isOpen(conn) {
			return sent, ErrConnClosed
		}

		entry, ok, err := e.queue.DrainOne(ctx, identity)
		if err != nil {
			return sent, fmt.Errorf("delivery: drain %s: %w", identity, err)
		}
		if !ok {
			return sent, nil
		}

		if err := conn.Send(ctx, entry.Payload); err != nil {
			if rerr := e.queue.Restore(context.WithoutCancel(ctx), identity, entry); rerr != nil {
				e.logger.Error().Err(rerr).Str("identity", identity).Msg("failed to restore offline entry")
			}
			return sent, err
		}
		sent++
		metrics.MessagesDrained.Inc()
	}
}

func isOpen(conn presence.Conn) bool {
	select {
	case <-conn.Done():
		return false
	default:
		return true
	}
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
