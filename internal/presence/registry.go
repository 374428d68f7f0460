// Package presence tracks which identities currently hold a live connection.
package presence

import (
	"context"
	"sync"
)

// Conn is a live connection handle owned by one session.
type Conn interface {
	// ID uniquely identifies the handle for the lifetime of the process.
	ID() string
	Send(ctx context.Context, payload []byte) error
	// Done is closed once the connection can no longer accept sends.
	Done() <-chan struct{}
}

// Registry maps an identity to its single live connection.
// Register always wins; Unregister only removes the caller's own handle.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register maps identity to conn, returning the handle it replaced, if any.
// The replaced connection is left open.
func (r *Registry) Register(identity string, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.conns[identity]
	r.conns[identity] = conn
	return prev
}

// Lookup returns the live connection for identity.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[identity]
	return conn, ok
}

// Unregister removes identity only while it still maps to conn, so a late
// close from a superseded connection cannot evict its replacement.
func (r *Registry) Unregister(identity string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[identity]
	if !ok || current.ID() != conn.ID() {
		return false
	}
	delete(r.conns, identity)
	return true
}

// Online returns the number of registered identities.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
