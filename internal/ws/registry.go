package ws

import "sync"

// Registry maps a user id to that user's current connection. A newer
// connection replaces the older one.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register records c as the user's connection and returns the one it
// replaced, if any. The replaced connection is left open.
func (r *Registry) Register(userID string, c *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[userID]
	r.conns[userID] = c
	if prev == c {
		return nil
	}
	return prev
}

func (r *Registry) Lookup(userID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Unregister removes the user's entry only while it still points at c, so
// a superseded connection cannot evict its replacement. A nil c removes
// the entry unconditionally.
func (r *Registry) Unregister(userID string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[userID]
	if !ok || (c != nil && cur != c) {
		return false
	}
	delete(r.conns, userID)
	return true
}

// ListAll returns a snapshot of every registered connection.
func (r *Registry) ListAll() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
