package broker

import (
	"fmt"
	"sync"
	"time"
)

// Liveness is the heartbeat state of a connection.
type Liveness int

const (
	LivenessAlive Liveness = iota
	LivenessSuspected
	LivenessClosed
)

func (l Liveness) String() string {
	switch l {
	case LivenessAlive:
		return "alive"
	case LivenessSuspected:
		return "suspected"
	case LivenessClosed:
		return "closed"
	default:
		return fmt.Sprintf("liveness(%d)", int(l))
	}
}

// Registry is the authoritative set of live connections. Membership is
// guarded by the registry lock; liveness and subscriptions by each
// connection's own lock.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Register adds c and stamps its liveness timestamp.
func (r *Registry) Register(c *Connection, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[c.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConnID, c.id)
	}
	c.mu.Lock()
	c.liveness = LivenessAlive
	c.lastPong = now
	c.mu.Unlock()
	r.conns[c.id] = c
	return nil
}

// Get looks up a live connection.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Remove deletes id. Only the first caller for a given connection gets ok.
func (r *Registry) Remove(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return c, ok
}

// Touch records a pong: the timestamp resets and the connection is alive again.
func (r *Registry) Touch(id string, now time.Time) bool {
	c, ok := r.Get(id)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveness == LivenessClosed {
		return false
	}
	c.liveness = LivenessAlive
	c.lastPong = now
	return true
}

// Snapshot returns the current members in no particular order.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
