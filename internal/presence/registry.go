package presence

import (
	"sync"

	"realtime-service/internal/models"
)

// Conn is one live transport-level session bound to an identity. Send must
// not block; it reports false when the payload could not be enqueued.
type Conn interface {
	ID() string
	Send(payload []byte) bool
	Close()
}

// Watcher observes identity-level presence transitions: the first connection
// coming up and the last one going away.
type Watcher interface {
	IdentityOnline(identity models.Identity)
	IdentityOffline(identity models.Identity)
}

// Registry maps logical identities to their live connections. A single
// identity may own several connections at once (multi-tab, multi-device);
// fan-out iterates the whole set.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]map[Conn]struct{}
	identity map[Conn]models.Identity
	watchers []Watcher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser:   make(map[string]map[Conn]struct{}),
		identity: make(map[Conn]models.Identity),
	}
}

// Watch adds a presence watcher. Call before the registry starts serving.
func (r *Registry) Watch(w Watcher) {
	r.watchers = append(r.watchers, w)
}

// Register binds a connection to an identity. Registration is idempotent per
// connection, and a connection already bound to another identity is left
// untouched.
func (r *Registry) Register(identity models.Identity, conn Conn) {
	r.mu.Lock()
	if _, ok := r.identity[conn]; ok {
		r.mu.Unlock()
		return
	}
	first := len(r.byUser[identity.UserID]) == 0
	if _, ok := r.byUser[identity.UserID]; !ok {
		r.byUser[identity.UserID] = make(map[Conn]struct{})
	}
	r.byUser[identity.UserID][conn] = struct{}{}
	r.identity[conn] = identity
	r.mu.Unlock()

	if first {
		for _, w := range r.watchers {
			w.IdentityOnline(identity)
		}
	}
}

// Unregister removes a connection. It returns the identity the connection
// was bound to and whether it was the identity's last connection.
func (r *Registry) Unregister(conn Conn) (models.Identity, bool) {
	r.mu.Lock()
	identity, ok := r.identity[conn]
	if !ok {
		r.mu.Unlock()
		return models.Identity{}, false
	}
	delete(r.identity, conn)
	conns := r.byUser[identity.UserID]
	delete(conns, conn)
	last := len(conns) == 0
	if last {
		delete(r.byUser, identity.UserID)
	}
	r.mu.Unlock()

	if last {
		for _, w := range r.watchers {
			w.IdentityOffline(identity)
		}
	}
	return identity, last
}

// ConnectionsFor returns a snapshot of the identity's live connections,
// possibly empty.
func (r *Registry) ConnectionsFor(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Conn, 0, len(r.byUser[userID]))
	for conn := range r.byUser[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// IsOnline reports whether the identity has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Push sends a payload to every connection of one identity. Connections that
// cannot accept the payload are skipped; the persisted log is the
// authoritative fallback for anything a live push misses.
func (r *Registry) Push(userID string, payload []byte) int {
	delivered := 0
	for _, conn := range r.ConnectionsFor(userID) {
		if conn.Send(payload) {
			delivered++
		}
	}
	return delivered
}

// Broadcast sends a payload to every live connection of every identity.
func (r *Registry) Broadcast(payload []byte) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.identity))
	for conn := range r.identity {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Send(payload)
	}
}
