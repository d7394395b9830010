// Package session tracks live connections and the identities bound to
// them. The registry owns the identity->connections index; room membership
// lives in the room manager and is only evicted from here on teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"backchannel/pkg/interfaces"
	"backchannel/pkg/types"
)

// RoomEvictor removes a connection from every room it joined. Implemented
// by the room manager; held as a narrow interface so the registry does not
// import it.
type RoomEvictor interface {
	DropConnection(connID string)
}

// Registry maps connection IDs to live connections and identity IDs to the
// set of connections currently bound to them. An identity may hold several
// connections at once (multiple devices); each connection holds at most
// one identity.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection            // connID -> conn
	byIdentity  map[string]map[string]interfaces.Connection // userID -> connID -> conn

	store   interfaces.Store
	auth    interfaces.AuthService
	evictor RoomEvictor
}

// NewRegistry creates an empty registry.
func NewRegistry(store interfaces.Store, auth interfaces.AuthService) *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		byIdentity:  make(map[string]map[string]interfaces.Connection),
		store:       store,
		auth:        auth,
	}
}

// SetRoomEvictor wires the room manager in after construction; both sides
// are built before either is started.
func (r *Registry) SetRoomEvictor(e RoomEvictor) {
	r.evictor = e
}

// Add records a transport-level connection. The connection is anonymous
// until Attach or Bind succeeds; anonymous connections stay accepted but
// fail every privileged operation.
func (r *Registry) Add(conn interfaces.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ID()] = conn
}

// Attach validates a bearer token and binds the resolved identity to the
// connection. A blocked identity is rejected even with a valid token.
func (r *Registry) Attach(ctx context.Context, conn interfaces.Connection, token string) (*types.User, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", types.ErrUnauthenticated)
	}

	userID, err := r.auth.VerifyToken(token)
	if err != nil {
		return nil, err
	}

	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown identity", types.ErrUnauthenticated)
		}
		return nil, err
	}
	if user.IsBlocked {
		return nil, types.ErrBlocked
	}

	r.Bind(conn, user)
	return user, nil
}

// Bind associates an already-verified identity with a connection and
// indexes it. Rebinding a connection moves it between identity sets
// atomically, keeping the index and the connection's identity field
// mutually consistent.
func (r *Registry) Bind(conn interfaces.Connection, user *types.User) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev := conn.User(); prev != nil {
		r.removeFromIdentityLocked(prev.ID, conn.ID())
	}

	conn.SetUser(user)
	r.connections[conn.ID()] = conn
	set := r.byIdentity[user.ID]
	if set == nil {
		set = make(map[string]interfaces.Connection)
		r.byIdentity[user.ID] = set
	}
	set[conn.ID()] = conn
}

// ClearIdentity unbinds the connection's identity (logout). The connection
// itself stays registered and anonymous.
func (r *Registry) ClearIdentity(conn interfaces.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if user := conn.User(); user != nil {
		r.removeFromIdentityLocked(user.ID, conn.ID())
	}
	conn.ClearUser()
}

// Detach removes a connection from the identity index and from every room
// it joined. Idempotent; called on transport disconnect and after forced
// termination.
func (r *Registry) Detach(connID string) {
	r.mu.Lock()
	conn, exists := r.connections[connID]
	if exists {
		delete(r.connections, connID)
		if user := conn.User(); user != nil {
			r.removeFromIdentityLocked(user.ID, connID)
		}
	}
	r.mu.Unlock()

	if exists && r.evictor != nil {
		r.evictor.DropConnection(connID)
	}
}

// Get returns a live connection by ID.
func (r *Registry) Get(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// Connections returns a snapshot of the identity's live connections. An
// identity with no connections yields an empty slice, not an error.
func (r *Registry) Connections(userID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]interfaces.Connection, 0, len(r.byIdentity[userID]))
	for _, conn := range r.byIdentity[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// All returns a snapshot of every live connection, for global pushes.
func (r *Registry) All() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}

// Broadcast pushes an event to every live connection. Delivery is
// best-effort; closed connections are skipped.
func (r *Registry) Broadcast(event string, data any) {
	for _, conn := range r.All() {
		if err := conn.Push(event, data); err != nil {
			log.Printf("Broadcast push failed: conn=%s event=%s: %v", conn.ID(), event, err)
		}
	}
}

// ForceTerminate pushes a terminal event to each of the identity's live
// connections and tears them down. The index mutation happens under the
// write lock, so an Attach for the same identity serializes either
// entirely before or entirely after the sweep; a re-authenticating
// connection is never silently dropped.
func (r *Registry) ForceTerminate(userID, event, message string) int {
	r.mu.Lock()
	victims := make([]interfaces.Connection, 0, len(r.byIdentity[userID]))
	for connID, conn := range r.byIdentity[userID] {
		victims = append(victims, conn)
		delete(r.connections, connID)
	}
	delete(r.byIdentity, userID)
	r.mu.Unlock()

	for _, conn := range victims {
		if err := conn.Push(event, map[string]string{"message": message}); err != nil {
			log.Printf("Terminal push failed: conn=%s: %v", conn.ID(), err)
		}
		if r.evictor != nil {
			r.evictor.DropConnection(conn.ID())
		}
		if err := conn.Close(); err != nil {
			log.Printf("Failed to close terminated connection %s: %v", conn.ID(), err)
		}
	}

	if len(victims) > 0 {
		log.Printf("Force-terminated connections: user=%s count=%d reason=%s", userID, len(victims), event)
	}
	return len(victims)
}

// Stats returns registry counters for the stats endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"total_connections": len(r.connections),
		"bound_identities":  len(r.byIdentity),
	}
}

// removeFromIdentityLocked deletes one connection from an identity's set
// and drops the set when it empties. Caller holds the write lock.
func (r *Registry) removeFromIdentityLocked(userID, connID string) {
	if set, ok := r.byIdentity[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byIdentity, userID)
		}
	}
}
