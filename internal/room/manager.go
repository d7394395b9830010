// Package room maintains the ephemeral broadcast channels connections
// subscribe to. A room's subscriber set is "who is currently listening",
// never the source of truth for group membership; the persisted membership
// row is checked at join time and the two are reconciled by eviction when
// membership is revoked.
package room

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"backchannel/pkg/interfaces"
	"backchannel/pkg/types"
)

// Room kinds. Chat rooms require persisted group membership to join; call
// rooms only require authentication and serve as the signaling rendezvous.
const (
	kindGroup = "group"
	kindCall  = "call"
)

// GroupRoom returns the chat room ID for a group.
func GroupRoom(groupID string) string { return kindGroup + ":" + groupID }

// CallRoom returns the signaling room ID for a group.
func CallRoom(groupID string) string { return kindCall + ":" + groupID }

type room struct {
	mu          sync.RWMutex
	subscribers map[string]interfaces.Connection // connID -> conn
}

// Manager owns the roomID -> subscriber-set index. The outer map has its
// own lock; each room carries a fine-grained lock so broadcasts on
// unrelated groups never serialize against each other.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	byConn map[string]map[string]struct{} // connID -> set of roomIDs
	store  interfaces.Store
}

// NewManager creates an empty room manager.
func NewManager(store interfaces.Store) *Manager {
	return &Manager{
		rooms:  make(map[string]*room),
		byConn: make(map[string]map[string]struct{}),
		store:  store,
	}
}

// Join subscribes a connection to a room. Chat rooms require the bound
// identity to be a persisted member of the group, checked against the
// store on every join rather than any cached state. Call rooms require
// only authentication; on success the prior subscribers receive a
// peerJoined push carrying the joiner's connection ID.
func (m *Manager) Join(ctx context.Context, conn interfaces.Connection, roomID string) error {
	kind, groupID, err := splitRoomID(roomID)
	if err != nil {
		return err
	}

	user := conn.User()
	if user == nil {
		return types.ErrUnauthenticated
	}

	if kind == kindGroup {
		member, err := m.store.IsMember(ctx, groupID, user.ID)
		if err != nil {
			return err
		}
		if !member {
			return types.ErrNotAMember
		}
	}

	existing := m.subscribe(conn, roomID, kind == kindCall)

	for _, sub := range existing {
		if err := sub.Push(types.EventPeerJoined, map[string]string{
			"groupId":      groupID,
			"connectionId": conn.ID(),
		}); err != nil {
			log.Printf("peerJoined push failed: conn=%s room=%s: %v", sub.ID(), roomID, err)
		}
	}
	return nil
}

// Leave unsubscribes a connection from one room. No-op if absent.
func (m *Manager) Leave(connID, roomID string) {
	m.mu.Lock()
	rm := m.rooms[roomID]
	if set, ok := m.byConn[connID]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(m.byConn, connID)
		}
	}
	m.mu.Unlock()

	if rm == nil {
		return
	}
	m.removeSubscriber(rm, roomID, connID)
}

// DropConnection removes a connection from every room it joined. Called on
// teardown before any in-flight operation on the connection completes.
func (m *Manager) DropConnection(connID string) {
	m.mu.Lock()
	roomIDs := m.byConn[connID]
	delete(m.byConn, connID)
	rooms := make(map[string]*room, len(roomIDs))
	for roomID := range roomIDs {
		if rm := m.rooms[roomID]; rm != nil {
			rooms[roomID] = rm
		}
	}
	m.mu.Unlock()

	for roomID, rm := range rooms {
		m.removeSubscriber(rm, roomID, connID)
	}
}

// Subscribers returns a snapshot of the room's current subscribers. Taken
// under the room lock, so a connection that left before the snapshot never
// appears in it.
func (m *Manager) Subscribers(roomID string) []interfaces.Connection {
	m.mu.RLock()
	rm := m.rooms[roomID]
	m.mu.RUnlock()
	if rm == nil {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	conns := make([]interfaces.Connection, 0, len(rm.subscribers))
	for _, conn := range rm.subscribers {
		conns = append(conns, conn)
	}
	return conns
}

// Broadcast pushes an event to the room's subscriber snapshot, optionally
// excluding one connection (the sender). Writes happen outside the room
// lock through each connection's single writer, so broadcasts to the same
// room keep their issue order.
func (m *Manager) Broadcast(roomID, event string, data any, excludeConnID string) {
	for _, conn := range m.Subscribers(roomID) {
		if conn.ID() == excludeConnID {
			continue
		}
		if err := conn.Push(event, data); err != nil {
			log.Printf("Room push failed: room=%s conn=%s event=%s: %v", roomID, conn.ID(), event, err)
		}
	}
}

// UserSubscribers returns the subscribers of a room that belong to one
// identity. Moderation uses it to find the connections a revoked member
// still has open in the group's rooms.
func (m *Manager) UserSubscribers(roomID, userID string) []interfaces.Connection {
	var conns []interfaces.Connection
	for _, conn := range m.Subscribers(roomID) {
		if user := conn.User(); user != nil && user.ID == userID {
			conns = append(conns, conn)
		}
	}
	return conns
}

// EvictUser removes every connection of an identity from both of a group's
// rooms. Membership revocation must trigger this so the subscriber sets
// never outlive the persisted membership row.
func (m *Manager) EvictUser(groupID, userID string) {
	for _, roomID := range []string{GroupRoom(groupID), CallRoom(groupID)} {
		for _, conn := range m.UserSubscribers(roomID, userID) {
			m.Leave(conn.ID(), roomID)
		}
	}
}

// DropRooms removes a group's rooms entirely (group deletion).
func (m *Manager) DropRooms(groupID string) {
	for _, roomID := range []string{GroupRoom(groupID), CallRoom(groupID)} {
		for _, conn := range m.Subscribers(roomID) {
			m.Leave(conn.ID(), roomID)
		}
	}
}

// Stats returns room counters for the stats endpoint.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subscriptions := 0
	for _, set := range m.byConn {
		subscriptions += len(set)
	}
	return map[string]int{
		"active_rooms":  len(m.rooms),
		"subscriptions": subscriptions,
	}
}

// subscribe installs the connection in the room and the byConn index as
// one mutation under the manager lock, with the room lock nested. The GC
// in removeSubscriber re-checks emptiness under the same locks, so a room
// can never be collected between lookup and insert; once the join is
// acknowledged the subscriber is visible to every broadcast snapshot.
// Returns the prior subscribers when collectPeers is set.
func (m *Manager) subscribe(conn interfaces.Connection, roomID string, collectPeers bool) []interfaces.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm := m.rooms[roomID]
	if rm == nil {
		rm = &room{subscribers: make(map[string]interfaces.Connection)}
		m.rooms[roomID] = rm
	}

	var existing []interfaces.Connection
	rm.mu.Lock()
	if collectPeers {
		for id, sub := range rm.subscribers {
			if id != conn.ID() {
				existing = append(existing, sub)
			}
		}
	}
	rm.subscribers[conn.ID()] = conn
	rm.mu.Unlock()

	set := m.byConn[conn.ID()]
	if set == nil {
		set = make(map[string]struct{})
		m.byConn[conn.ID()] = set
	}
	set[roomID] = struct{}{}
	return existing
}

// removeSubscriber deletes one subscriber and garbage-collects the room
// when it empties. Empty rooms carry no state worth keeping.
func (m *Manager) removeSubscriber(rm *room, roomID, connID string) {
	rm.mu.Lock()
	delete(rm.subscribers, connID)
	empty := len(rm.subscribers) == 0
	rm.mu.Unlock()

	if empty {
		m.mu.Lock()
		if cur := m.rooms[roomID]; cur == rm {
			cur.mu.RLock()
			if len(cur.subscribers) == 0 {
				delete(m.rooms, roomID)
			}
			cur.mu.RUnlock()
		}
		m.mu.Unlock()
	}
}

func splitRoomID(roomID string) (kind, groupID string, err error) {
	parts := strings.SplitN(roomID, ":", 2)
	if len(parts) != 2 || parts[1] == "" || (parts[0] != kindGroup && parts[0] != kindCall) {
		return "", "", fmt.Errorf("%w: malformed room id %q", types.ErrValidation, roomID)
	}
	return parts[0], parts[1], nil
}
