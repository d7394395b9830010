// Package coordinator validates and fans out chat messages, typing
// indicators and call-signaling relays to the right set of live
// connections.
package coordinator

import (
	"context"
	"log"
	"time"

	"github.com/oklog/ulid/v2"

	"backchannel/internal/room"
	"backchannel/pkg/interfaces"
	"backchannel/pkg/types"
)

// ConnectionLookup resolves a connection ID to a live connection. Narrower
// than the full session registry so tests can substitute a map.
type ConnectionLookup interface {
	Get(connID string) (interfaces.Connection, bool)
}

// Coordinator enforces membership-before-send and delivers at-most-once,
// best-effort: no acknowledgement tracking, no retry.
type Coordinator struct {
	store       interfaces.Store
	rooms       *room.Manager
	connections ConnectionLookup
	limiter     *RateLimiter
}

// NewCoordinator creates the message coordinator.
func NewCoordinator(store interfaces.Store, rooms *room.Manager, connections ConnectionLookup) *Coordinator {
	return &Coordinator{
		store:       store,
		rooms:       rooms,
		connections: connections,
		limiter:     NewRateLimiter(),
	}
}

// SendToGroup validates the sender's persisted membership, stamps a server
// envelope and broadcasts it to the group room's current subscribers.
// Membership is checked against the store, not the subscriber set: a
// member who never joined the room may still send, and only subscribers
// (the sender included, only if subscribed) receive the echo.
//
// With persist set, the envelope is written to the store first;
// persistence failure is logged and the broadcast proceeds, so durability
// stays best-effort and off the delivery critical path.
func (c *Coordinator) SendToGroup(ctx context.Context, groupID, senderID, content, msgType string, persist bool) (*types.Message, error) {
	message := &types.Message{
		ID:        ulid.Make().String(),
		GroupID:   groupID,
		SenderID:  senderID,
		Content:   content,
		Timestamp: time.Now(),
		Type:      msgType,
	}
	if err := message.Validate(); err != nil {
		return nil, err
	}

	member, err := c.store.IsMember(ctx, groupID, senderID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, types.ErrNotAMember
	}

	if !c.limiter.Allow(senderID) {
		return nil, ErrRateLimited
	}

	if persist {
		if err := c.store.StoreMessage(ctx, message); err != nil {
			log.Printf("Message persistence failed: group=%s sender=%s: %v", groupID, senderID, err)
		}
	}

	c.rooms.Broadcast(room.GroupRoom(groupID), types.EventGroupMessages, []*types.Message{message}, "")
	return message, nil
}

// TypingIndicator broadcasts a typing state change to the group room,
// excluding the sender's own connection. No membership check beyond
// authentication; the indicator is ephemeral and carries no content.
func (c *Coordinator) TypingIndicator(groupID string, sender *types.User, senderConnID string, isTyping bool) {
	c.rooms.Broadcast(room.GroupRoom(groupID), types.EventTyping, map[string]any{
		"groupId":  groupID,
		"userId":   sender.ID,
		"userName": sender.Name,
		"isTyping": isTyping,
	}, senderConnID)
}

// Relay forwards a signaling payload (offer/answer/iceCandidate) to the
// connection named by the caller. The target ID is trusted as supplied:
// any live connection is addressable, with no membership or co-subscriber
// check. Tightening this would break the call-setup rendezvous existing
// clients perform, so the behavior is kept as-is.
func (c *Coordinator) Relay(event, targetConnID, fromConnID string, payload map[string]any) error {
	target, ok := c.connections.Get(targetConnID)
	if !ok {
		return ErrTargetNotConnected
	}

	data := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}
	data["connectionId"] = fromConnID

	if err := target.Push(event, data); err != nil {
		return ErrTargetNotConnected
	}
	return nil
}

// CleanupLoop expires stale rate-limiter windows until the context ends.
func (c *Coordinator) CleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(windowLength)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.limiter.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}
