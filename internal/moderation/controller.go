// Package moderation executes block/unblock, expulsion and group deletion,
// reaching into live connections to force state transitions instead of
// waiting for the next request cycle.
package moderation

import (
	"context"
	"log"

	"backchannel/internal/authz"
	"backchannel/internal/room"
	"backchannel/internal/session"
	"backchannel/pkg/interfaces"
	"backchannel/pkg/types"
)

// Controller coordinates the store (persisted facts), the session registry
// (live connections) and the room manager (subscriber sets) for every
// moderation action.
type Controller struct {
	store    interfaces.Store
	registry *session.Registry
	rooms    *room.Manager
	gate     *authz.Gate
}

// NewController creates the moderation controller.
func NewController(store interfaces.Store, registry *session.Registry, rooms *room.Manager, gate *authz.Gate) *Controller {
	return &Controller{store: store, registry: registry, rooms: rooms, gate: gate}
}

// BlockUser persists the block flag and tears down every live connection
// of the target with a forceLogout push. The target cannot authenticate
// again until unblocked; the persisted flag is checked on every attach.
func (c *Controller) BlockUser(ctx context.Context, conn interfaces.Connection, targetID string) error {
	actor, err := c.gate.RequireSystemAdmin(conn)
	if err != nil {
		return err
	}
	if err := c.gate.RequireNotSelf(actor, targetID); err != nil {
		return err
	}

	if err := c.store.SetUserBlocked(ctx, targetID, true); err != nil {
		return err
	}

	c.registry.ForceTerminate(targetID, types.EventForceLogout,
		"You have been blocked by the admin.")
	return nil
}

// UnblockUser clears the block flag and asks the target's live connections
// to re-authenticate. Connections are not torn down; their cached identity
// is stale until the client re-logs in.
func (c *Controller) UnblockUser(ctx context.Context, conn interfaces.Connection, targetID string) error {
	if _, err := c.gate.RequireSystemAdmin(conn); err != nil {
		return err
	}

	if err := c.store.SetUserBlocked(ctx, targetID, false); err != nil {
		return err
	}

	for _, target := range c.registry.Connections(targetID) {
		if err := target.Push(types.EventForceReLogin, map[string]string{
			"message": "You have been unblocked by the admin, please re-login.",
		}); err != nil {
			log.Printf("forceReLogin push failed: conn=%s: %v", target.ID(), err)
		}
	}
	return nil
}

// DeleteGroup removes the group's memberships, messages and row (in that
// referential order, inside the store), then notifies every member's live
// connections by identity. Members who never joined the room are notified
// all the same; room subscription and membership are independent facts.
func (c *Controller) DeleteGroup(ctx context.Context, conn interfaces.Connection, groupID string) error {
	if _, err := c.gate.RequireSystemAdmin(conn); err != nil {
		return err
	}

	// Snapshot the member list before the rows disappear.
	group, err := c.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}

	if err := c.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}

	notice := map[string]string{
		"id":      group.ID,
		"name":    group.Name,
		"message": "group was deleted.",
	}
	for _, memberID := range group.Members {
		for _, target := range c.registry.Connections(memberID) {
			if err := target.Push(types.EventGroupRemoved, notice); err != nil {
				log.Printf("groupToWasRemoved push failed: conn=%s: %v", target.ID(), err)
			}
		}
	}

	c.rooms.Broadcast(room.GroupRoom(groupID), types.EventGroupRefresh,
		map[string]string{"groupId": groupID}, "")
	c.rooms.DropRooms(groupID)

	log.Printf("Group deleted: id=%s members=%d", groupID, len(group.Members))
	return nil
}

// AddMember persists the membership, then broadcasts the recomputed member
// snapshot to all connected clients. The broadcast is global rather than
// room-scoped so every client's group list stays current without joining
// the room.
func (c *Controller) AddMember(ctx context.Context, conn interfaces.Connection, groupID, userID string) (*types.Group, error) {
	if _, _, err := c.gate.RequireGroupAdmin(ctx, conn, groupID); err != nil {
		return nil, err
	}
	if !types.IsValidID(userID) {
		return nil, types.ErrValidation
	}

	if err := c.store.AddMember(ctx, groupID, userID); err != nil {
		return nil, err
	}

	group, err := c.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	c.registry.Broadcast(types.EventNewGroupJoined, group)
	c.rooms.Broadcast(room.GroupRoom(groupID), types.EventGroupRefresh,
		map[string]string{"groupId": groupID}, "")
	return group, nil
}

// RemoveMember revokes the membership row, sends the removed identity one
// expulsion notice per live connection, and tears down the connections it
// still had subscribed to the group's rooms so the subscriber sets never
// outlive the membership. Admin self-removal is always rejected.
func (c *Controller) RemoveMember(ctx context.Context, conn interfaces.Connection, groupID, userID string) (*types.Group, error) {
	actor, group, err := c.gate.RequireGroupAdmin(ctx, conn, groupID)
	if err != nil {
		return nil, err
	}
	if err := c.gate.RequireNotSelf(actor, userID); err != nil {
		return nil, err
	}

	if err := c.store.RemoveMember(ctx, groupID, userID); err != nil {
		return nil, err
	}

	notice := map[string]string{
		"id":      group.ID,
		"name":    group.Name,
		"userId":  userID,
		"message": "It was ejected from group.",
	}
	for _, target := range c.registry.Connections(userID) {
		if err := target.Push(types.EventGroupRemoved, notice); err != nil {
			log.Printf("groupToWasRemoved push failed: conn=%s: %v", target.ID(), err)
		}
	}

	// Tear down the revoked member's connections still listening on the
	// group's chat or signaling room.
	seen := make(map[string]bool)
	for _, roomID := range []string{room.GroupRoom(groupID), room.CallRoom(groupID)} {
		for _, target := range c.rooms.UserSubscribers(roomID, userID) {
			if seen[target.ID()] {
				continue
			}
			seen[target.ID()] = true
			c.registry.Detach(target.ID())
			if err := target.Close(); err != nil {
				log.Printf("Failed to close expelled connection %s: %v", target.ID(), err)
			}
		}
	}
	c.rooms.EvictUser(groupID, userID)

	updated, err := c.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	c.registry.Broadcast(types.EventGroupMembersChanged, updated)
	c.rooms.Broadcast(room.GroupRoom(groupID), types.EventGroupRefresh,
		map[string]string{"groupId": groupID}, "")
	return updated, nil
}

// UpdateGroupName renames the group and broadcasts the updated snapshot
// globally.
func (c *Controller) UpdateGroupName(ctx context.Context, conn interfaces.Connection, groupID, name string) (*types.Group, error) {
	if _, _, err := c.gate.RequireGroupAdmin(ctx, conn, groupID); err != nil {
		return nil, err
	}
	if err := types.ValidateGroupName(name); err != nil {
		return nil, err
	}

	if err := c.store.RenameGroup(ctx, groupID, name); err != nil {
		return nil, err
	}

	group, err := c.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	c.registry.Broadcast(types.EventGroupNameUpdated, group)
	return group, nil
}
