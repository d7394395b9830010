// Package authz is the stateless policy layer applied before any mutating
// or privileged operation executes. Rules evaluate in a fixed priority:
// authentication first, then system-admin role, then per-group ownership
// (always re-fetched from the store, never cached), then self-protection.
package authz

import (
	"context"
	"fmt"

	"backchannel/pkg/interfaces"
	"backchannel/pkg/types"
)

// Gate evaluates operation preconditions against a connection's bound
// identity. It holds no mutable state; the store reference exists only to
// re-fetch group ownership at call time.
type Gate struct {
	store interfaces.Store
}

// NewGate creates the gate.
func NewGate(store interfaces.Store) *Gate {
	return &Gate{store: store}
}

// RequireAuthenticated passes only connections with a bound identity.
func (g *Gate) RequireAuthenticated(conn interfaces.Connection) (*types.User, error) {
	user := conn.User()
	if user == nil {
		return nil, types.ErrUnauthenticated
	}
	return user, nil
}

// RequireSystemAdmin passes only authenticated identities with the admin
// role. Listing operations intentionally do not use this: a non-admin
// caller gets a degraded result there, not a failure.
func (g *Gate) RequireSystemAdmin(conn interfaces.Connection) (*types.User, error) {
	user, err := g.RequireAuthenticated(conn)
	if err != nil {
		return nil, err
	}
	if !user.IsAdmin() {
		return nil, types.ErrUnauthorized
	}
	return user, nil
}

// RequireGroupAdmin passes only the identity recorded as the group's admin
// in the store right now, independent of system role. The group row is
// fetched fresh on every call; ownership is never trusted from a cache.
func (g *Gate) RequireGroupAdmin(ctx context.Context, conn interfaces.Connection, groupID string) (*types.User, *types.Group, error) {
	user, err := g.RequireAuthenticated(conn)
	if err != nil {
		return nil, nil, err
	}

	group, err := g.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	if group.AdminID != user.ID {
		return nil, nil, fmt.Errorf("%w: not the group admin", types.ErrUnauthorized)
	}
	return user, group, nil
}

// RequireNotSelf rejects operations an admin attempts against their own
// identity (self-block, self-removal).
func (g *Gate) RequireNotSelf(user *types.User, targetID string) error {
	if user.ID == targetID {
		return fmt.Errorf("%w: operation cannot target yourself", types.ErrUnauthorized)
	}
	return nil
}
