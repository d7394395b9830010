package interfaces

import (
	"context"

	"backchannel/pkg/types"
)

// Store is the durable persistence contract over users, groups, memberships
// and messages. Every method takes a context so callers can bound its
// latency; a timed-out call surfaces as types.ErrUpstream, never a wedge.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	ListUsers(ctx context.Context) ([]*types.User, error)
	ListUserSummaries(ctx context.Context) ([]*types.UserSummary, error)
	SearchUsers(ctx context.Context, query string) ([]*types.User, error)
	SetUserBlocked(ctx context.Context, id string, blocked bool) error

	// Groups
	CreateGroup(ctx context.Context, group *types.Group) error
	GetGroup(ctx context.Context, id string) (*types.Group, error)
	ListGroups(ctx context.Context) ([]*types.Group, error)
	ListGroupsForUser(ctx context.Context, userID string) ([]*types.Group, error)
	RenameGroup(ctx context.Context, id, name string) error
	DeleteGroup(ctx context.Context, id string) error

	// Memberships
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	IsMember(ctx context.Context, groupID, userID string) (bool, error)

	// Messages
	StoreMessage(ctx context.Context, message *types.Message) error

	HealthCheck(ctx context.Context) error
	Close() error
}
