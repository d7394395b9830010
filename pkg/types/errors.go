package types

import "errors"

// Error taxonomy shared across the coordinator. Operation handlers map any
// of these to a failed ack; nothing here terminates a connection.
var (
	ErrUnauthenticated = errors.New("not authenticated")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrBlocked         = errors.New("account is blocked")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("already exists")
	ErrValidation      = errors.New("invalid request")
	ErrUpstream        = errors.New("upstream failure")

	// ErrNotAMember covers both the send precondition and chat-room joins.
	ErrNotAMember = errors.New("user is not a member of this group")
)
