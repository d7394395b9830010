package interfaces

import "backchannel/pkg/types"

// Connection is one live client transport session. At most one identity is
// bound at a time; anonymous connections answer nil from User.
//
// Push enqueues a server-initiated event on the connection's single writer.
// A push to a torn-down connection returns an error the caller may ignore:
// the peer is gone and the result is discarded.
type Connection interface {
	ID() string
	RemoteAddr() string

	User() *types.User
	SetUser(user *types.User)
	ClearUser()
	IsAuthenticated() bool

	Push(event string, data any) error
	Close() error
}
