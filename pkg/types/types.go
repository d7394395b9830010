package types

import (
	"encoding/json"
	"time"
)

// Role values stored on a user row. Anything else is rejected at registration.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is an authenticated identity. The password hash and the optional
// bound IP never leave the server.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	IsBlocked    bool      `json:"isBlocked"`
	CreatedAt    time.Time `json:"createdAt"`
	PasswordHash string    `json:"-"`
	BoundIP      string    `json:"-"`
}

// IsAdmin reports whether the user carries the system admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// UserSummary is the degraded listing shape returned to non-admin callers
// of the user listing operation.
type UserSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Group is the persisted group row plus its member snapshot. Members holds
// identity IDs, not connection IDs; membership is independent of whether a
// member currently has the room open.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AdminID   string    `json:"adminId"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a chat message envelope. ID and Timestamp are always assigned
// server-side; client-provided values are ignored.
type Message struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"groupId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
}

// Request is one inbound frame on a client connection. Data stays raw until
// the operation handler decodes it into its own shape.
type Request struct {
	Op   string          `json:"op"`
	ID   uint64          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Ack is the response frame for a request. Failed operations carry a
// human-readable message and no data.
type Ack struct {
	ID      uint64 `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Push is a server-initiated event frame.
type Push struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Push event names. These are part of the wire contract with clients.
const (
	EventForceLogout         = "forceLogout"
	EventForceReLogin        = "forceReLogin"
	EventGroupRemoved        = "groupToWasRemoved"
	EventNewGroupJoined      = "newGroupJoined"
	EventGroupNameUpdated    = "updateOfGroupName"
	EventGroupMembersChanged = "groupMembersChanged"
	EventGroupRefresh        = "groupRefresh"
	EventTyping              = "typing"
	EventGroupMessages       = "groupMessages"
	EventPeerJoined          = "peerJoined"
	EventOffer               = "offer"
	EventAnswer              = "answer"
	EventICECandidate        = "iceCandidate"
)
