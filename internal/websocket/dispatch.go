package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"backchannel/internal/coordinator"
	"backchannel/internal/room"
	"backchannel/pkg/types"
)

var errInvalidCredentials = errors.New("invalid credentials")

// dispatch decodes one inbound frame and runs the named operation. Every
// failure becomes a failed ack; nothing here may terminate the connection.
// Frames without a request id are fire-and-forget and get no ack.
func (h *Handler) dispatch(conn *Connection, data []byte) {
	op := gjson.GetBytes(data, "op").String()
	reqID := gjson.GetBytes(data, "id").Uint()
	payload := []byte(gjson.GetBytes(data, "data").Raw)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	result, err := h.handleOp(conn, op, payload)
	if reqID == 0 {
		if err != nil {
			log.Printf("Operation failed (no ack): op=%s conn=%s: %v", op, conn.ID(), err)
		}
		return
	}

	ack := types.Ack{ID: reqID, Success: err == nil, Data: result}
	if err != nil {
		ack.Message = ackMessage(err)
		log.Printf("Operation failed: op=%s conn=%s: %v", op, conn.ID(), err)
	}
	if werr := conn.WriteJSON(ack); werr != nil {
		// Peer is gone; the result is discarded.
		log.Printf("Ack write failed: op=%s conn=%s: %v", op, conn.ID(), werr)
	}
}

func (h *Handler) handleOp(conn *Connection, op string, payload []byte) (any, error) {
	switch op {
	case "register":
		return h.opRegister(conn, payload)
	case "login":
		return h.opLogin(conn, payload)
	case "logout":
		h.registry.ClearIdentity(conn)
		return nil, nil
	case "getUserInfo":
		return h.opGetUserInfo(conn)
	case "checkAdminStatus":
		return h.opCheckAdminStatus(conn, payload)
	case "searchUsers":
		return h.opSearchUsers(conn, payload)
	case "getUserGroups":
		return h.opGetUserGroups(conn, payload)
	case "createGroup":
		return h.opCreateGroup(conn, payload)
	case "updateGroupName":
		return h.opUpdateGroupName(conn, payload)
	case "addUserToGroup":
		return h.opAddUserToGroup(conn, payload)
	case "removeUserFromGroup":
		return h.opRemoveUserFromGroup(conn, payload)
	case "joinGroup":
		return h.opJoinRoom(conn, payload, room.GroupRoom)
	case "leaveGroup":
		return h.opLeaveRoom(conn, payload)
	case "sendGroupMessage":
		return h.opSendGroupMessage(conn, payload, true)
	case "sendGroupMessageRealTime":
		return h.opSendGroupMessage(conn, payload, false)
	case "typing":
		return h.opTyping(conn, payload)
	case "joinAudioRoom":
		return h.opJoinRoom(conn, payload, room.CallRoom)
	case "offer", "answer", "iceCandidate":
		return h.opRelay(conn, op, payload)
	case "admin:getAllUsers":
		return h.opGetAllUsers(conn)
	case "admin:getAllGroups":
		return h.opGetAllGroups(conn)
	case "admin:blockUser":
		return h.opBlockUser(conn, payload)
	case "admin:unblockUser":
		return h.opUnblockUser(conn, payload)
	case "admin:deleteGroup":
		return h.opDeleteGroup(conn, payload)
	default:
		return nil, types.ErrValidation
	}
}

func (h *Handler) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.opts.OpTimeout)
}

// ----- authentication -----

func (h *Handler) opRegister(conn *Connection, payload []byte) (any, error) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
		Role     string `json:"role"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, types.ErrValidation
	}
	if !types.IsValidEmail(req.Email) || req.Password == "" || strings.TrimSpace(req.Name) == "" {
		return nil, types.ErrValidation
	}
	if req.Role == "" {
		req.Role = types.RoleUser
	}
	if !types.IsValidRole(req.Role) {
		return nil, types.ErrValidation
	}

	hash, err := h.auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	user := &types.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		Name:         req.Name,
		Role:         req.Role,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	if err := h.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	token, err := h.auth.IssueToken(user.ID)
	if err != nil {
		return nil, err
	}
	h.registry.Bind(conn, user)

	log.Printf("New user registered: email=%s", user.Email)
	return map[string]any{"token": token, "user": user}, nil
}

func (h *Handler) opLogin(conn *Connection, payload []byte) (any, error) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, types.ErrValidation
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	user, err := h.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, errInvalidCredentials
		}
		return nil, err
	}
	if user.IsBlocked {
		return nil, types.ErrBlocked
	}
	if !h.auth.CheckPassword(user.PasswordHash, req.Password) {
		return nil, errInvalidCredentials
	}
	// An identity bound to an IP only authenticates from it. The mismatch
	// is reported as bad credentials, not as a distinct failure.
	if user.BoundIP != "" && user.BoundIP != conn.RemoteAddr() {
		return nil, errInvalidCredentials
	}

	token, err := h.auth.IssueToken(user.ID)
	if err != nil {
		return nil, err
	}
	h.registry.Bind(conn, user)

	log.Printf("User logged in: email=%s conn=%s", user.Email, conn.ID())
	return map[string]any{"token": token, "user": user}, nil
}

// ----- user queries -----

func (h *Handler) opGetUserInfo(conn *Connection) (any, error) {
	user, err := h.gate.RequireAuthenticated(conn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	fresh, err := h.store.GetUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": fresh}, nil
}

func (h *Handler) opCheckAdminStatus(conn *Connection, payload []byte) (any, error) {
	if _, err := h.gate.RequireAuthenticated(conn); err != nil {
		return nil, err
	}
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || !types.IsValidID(req.UserID) {
		return nil, types.ErrValidation
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	user, err := h.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"isAdmin": user.IsAdmin()}, nil
}

func (h *Handler) opSearchUsers(conn *Connection, payload []byte) (any, error) {
	if _, err := h.gate.RequireAuthenticated(conn); err != nil {
		return nil, err
	}
	var req struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, types.ErrValidation
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	users, err := h.store.SearchUsers(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (h *Handler) opGetUserGroups(conn *Connection, payload []byte) (any, error) {
	user, err := h.gate.RequireAuthenticated(conn)
	if err != nil {
		return nil, err
	}
	var req struct {
		UserID string `json:"userId"`
	}
	_ = json.Unmarshal(payload, &req)
	if req.UserID == "" {
		req.UserID = user.ID
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	groups, err := h.store.ListGroupsForUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// ----- group management -----

func (h *Handler) opCreateGroup(conn *Connection, payload []byte) (any, error) {
	user, err := h.gate.RequireAuthenticated(conn)
	if err != nil {
		return nil, err
	}
	var req struct {
		Name    string   `json:"name"`
		AdminID string   `json:"adminId"`
		Members []string `json:"members"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, types.ErrValidation
	}
	if err := types.ValidateGroupName(req.Name); err != nil {
		return nil, err
	}
	if req.AdminID == "" {
		req.AdminID = user.ID
	}

	// The group admin is always a member.
	members := req.Members
	hasAdmin := false
	for _, id := range members {
		if id == req.AdminID {
			hasAdmin = true
			break
		}
	}
	if !hasAdmin {
		members = append(members, req.AdminID)
	}

	group := &types.Group{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(req.Name),
		AdminID:   req.AdminID,
		Members:   members,
		CreatedAt: time.Now(),
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	if err := h.store.CreateGroup(ctx, group); err != nil {
		return nil, err
	}

	// Each member learns about the new group on every device, whether or
	// not a room for it exists yet.
	for _, memberID := range group.Members {
		for _, target := range h.registry.Connections(memberID) {
			if perr := target.Push(types.EventNewGroupJoined, group); perr != nil {
				log.Printf("newGroupJoined push failed: conn=%s: %v", target.ID(), perr)
			}
		}
	}

	log.Printf("Group created: id=%s name=%s members=%d", group.ID, group.Name, len(group.Members))
	return group, nil
}

func (h *Handler) opUpdateGroupName(conn *Connection, payload []byte) (any, error) {
	var req struct {
		GroupID string `json:"groupId"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || !types.IsValidID(req.GroupID) {
		return nil, types.ErrValidation
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	group, err := h.moderation.UpdateGroupName(ctx, conn, req.GroupID, req.Name)
	if err != nil {
		return nil, err
	}
	return group, nil
}

func (h *Handler) opAddUserToGroup(conn *Connection, payload []byte) (any, error) {
	var req struct {
		GroupID string `json:"groupId"`
		UserID  string `json:"userId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || !types.IsValidID(req.GroupID) || !types.IsValidID(req.UserID) {
		return nil, types.ErrValidation
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	group, err := h.moderation.AddMember(ctx, conn, req.GroupID, req.UserID)
	if err != nil {
		return nil, err
	}
	return group, nil
}

func (h *Handler) opRemoveUserFromGroup(conn *Connection, payload []byte) (any, error) {
	var req struct {
		GroupID string `json:"groupId"`
		UserID  string `json:"userId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || !types.IsValidID(req.GroupID) || !types.IsValidID(req.UserID) {
		return nil, types.ErrValidation
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	group, err := h.moderation.RemoveMember(ctx, conn, req.GroupID, req.UserID)
	if err != nil {
		return nil, err
	}
	return group, nil
}

// ----- rooms and messaging -----

func (h *Handler) opJoinRoom(conn *Connection, payload []byte, roomKey func(string) string) (any, error) {
	if _, err := h.gate.RequireAuthenticated(conn); err != nil {
		return nil, err
	}
	var req struct {
		GroupID string `json:"groupId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || !types.IsValidID(req.GroupID) {
		return nil, types.ErrValidation
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	if err := h.rooms.Join(ctx, conn, roomKey(req.GroupID)); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *Handler) opLeaveRoom(conn *Connection, payload []byte) (any, error) {
	if _, err := h.gate.RequireAuthenticated(conn); err != nil {
		return nil, err
	}
	var req struct {
		GroupID string `json:"groupId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || !types.IsValidID(req.GroupID) {
		return nil, types.ErrValidation
	}
	h.rooms.Leave(conn.ID(), room.GroupRoom(req.GroupID))
	return nil, nil
}

func (h *Handler) opSendGroupMessage(conn *Connection, payload []byte, persist bool) (any, error) {
	user, err := h.gate.RequireAuthenticated(conn)
	if err != nil {
		return nil, err
	}
	var req struct {
		GroupID string `json:"groupId"`
		Message struct {
			Content string `json:"content"`
			Type    string `json:"type"`
		} `json:"message"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, types.ErrValidation
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	message, err := h.coordinator.SendToGroup(ctx, req.GroupID, user.ID, req.Message.Content, req.Message.Type, persist)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messageId": message.ID, "timestamp": message.Timestamp}, nil
}

func (h *Handler) opTyping(conn *Connection, payload []byte) (any, error) {
	user, err := h.gate.RequireAuthenticated(conn)
	if err != nil {
		return nil, err
	}
	var req struct {
		GroupID  string `json:"groupId"`
		IsTyping bool   `json:"isTyping"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || !types.IsValidID(req.GroupID) {
		return nil, types.ErrValidation
	}
	h.coordinator.TypingIndicator(req.GroupID, user, conn.ID(), req.IsTyping)
	return nil, nil
}

func (h *Handler) opRelay(conn *Connection, event string, payload []byte) (any, error) {
	if _, err := h.gate.RequireAuthenticated(conn); err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, types.ErrValidation
	}
	target, _ := fields["targetConnectionId"].(string)
	if target == "" {
		return nil, types.ErrValidation
	}
	delete(fields, "targetConnectionId")

	if err := h.coordinator.Relay(event, target, conn.ID(), fields); err != nil {
		return nil, err
	}
	return nil, nil
}

// ----- administration -----

// opGetAllUsers is the degraded-success listing: admins get full rows,
// everyone else gets id+name pairs with admin accounts excluded. The
// non-admin path reports success, not an authorization failure.
func (h *Handler) opGetAllUsers(conn *Connection) (any, error) {
	user, err := h.gate.RequireAuthenticated(conn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	if !user.IsAdmin() {
		summaries, err := h.store.ListUserSummaries(ctx)
		if err != nil {
			return nil, err
		}
		return summaries, nil
	}

	users, err := h.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (h *Handler) opGetAllGroups(conn *Connection) (any, error) {
	if _, err := h.gate.RequireSystemAdmin(conn); err != nil {
		return nil, err
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	groups, err := h.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (h *Handler) opBlockUser(conn *Connection, payload []byte) (any, error) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || !types.IsValidID(req.UserID) {
		return nil, types.ErrValidation
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	return nil, h.moderation.BlockUser(ctx, conn, req.UserID)
}

func (h *Handler) opUnblockUser(conn *Connection, payload []byte) (any, error) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || !types.IsValidID(req.UserID) {
		return nil, types.ErrValidation
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	return nil, h.moderation.UnblockUser(ctx, conn, req.UserID)
}

func (h *Handler) opDeleteGroup(conn *Connection, payload []byte) (any, error) {
	var req struct {
		GroupID string `json:"groupId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || !types.IsValidID(req.GroupID) {
		return nil, types.ErrValidation
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	return nil, h.moderation.DeleteGroup(ctx, conn, req.GroupID)
}

// ackMessage maps an operation error to the client-facing failure text.
// Upstream detail never leaks; it is logged server-side only.
func ackMessage(err error) string {
	switch {
	case errors.Is(err, errInvalidCredentials):
		return "Invalid credentials"
	case errors.Is(err, types.ErrUnauthenticated):
		return "Not authenticated"
	case errors.Is(err, types.ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, types.ErrBlocked):
		return "Account is blocked"
	case errors.Is(err, types.ErrNotAMember):
		return "User is not a member of this group"
	case errors.Is(err, types.ErrConflict):
		return "Already exists"
	case errors.Is(err, types.ErrNotFound):
		return "Not found"
	case errors.Is(err, types.ErrValidation):
		return "Invalid request"
	case errors.Is(err, coordinator.ErrRateLimited):
		return "Too many messages, slow down"
	case errors.Is(err, coordinator.ErrTargetNotConnected):
		return "Target connection not found"
	default:
		return "Operation failed"
	}
}
