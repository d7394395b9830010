package moderation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"backchannel/internal/authz"
	"backchannel/internal/room"
	"backchannel/internal/session"
	"backchannel/internal/store/storetest"
	"backchannel/pkg/types"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	user   *types.User
	events []string
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) RemoteAddr() string { return "127.0.0.1" }

func (c *fakeConn) User() *types.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *fakeConn) SetUser(user *types.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = user
}

func (c *fakeConn) ClearUser() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = nil
}

func (c *fakeConn) IsAuthenticated() bool { return c.User() != nil }

func (c *fakeConn) Push(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func contains(events []string, event string) bool {
	for _, e := range events {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	store      *storetest.Store
	registry   *session.Registry
	rooms      *room.Manager
	controller *Controller

	admin  *fakeConn // system admin, u-admin
	owner  *fakeConn // group admin of g1, u-owner
	member *fakeConn // plain member of g1, u-member
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.New()
	st.AddUser(&types.User{ID: "u-admin", Email: "admin@admin.com", Role: types.RoleAdmin})
	st.AddUser(&types.User{ID: "u-owner", Email: "owner@x.com", Role: types.RoleUser})
	st.AddUser(&types.User{ID: "u-member", Email: "member@x.com", Role: types.RoleUser})
	st.AddGroup(&types.Group{ID: "g1", Name: "G One", AdminID: "u-owner", Members: []string{"u-owner", "u-member"}})

	registry := session.NewRegistry(st, nil)
	rooms := room.NewManager(st)
	registry.SetRoomEvictor(rooms)
	gate := authz.NewGate(st)

	f := &fixture{
		store:      st,
		registry:   registry,
		rooms:      rooms,
		controller: NewController(st, registry, rooms, gate),
		admin:      &fakeConn{id: "c-admin"},
		owner:      &fakeConn{id: "c-owner"},
		member:     &fakeConn{id: "c-member"},
	}
	bind := func(conn *fakeConn, userID string) {
		user, err := st.GetUser(context.Background(), userID)
		if err != nil {
			t.Fatalf("seed user missing: %v", err)
		}
		registry.Add(conn)
		registry.Bind(conn, user)
	}
	bind(f.admin, "u-admin")
	bind(f.owner, "u-owner")
	bind(f.member, "u-member")
	return f
}

func TestBlockUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.controller.BlockUser(ctx, f.admin, "u-member"); err != nil {
		t.Fatalf("BlockUser failed: %v", err)
	}

	user, _ := f.store.GetUser(ctx, "u-member")
	if !user.IsBlocked {
		t.Error("block flag should be persisted")
	}
	if !contains(f.member.received(), types.EventForceLogout) {
		t.Error("target should receive forceLogout before teardown")
	}
	if !f.member.isClosed() {
		t.Error("target connections should be closed")
	}
	if got := f.registry.Connections("u-member"); len(got) != 0 {
		t.Errorf("target should be removed from the registry, got %d", len(got))
	}
	if f.owner.isClosed() {
		t.Error("other identities must be untouched")
	}
}

func TestBlockUser_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.controller.BlockUser(ctx, f.owner, "u-member"); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("non-admin: expected ErrUnauthorized, got %v", err)
	}
	if err := f.controller.BlockUser(ctx, f.admin, "u-admin"); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("self-block: expected ErrUnauthorized, got %v", err)
	}
	if err := f.controller.BlockUser(ctx, f.admin, "ghost"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown target: expected ErrNotFound, got %v", err)
	}
}

func TestUnblockUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetUserBlocked(ctx, "u-member", true)

	if err := f.controller.UnblockUser(ctx, f.admin, "u-member"); err != nil {
		t.Fatalf("UnblockUser failed: %v", err)
	}

	user, _ := f.store.GetUser(ctx, "u-member")
	if user.IsBlocked {
		t.Error("block flag should be cleared")
	}
	if !contains(f.member.received(), types.EventForceReLogin) {
		t.Error("target should be asked to re-login")
	}
	if f.member.isClosed() {
		t.Error("unblock must not tear down connections")
	}
}

func TestDeleteGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Member is listening on the group room; owner is not.
	if err := f.rooms.Join(ctx, f.member, room.GroupRoom("g1")); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if err := f.controller.DeleteGroup(ctx, f.admin, "g1"); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}

	if _, err := f.store.GetGroup(ctx, "g1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("group row should be gone, got %v", err)
	}
	// Every member hears about it by identity, subscribed or not.
	for _, conn := range []*fakeConn{f.owner, f.member} {
		if !contains(conn.received(), types.EventGroupRemoved) {
			t.Errorf("conn %s: expected groupToWasRemoved push", conn.ID())
		}
	}
	if stats := f.rooms.Stats(); stats["active_rooms"] != 0 {
		t.Errorf("group rooms should be dropped, stats=%v", stats)
	}
}

func TestDeleteGroup_RequiresSystemAdmin(t *testing.T) {
	f := newFixture(t)
	if err := f.controller.DeleteGroup(context.Background(), f.owner, "g1"); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("group owner is not system admin: expected ErrUnauthorized, got %v", err)
	}
}

func TestAddMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddUser(&types.User{ID: "u-new", Email: "new@x.com", Role: types.RoleUser})

	group, err := f.controller.AddMember(ctx, f.owner, "g1", "u-new")
	if err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if !contains(group.Members, "u-new") {
		t.Errorf("returned snapshot should include the new member, got %v", group.Members)
	}
	if !contains(f.member.received(), types.EventNewGroupJoined) {
		t.Error("clients should hear the membership change")
	}

	if _, err := f.controller.AddMember(ctx, f.owner, "g1", "u-new"); !errors.Is(err, types.ErrConflict) {
		t.Errorf("duplicate member: expected ErrConflict, got %v", err)
	}
	if _, err := f.controller.AddMember(ctx, f.member, "g1", "u-new"); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("non-owner: expected ErrUnauthorized, got %v", err)
	}
}

func TestRemoveMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.rooms.Join(ctx, f.member, room.GroupRoom("g1")); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	group, err := f.controller.RemoveMember(ctx, f.owner, "g1", "u-member")
	if err != nil {
		t.Fatalf("RemoveMember failed: %v", err)
	}
	if contains(group.Members, "u-member") {
		t.Errorf("returned snapshot should exclude the removed member, got %v", group.Members)
	}
	if !contains(f.member.received(), types.EventGroupRemoved) {
		t.Error("removed member should receive the expulsion notice")
	}
	if !f.member.isClosed() {
		t.Error("removed member's room connections should be torn down")
	}
	if got := f.rooms.UserSubscribers(room.GroupRoom("g1"), "u-member"); len(got) != 0 {
		t.Errorf("removed member must not stay subscribed, got %d", len(got))
	}
	if !contains(f.owner.received(), types.EventGroupMembersChanged) {
		t.Error("remaining clients should hear the membership change")
	}
}

func TestRemoveMember_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.controller.RemoveMember(ctx, f.owner, "g1", "u-owner"); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("admin self-removal: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.controller.RemoveMember(ctx, f.member, "g1", "u-owner"); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("non-owner: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.controller.RemoveMember(ctx, f.owner, "g1", "ghost"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("non-member target: expected ErrNotFound, got %v", err)
	}
}

func TestUpdateGroupName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	group, err := f.controller.UpdateGroupName(ctx, f.owner, "g1", "Renamed")
	if err != nil {
		t.Fatalf("UpdateGroupName failed: %v", err)
	}
	if group.Name != "Renamed" {
		t.Errorf("expected renamed snapshot, got %q", group.Name)
	}
	if !contains(f.member.received(), types.EventGroupNameUpdated) {
		t.Error("clients should hear the rename")
	}

	if _, err := f.controller.UpdateGroupName(ctx, f.owner, "g1", "  "); !errors.Is(err, types.ErrValidation) {
		t.Errorf("blank name: expected ErrValidation, got %v", err)
	}
	if _, err := f.controller.UpdateGroupName(ctx, f.member, "g1", "Nope"); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("non-owner: expected ErrUnauthorized, got %v", err)
	}
}
