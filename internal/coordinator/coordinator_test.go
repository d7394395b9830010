package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"backchannel/internal/room"
	"backchannel/internal/store/storetest"
	"backchannel/pkg/interfaces"
	"backchannel/pkg/types"
)

type fakeConn struct {
	id   string
	user *types.User

	mu     sync.Mutex
	events []string
	data   []any
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) RemoteAddr() string { return "127.0.0.1" }

func (c *fakeConn) User() *types.User { return c.user }

func (c *fakeConn) SetUser(user *types.User) { c.user = user }

func (c *fakeConn) ClearUser() { c.user = nil }

func (c *fakeConn) IsAuthenticated() bool { return c.user != nil }

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Push(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	c.data = append(c.data, data)
	return nil
}

func (c *fakeConn) received() ([]string, []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]string, len(c.events))
	copy(events, c.events)
	data := make([]any, len(c.data))
	copy(data, c.data)
	return events, data
}

type connMap map[string]interfaces.Connection

func (m connMap) Get(connID string) (interfaces.Connection, bool) {
	conn, ok := m[connID]
	return conn, ok
}

func newTestCoordinator() (*Coordinator, *storetest.Store, *room.Manager, connMap) {
	st := storetest.New()
	st.AddGroup(&types.Group{ID: "g1", Name: "G", AdminID: "u1", Members: []string{"u1", "u2"}})
	rooms := room.NewManager(st)
	conns := make(connMap)
	return NewCoordinator(st, rooms, conns), st, rooms, conns
}

func subscribe(t *testing.T, rooms *room.Manager, conn *fakeConn, roomID string) {
	t.Helper()
	if err := rooms.Join(context.Background(), conn, roomID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
}

func TestSendToGroup_DeliversToSubscribers(t *testing.T) {
	coord, st, rooms, _ := newTestCoordinator()

	sender := &fakeConn{id: "c1", user: &types.User{ID: "u1"}}
	receiver := &fakeConn{id: "c2", user: &types.User{ID: "u2"}}
	subscribe(t, rooms, sender, room.GroupRoom("g1"))
	subscribe(t, rooms, receiver, room.GroupRoom("g1"))

	message, err := coord.SendToGroup(context.Background(), "g1", "u1", "hello", "text", true)
	if err != nil {
		t.Fatalf("SendToGroup failed: %v", err)
	}
	if message.ID == "" || message.Timestamp.IsZero() {
		t.Error("server must stamp id and timestamp")
	}

	// Sender is subscribed, so it gets the echo too.
	for _, conn := range []*fakeConn{sender, receiver} {
		events, _ := conn.received()
		if len(events) != 1 || events[0] != types.EventGroupMessages {
			t.Errorf("conn %s: expected one groupMessages event, got %v", conn.ID(), events)
		}
	}

	if msgs := st.Messages(); len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("persisted send should store the message, got %v", msgs)
	}
}

func TestSendToGroup_RealTimeSkipsPersistence(t *testing.T) {
	coord, st, rooms, _ := newTestCoordinator()
	receiver := &fakeConn{id: "c1", user: &types.User{ID: "u2"}}
	subscribe(t, rooms, receiver, room.GroupRoom("g1"))

	if _, err := coord.SendToGroup(context.Background(), "g1", "u1", "ephemeral", "text", false); err != nil {
		t.Fatalf("SendToGroup failed: %v", err)
	}

	if msgs := st.Messages(); len(msgs) != 0 {
		t.Errorf("real-time send must not persist, stored %d", len(msgs))
	}
	if events, _ := receiver.received(); len(events) != 1 {
		t.Errorf("real-time send must still broadcast, got %v", events)
	}
}

func TestSendToGroup_NonMemberRejected(t *testing.T) {
	coord, _, _, _ := newTestCoordinator()
	if _, err := coord.SendToGroup(context.Background(), "g1", "outsider", "hi", "text", true); !errors.Is(err, types.ErrNotAMember) {
		t.Errorf("expected ErrNotAMember, got %v", err)
	}
}

func TestSendToGroup_SenderNeedNotSubscribe(t *testing.T) {
	coord, _, rooms, _ := newTestCoordinator()
	receiver := &fakeConn{id: "c1", user: &types.User{ID: "u2"}}
	subscribe(t, rooms, receiver, room.GroupRoom("g1"))

	// u1 is a persisted member but has not joined the room.
	if _, err := coord.SendToGroup(context.Background(), "g1", "u1", "hi", "text", false); err != nil {
		t.Fatalf("member without room subscription should still send: %v", err)
	}
	if events, _ := receiver.received(); len(events) != 1 {
		t.Errorf("subscriber should receive the message, got %v", events)
	}
}

func TestSendToGroup_ValidationBeforeMembership(t *testing.T) {
	coord, _, _, _ := newTestCoordinator()
	cases := []struct {
		name    string
		content string
		msgType string
	}{
		{"empty content", "", "text"},
		{"oversized content", strings.Repeat("x", 10001), "text"},
		{"missing type", "hi", ""},
	}
	for _, tc := range cases {
		if _, err := coord.SendToGroup(context.Background(), "g1", "u1", tc.content, tc.msgType, true); !errors.Is(err, types.ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
}

func TestSendToGroup_PersistFailureStillBroadcasts(t *testing.T) {
	coord, st, rooms, _ := newTestCoordinator()
	st.FailWith["StoreMessage"] = errors.New("disk full")

	receiver := &fakeConn{id: "c1", user: &types.User{ID: "u2"}}
	subscribe(t, rooms, receiver, room.GroupRoom("g1"))

	if _, err := coord.SendToGroup(context.Background(), "g1", "u1", "hi", "text", true); err != nil {
		t.Fatalf("persistence failure must not fail the send: %v", err)
	}
	if events, _ := receiver.received(); len(events) != 1 {
		t.Errorf("broadcast should proceed past a persistence failure, got %v", events)
	}
}

func TestSendToGroup_RateLimit(t *testing.T) {
	coord, _, _, _ := newTestCoordinator()
	ctx := context.Background()

	for i := 0; i < messagesPerWindow; i++ {
		if _, err := coord.SendToGroup(ctx, "g1", "u1", "spam", "text", false); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	if _, err := coord.SendToGroup(ctx, "g1", "u1", "over", "text", false); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited past the window cap, got %v", err)
	}

	// Other senders keep their own window.
	if _, err := coord.SendToGroup(ctx, "g1", "u2", "fine", "text", false); err != nil {
		t.Errorf("independent sender should not be limited: %v", err)
	}
}

func TestTypingIndicator_ExcludesSender(t *testing.T) {
	coord, _, rooms, _ := newTestCoordinator()
	sender := &fakeConn{id: "c1", user: &types.User{ID: "u1", Name: "User"}}
	receiver := &fakeConn{id: "c2", user: &types.User{ID: "u2"}}
	subscribe(t, rooms, sender, room.GroupRoom("g1"))
	subscribe(t, rooms, receiver, room.GroupRoom("g1"))

	coord.TypingIndicator("g1", sender.user, "c1", true)

	if events, _ := sender.received(); len(events) != 0 {
		t.Errorf("sender must not see its own typing event, got %v", events)
	}
	events, data := receiver.received()
	if len(events) != 1 || events[0] != types.EventTyping {
		t.Fatalf("expected one typing event, got %v", events)
	}
	payload, ok := data[0].(map[string]any)
	if !ok || payload["userId"] != "u1" || payload["isTyping"] != true {
		t.Errorf("unexpected typing payload: %v", data[0])
	}
}

func TestRelay(t *testing.T) {
	coord, _, _, conns := newTestCoordinator()
	target := &fakeConn{id: "c2", user: &types.User{ID: "u2"}}
	conns["c2"] = target

	err := coord.Relay(types.EventOffer, "c2", "c1", map[string]any{"sdp": "v=0"})
	if err != nil {
		t.Fatalf("Relay failed: %v", err)
	}

	events, data := target.received()
	if len(events) != 1 || events[0] != types.EventOffer {
		t.Fatalf("expected one offer event, got %v", events)
	}
	payload := data[0].(map[string]any)
	if payload["sdp"] != "v=0" {
		t.Errorf("payload fields should be forwarded, got %v", payload)
	}
	if payload["connectionId"] != "c1" {
		t.Errorf("sender connection id should be stamped, got %v", payload["connectionId"])
	}
}

func TestRelay_UnknownTarget(t *testing.T) {
	coord, _, _, _ := newTestCoordinator()
	if err := coord.Relay(types.EventAnswer, "ghost", "c1", nil); !errors.Is(err, ErrTargetNotConnected) {
		t.Errorf("expected ErrTargetNotConnected, got %v", err)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter()
	rl.Allow("u1")

	rl.mu.Lock()
	rl.senders["u1"].windowStart = rl.senders["u1"].windowStart.Add(-2 * staleAfter)
	rl.mu.Unlock()

	rl.Cleanup()

	rl.mu.Lock()
	_, exists := rl.senders["u1"]
	rl.mu.Unlock()
	if exists {
		t.Error("stale sender window should be dropped")
	}
}
