package presence

import (
	"errors"
	"sync"
	"testing"
	"time"

	"tigerengage/pkg/types"
)

// Mock connection for tracker tests.
type mockConnection struct {
	connID    string
	userID    string
	role      string
	sessionID string

	mu     sync.Mutex
	closed bool
}

func newMockConnection(connID, userID, role, sessionID string) *mockConnection {
	return &mockConnection{connID: connID, userID: userID, role: role, sessionID: sessionID}
}

func (m *mockConnection) ConnectionID() string { return m.connID }
func (m *mockConnection) UserID() string       { return m.userID }
func (m *mockConnection) Role() string         { return m.role }
func (m *mockConnection) SessionID() string    { return m.sessionID }

func (m *mockConnection) WriteJSON(v interface{}) error { return nil }

func (m *mockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConnection) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func TestTracker_JoinAndMembersOf(t *testing.T) {
	tracker := NewTracker()

	conn := newMockConnection("c1", "alice", types.RoleStudent, "s1")
	if err := tracker.Join(conn); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	members := tracker.MembersOf("s1")
	if len(members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(members))
	}
	if members[0].Conn.ConnectionID() != "c1" {
		t.Errorf("unexpected member: %s", members[0].Conn.ConnectionID())
	}
}

func TestTracker_JoinNilConnection(t *testing.T) {
	tracker := NewTracker()
	if err := tracker.Join(nil); !errors.Is(err, ErrNilConnection) {
		t.Errorf("expected ErrNilConnection, got %v", err)
	}
}

func TestTracker_MultiTabSameUser(t *testing.T) {
	tracker := NewTracker()

	// Two tabs of the same user are independent memberships.
	tab1 := newMockConnection("c1", "alice", types.RoleStudent, "s1")
	tab2 := newMockConnection("c2", "alice", types.RoleStudent, "s1")
	if err := tracker.Join(tab1); err != nil {
		t.Fatalf("join tab1: %v", err)
	}
	if err := tracker.Join(tab2); err != nil {
		t.Fatalf("join tab2: %v", err)
	}

	if got := len(tracker.MembersOf("s1")); got != 2 {
		t.Fatalf("expected 2 memberships for two tabs, got %d", got)
	}

	// Dropping one tab leaves the other connected.
	tracker.Leave("c1")
	members := tracker.MembersOf("s1")
	if len(members) != 1 || members[0].Conn.ConnectionID() != "c2" {
		t.Errorf("expected only c2 to remain, got %d members", len(members))
	}
}

func TestTracker_LeaveIdempotent(t *testing.T) {
	tracker := NewTracker()

	conn := newMockConnection("c1", "alice", types.RoleStudent, "s1")
	if err := tracker.Join(conn); err != nil {
		t.Fatalf("join: %v", err)
	}

	tracker.Leave("c1")
	tracker.Leave("c1") // duplicate disconnect, must not panic or corrupt state
	tracker.Leave("never-joined")

	if got := len(tracker.MembersOf("s1")); got != 0 {
		t.Errorf("expected 0 members, got %d", got)
	}
}

func TestTracker_JoinReplacesSameConnectionID(t *testing.T) {
	tracker := NewTracker()

	old := newMockConnection("c1", "alice", types.RoleStudent, "s1")
	if err := tracker.Join(old); err != nil {
		t.Fatalf("join old: %v", err)
	}

	replacement := newMockConnection("c1", "alice", types.RoleStudent, "s1")
	if err := tracker.Join(replacement); err != nil {
		t.Fatalf("join replacement: %v", err)
	}

	members := tracker.MembersOf("s1")
	if len(members) != 1 {
		t.Fatalf("expected 1 member after replacement, got %d", len(members))
	}
	if members[0].Conn != replacement {
		t.Error("expected replacement connection to hold the membership")
	}

	// Stale transport is closed asynchronously.
	deadline := time.Now().Add(time.Second)
	for !old.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("stale connection was not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTracker_InstructorsOf(t *testing.T) {
	tracker := NewTracker()

	_ = tracker.Join(newMockConnection("c1", "alice", types.RoleStudent, "s1"))
	_ = tracker.Join(newMockConnection("c2", "prof", types.RoleInstructor, "s1"))
	_ = tracker.Join(newMockConnection("c3", "bob", types.RoleStudent, "s1"))

	instructors := tracker.InstructorsOf("s1")
	if len(instructors) != 1 {
		t.Fatalf("expected 1 instructor, got %d", len(instructors))
	}
	if instructors[0].Conn.UserID() != "prof" {
		t.Errorf("unexpected instructor: %s", instructors[0].Conn.UserID())
	}
}

func TestTracker_EvictStale(t *testing.T) {
	tracker := NewTracker()

	stale := newMockConnection("c1", "alice", types.RoleStudent, "s1")
	fresh := newMockConnection("c2", "bob", types.RoleStudent, "s1")
	_ = tracker.Join(stale)
	_ = tracker.Join(fresh)

	// Backdate the stale member's heartbeat past the window.
	tracker.mu.Lock()
	tracker.byConn["c1"].lastHeartbeat = time.Now().Add(-2 * time.Minute)
	tracker.mu.Unlock()

	evicted := tracker.EvictStale("s1", time.Minute)
	if len(evicted) != 1 || evicted[0].Conn.ConnectionID() != "c1" {
		t.Fatalf("expected only c1 evicted, got %d members", len(evicted))
	}

	members := tracker.MembersOf("s1")
	if len(members) != 1 || members[0].Conn.ConnectionID() != "c2" {
		t.Errorf("expected c2 to survive the sweep")
	}
}

func TestTracker_HeartbeatDefersEviction(t *testing.T) {
	tracker := NewTracker()

	conn := newMockConnection("c1", "alice", types.RoleStudent, "s1")
	_ = tracker.Join(conn)

	tracker.mu.Lock()
	tracker.byConn["c1"].lastHeartbeat = time.Now().Add(-2 * time.Minute)
	tracker.mu.Unlock()

	tracker.Heartbeat("c1")

	if evicted := tracker.EvictStale("s1", time.Minute); len(evicted) != 0 {
		t.Errorf("heartbeat should have reset the window, got %d evicted", len(evicted))
	}
}

func TestTracker_DropSession(t *testing.T) {
	tracker := NewTracker()

	_ = tracker.Join(newMockConnection("c1", "alice", types.RoleStudent, "s1"))
	_ = tracker.Join(newMockConnection("c2", "bob", types.RoleStudent, "s1"))
	_ = tracker.Join(newMockConnection("c3", "carol", types.RoleStudent, "s2"))

	dropped := tracker.DropSession("s1")
	if len(dropped) != 2 {
		t.Fatalf("expected 2 dropped members, got %d", len(dropped))
	}
	if got := len(tracker.MembersOf("s1")); got != 0 {
		t.Errorf("expected s1 empty after drop, got %d", got)
	}
	if got := len(tracker.MembersOf("s2")); got != 1 {
		t.Errorf("drop must not touch other sessions, s2 has %d", got)
	}
}

func TestTracker_Stats(t *testing.T) {
	tracker := NewTracker()

	_ = tracker.Join(newMockConnection("c1", "alice", types.RoleStudent, "s1"))
	_ = tracker.Join(newMockConnection("c2", "bob", types.RoleStudent, "s2"))

	stats := tracker.Stats()
	if stats["total_connections"] != 2 {
		t.Errorf("expected 2 connections, got %d", stats["total_connections"])
	}
	if stats["active_sessions"] != 2 {
		t.Errorf("expected 2 sessions, got %d", stats["active_sessions"])
	}
}
