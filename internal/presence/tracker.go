package presence

import (
	"sync"
	"time"

	"tigerengage/pkg/interfaces"
	"tigerengage/pkg/types"
)

// Member is one connection's membership in a session.
type Member struct {
	Conn          interfaces.ClientConnection
	ConnectedAt   time.Time
	lastHeartbeat time.Time
}

// Tracker maps live connections to session membership with thread-safe
// operations. Membership is keyed by connection ID so a user with several
// tabs holds several independent memberships.
// ARCHITECTURAL DISCOVERY: pure membership bookkeeping; session validation
// and broadcast decisions stay in the coordinator.
type Tracker struct {
	mu        sync.RWMutex
	byConn    map[string]*Member            // connectionID -> member
	bySession map[string]map[string]*Member // sessionID -> connectionID -> member
}

// NewTracker creates an empty presence tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byConn:    make(map[string]*Member),
		bySession: make(map[string]map[string]*Member),
	}
}

// Join registers a connection's membership. A reconnect reusing the same
// connection ID replaces the previous entry; the stale transport is closed
// asynchronously so the caller is never blocked on a dead peer.
func (t *Tracker) Join(conn interfaces.ClientConnection) error {
	if conn == nil {
		return ErrNilConnection
	}

	now := time.Now()
	member := &Member{
		Conn:          conn,
		ConnectedAt:   now,
		lastHeartbeat: now,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byConn[conn.ConnectionID()]; ok && existing.Conn != conn {
		go func(old interfaces.ClientConnection) { _ = old.Close() }(existing.Conn)
		t.removeLocked(existing)
	}

	t.byConn[conn.ConnectionID()] = member
	session := t.bySession[conn.SessionID()]
	if session == nil {
		session = make(map[string]*Member)
		t.bySession[conn.SessionID()] = session
	}
	session[conn.ConnectionID()] = member

	return nil
}

// Leave removes a membership. Unknown or already-removed connections are a
// no-op; flaky transports deliver duplicate disconnects.
func (t *Tracker) Leave(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	member, ok := t.byConn[connectionID]
	if !ok {
		return
	}
	t.removeLocked(member)
}

// removeLocked deletes a member from both maps. Caller holds t.mu.
func (t *Tracker) removeLocked(member *Member) {
	connID := member.Conn.ConnectionID()
	sessionID := member.Conn.SessionID()

	delete(t.byConn, connID)
	if session, ok := t.bySession[sessionID]; ok {
		delete(session, connID)
		if len(session) == 0 {
			delete(t.bySession, sessionID)
		}
	}
}

// MembersOf returns every connection joined to a session. Used by the
// broadcaster; not exposed over any external surface.
func (t *Tracker) MembersOf(sessionID string) []*Member {
	t.mu.RLock()
	defer t.mu.RUnlock()

	session := t.bySession[sessionID]
	members := make([]*Member, 0, len(session))
	for _, member := range session {
		members = append(members, member)
	}
	return members
}

// InstructorsOf returns only the instructor connections of a session, for
// events that students must not receive.
func (t *Tracker) InstructorsOf(sessionID string) []*Member {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var members []*Member
	for _, member := range t.bySession[sessionID] {
		if member.Conn.Role() == types.RoleInstructor {
			members = append(members, member)
		}
	}
	return members
}

// Heartbeat records transport-level liveness for a connection.
func (t *Tracker) Heartbeat(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if member, ok := t.byConn[connectionID]; ok {
		member.lastHeartbeat = time.Now()
	}
}

// EvictStale removes and returns the members of a session whose last
// heartbeat is older than the window. The caller closes the transports.
func (t *Tracker) EvictStale(sessionID string, window time.Duration) []*Member {
	cutoff := time.Now().Add(-window)

	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []*Member
	for _, member := range t.bySession[sessionID] {
		if member.lastHeartbeat.Before(cutoff) {
			evicted = append(evicted, member)
		}
	}
	for _, member := range evicted {
		t.removeLocked(member)
	}
	return evicted
}

// DropSession removes and returns all members of a session, used on forced
// disconnect when the session ends.
func (t *Tracker) DropSession(sessionID string) []*Member {
	t.mu.Lock()
	defer t.mu.Unlock()

	session := t.bySession[sessionID]
	members := make([]*Member, 0, len(session))
	for _, member := range session {
		members = append(members, member)
	}
	for _, member := range members {
		t.removeLocked(member)
	}
	return members
}

// Stats reports connection counts for the health endpoint.
func (t *Tracker) Stats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return map[string]int{
		"total_connections": len(t.byConn),
		"active_sessions":   len(t.bySession),
	}
}
