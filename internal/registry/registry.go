package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tigerengage/pkg/interfaces"
	"tigerengage/pkg/types"
)

// Manager implements interfaces.SessionRegistry: it owns the ClassSession
// lifecycle and answers the "is this session live" question for every other
// component. An in-memory cache of active sessions sits in front of the
// store so GetStatus stays a lock-and-look read on the join path.
type Manager struct {
	store          interfaces.Store
	activeSessions map[string]*types.ClassSession // sessionID -> session
	activeByClass  map[string]string              // classID -> sessionID
	mu             sync.RWMutex
}

// NewManager creates a session registry backed by the given store.
func NewManager(store interfaces.Store) *Manager {
	return &Manager{
		store:          store,
		activeSessions: make(map[string]*types.ClassSession),
		activeByClass:  make(map[string]string),
	}
}

// LoadActiveSessions primes the cache from the store at startup so sessions
// survive a server restart.
func (m *Manager) LoadActiveSessions(ctx context.Context) error {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, session := range sessions {
		m.activeSessions[session.ID] = session
		m.activeByClass[session.ClassID] = session.ID
	}

	log.Printf("Loaded %d active sessions", len(sessions))
	return nil
}

// StartSession opens one live occurrence of a class. A class may have at
// most one active session at a time.
func (m *Manager) StartSession(ctx context.Context, classID, instructorID string) (*types.ClassSession, error) {
	if !types.IsValidClassID(classID) {
		return nil, types.ErrInvalidClassID
	}
	if !types.IsValidUserID(instructorID) {
		return nil, types.ErrInvalidUserID
	}

	m.mu.RLock()
	if existing, ok := m.activeByClass[classID]; ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: session %s", types.ErrAlreadyActive, existing)
	}
	m.mu.RUnlock()

	session := &types.ClassSession{
		ID:           uuid.New().String(),
		ClassID:      classID,
		InstructorID: instructorID,
		StartTime:    time.Now(),
		Active:       true,
	}

	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}

	m.mu.Lock()
	// Re-check under the write lock; two concurrent starts for the same
	// class must not both land in the cache.
	if existing, ok := m.activeByClass[classID]; ok && existing != session.ID {
		m.mu.Unlock()
		now := time.Now()
		session.Active = false
		session.EndTime = &now
		if err := m.store.UpdateSession(ctx, session); err != nil {
			log.Printf("Failed to retract duplicate session %s: %v", session.ID, err)
		}
		return nil, fmt.Errorf("%w: session %s", types.ErrAlreadyActive, existing)
	}
	m.activeSessions[session.ID] = session
	m.activeByClass[classID] = session.ID
	m.mu.Unlock()

	log.Printf("Started session: id=%s class=%s instructor=%s", session.ID, classID, instructorID)
	return session, nil
}

// EndSession marks a session inactive. Only the owning instructor may end
// it; the error for a wrong caller does not reveal whether the session
// belongs to someone else or what state it is in.
func (m *Manager) EndSession(ctx context.Context, sessionID, instructorID string) error {
	m.mu.RLock()
	session, exists := m.activeSessions[sessionID]
	m.mu.RUnlock()

	if !exists {
		dbSession, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return types.ErrSessionNotFound
		}
		if !dbSession.Active {
			return types.ErrSessionNotActive
		}
		session = dbSession
	}

	if session.InstructorID != instructorID {
		return types.ErrNotAuthorized
	}

	// Mutate a copy: the cached pointer is read concurrently by GetStatus and
	// GetSession, and a persistence failure must leave the live state intact.
	now := time.Now()
	ended := *session
	ended.EndTime = &now
	ended.Active = false

	if err := m.store.UpdateSession(ctx, &ended); err != nil {
		return fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}

	m.mu.Lock()
	delete(m.activeSessions, sessionID)
	if m.activeByClass[ended.ClassID] == sessionID {
		delete(m.activeByClass, ended.ClassID)
	}
	m.mu.Unlock()

	log.Printf("Ended session: id=%s class=%s", ended.ID, ended.ClassID)
	return nil
}

// GetStatus reports whether a session is live. Pure read, never errors;
// unknown and ended sessions both report false because clients poll this
// after a session_ended event.
func (m *Manager) GetStatus(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.activeSessions[sessionID]
	return exists && session.Active
}

// GetSession retrieves a session, falling back to the store for ended ones.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.ClassSession, error) {
	m.mu.RLock()
	if session, exists := m.activeSessions[sessionID]; exists {
		m.mu.RUnlock()
		return session, nil
	}
	m.mu.RUnlock()

	return m.store.GetSession(ctx, sessionID)
}

// ListActiveSessions returns the cached live sessions.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.ClassSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*types.ClassSession, 0, len(m.activeSessions))
	for _, session := range m.activeSessions {
		sessions = append(sessions, session)
	}
	return sessions, nil
}
