package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tigerengage/internal/presence"
	"tigerengage/pkg/interfaces"
	"tigerengage/pkg/types"
)

// Config holds the live-session coordination settings.
type Config struct {
	// HeartbeatWindow is the bounded missed-heartbeat interval after which a
	// silent connection is evicted.
	HeartbeatWindow time.Duration
	// SweepInterval is how often each session worker scans for stale members.
	SweepInterval time.Duration
	// MessageRateLimit is the per-sender chat budget per minute.
	MessageRateLimit int
}

// DefaultConfig returns coordination settings tuned for classroom scale.
func DefaultConfig() Config {
	return Config{
		HeartbeatWindow:  60 * time.Second,
		SweepInterval:    20 * time.Second,
		MessageRateLimit: 60,
	}
}

// Coordinator owns per-session workers and routes every live operation
// through the worker of its session, giving each session a single logical
// owner for SessionState and presence membership (strict serial processing
// within a session, full independence across sessions).
type Coordinator struct {
	registry interfaces.SessionRegistry
	store    interfaces.Store
	presence *presence.Tracker
	cfg      Config
	limiter  *rateLimiter

	mu      sync.Mutex
	workers map[string]*worker
}

// New creates a coordinator.
func New(registry interfaces.SessionRegistry, store interfaces.Store, tracker *presence.Tracker, cfg Config) *Coordinator {
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = DefaultConfig().HeartbeatWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.MessageRateLimit <= 0 {
		cfg.MessageRateLimit = DefaultConfig().MessageRateLimit
	}

	return &Coordinator{
		registry: registry,
		store:    store,
		presence: tracker,
		cfg:      cfg,
		limiter:  newRateLimiter(cfg.MessageRateLimit),
		workers:  make(map[string]*worker),
	}
}

// workerFor returns the live worker for a session, spawning one on first
// use. The session must be active in the registry; a session ended between
// page load and connection attempt is rejected here.
func (c *Coordinator) workerFor(ctx context.Context, sessionID string) (*worker, error) {
	c.mu.Lock()
	if w, ok := c.workers[sessionID]; ok {
		c.mu.Unlock()
		return w, nil
	}
	c.mu.Unlock()

	if !c.registry.GetStatus(sessionID) {
		return nil, types.ErrSessionNotActive
	}

	// Prime from the store outside the coordinator lock; other sessions must
	// not stall behind this session's I/O.
	w, err := newWorker(ctx, c, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.workers[sessionID]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.workers[sessionID] = w
	c.mu.Unlock()

	go w.run()

	// The session may have ended while the worker was priming from the store.
	// EndSession only stops workers it finds in the map, so a worker installed
	// after its delete would outlive the session; re-check and retract it.
	if !c.registry.GetStatus(sessionID) {
		c.mu.Lock()
		if c.workers[sessionID] == w {
			delete(c.workers, sessionID)
		}
		c.mu.Unlock()
		_ = w.do(context.Background(), func() error {
			w.stop()
			return nil
		})
		return nil, types.ErrSessionNotActive
	}

	log.Printf("Session worker started: session=%s", sessionID)
	return w, nil
}

// Attach joins a connection to its session and serves the state snapshot as
// one serialized command: the membership is registered and the snapshot
// written before any later broadcast is processed, so no event can land in
// the gap between snapshot and subscription.
func (c *Coordinator) Attach(ctx context.Context, conn interfaces.ClientConnection) error {
	w, err := c.workerFor(ctx, conn.SessionID())
	if err != nil {
		return err
	}

	return w.do(ctx, func() error {
		if err := c.presence.Join(conn); err != nil {
			return err
		}

		snap, err := w.snapshotLocked(ctx)
		if err != nil {
			c.presence.Leave(conn.ConnectionID())
			return err
		}

		if err := conn.WriteJSON(&types.ServerEvent{
			Type:      types.EventSnapshot,
			Snapshot:  snap,
			Timestamp: time.Now(),
		}); err != nil {
			c.presence.Leave(conn.ConnectionID())
			return fmt.Errorf("failed to deliver snapshot: %w", err)
		}

		log.Printf("Connection joined: session=%s conn=%s user=%s role=%s",
			conn.SessionID(), conn.ConnectionID(), conn.UserID(), conn.Role())
		return nil
	})
}

// Detach removes a connection's membership. Idempotent; duplicate
// disconnect events from flaky transports are a no-op.
func (c *Coordinator) Detach(sessionID, connectionID string) {
	c.mu.Lock()
	w, ok := c.workers[sessionID]
	c.mu.Unlock()

	if !ok {
		c.presence.Leave(connectionID)
		return
	}

	// Best effort through the worker to keep leave ordered with broadcasts;
	// fall back to a direct leave when the worker is already gone.
	if err := w.do(context.Background(), func() error {
		c.presence.Leave(connectionID)
		return nil
	}); err != nil {
		c.presence.Leave(connectionID)
	}
}

// Heartbeat records connection liveness; called from transport pong frames.
func (c *Coordinator) Heartbeat(connectionID string) {
	c.presence.Heartbeat(connectionID)
}

// Send validates, persists and broadcasts a chat message. The server owns
// message sequence numbers: strictly increasing within the session and never
// client-supplied.
func (c *Coordinator) Send(ctx context.Context, sessionID, senderID, role, text string) (*types.ChatMessage, error) {
	trimmed, err := types.NormalizeMessageText(text)
	if err != nil {
		return nil, err
	}

	if !c.limiter.allow(senderID) {
		return nil, types.ErrRateLimited
	}

	w, err := c.workerFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var msg *types.ChatMessage
	err = w.do(ctx, func() error {
		candidate := &types.ChatMessage{
			Seq:        w.nextSeq + 1,
			SessionID:  sessionID,
			SenderID:   senderID,
			SenderRole: role,
			Text:       trimmed,
			CreatedAt:  time.Now(),
		}

		// Persist before broadcast: a member must never observe a message by
		// live push that a reconnect snapshot would not reproduce.
		if err := c.store.AppendMessage(ctx, candidate); err != nil {
			return wrapPersistence(err)
		}
		w.nextSeq = candidate.Seq
		msg = candidate

		w.broadcast(&types.ServerEvent{
			Type:    types.EventNewMessage,
			Message: candidate,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// History returns the persisted messages of a session in seq order,
// optionally only those after sinceSeq. Stateless read; works for ended
// sessions too.
func (c *Coordinator) History(ctx context.Context, sessionID string, sinceSeq int64) ([]*types.ChatMessage, error) {
	messages, err := c.store.ListMessages(ctx, sessionID, sinceSeq)
	if err != nil {
		return nil, wrapPersistence(err)
	}
	return messages, nil
}

// CreateQuestion adds an instructor-authored question to the live session.
func (c *Coordinator) CreateQuestion(ctx context.Context, sessionID, callerID, role, text, correctAnswer string) (*types.Question, error) {
	if role != types.RoleInstructor {
		return nil, types.ErrNotAuthorized
	}
	if err := types.ValidateQuestionText(text); err != nil {
		return nil, err
	}

	w, err := c.workerFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var created *types.Question
	err = w.do(ctx, func() error {
		q := &types.Question{
			ID:            uuid.New().String(),
			SessionID:     sessionID,
			Text:          text,
			CorrectAnswer: correctAnswer,
			CreatedAt:     time.Now(),
		}

		if err := c.store.SaveQuestion(ctx, q); err != nil {
			return wrapPersistence(err)
		}
		w.questions[q.ID] = q
		created = q

		// Students only learn about a question when it is displayed or
		// activated; creation is instructor dashboard state.
		w.broadcastInstructors(&types.ServerEvent{
			Type:     types.EventQuestionCreated,
			Question: q,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// SetActive moves the single active-question slot of a session. Activating
// while another question holds the slot fails with ErrActivationConflict —
// no automatic demotion, so racing instructor tabs surface the conflict to a
// human instead of silently overriding each other.
func (c *Coordinator) SetActive(ctx context.Context, sessionID, questionID, callerID, role string, makeActive bool) error {
	if role != types.RoleInstructor {
		return types.ErrNotAuthorized
	}

	w, err := c.workerFor(ctx, sessionID)
	if err != nil {
		return err
	}

	return w.do(ctx, func() error {
		q, ok := w.questions[questionID]
		if !ok {
			return types.ErrQuestionNotFound
		}

		if makeActive {
			if w.activeID != "" && w.activeID != questionID {
				return fmt.Errorf("%w: question %s in session %s", types.ErrActivationConflict, w.activeID, sessionID)
			}
			if w.activeID == questionID {
				return nil // already active, idempotent
			}
		} else {
			if w.activeID != questionID {
				return nil // not holding the slot, idempotent
			}
		}

		if err := c.store.SaveQuestionFlags(ctx, questionID, makeActive, q.Displayed); err != nil {
			return wrapPersistence(err)
		}

		q.Active = makeActive
		if makeActive {
			w.activeID = questionID
		} else {
			w.activeID = ""
		}

		event := &types.ServerEvent{
			Type:       types.EventQuestionActive,
			QuestionID: questionID,
			Active:     types.Bool(makeActive),
		}
		if makeActive {
			event.Question = sanitized(q)
		}
		w.broadcast(event)
		return nil
	})
}

// SetDisplayed moves the single displayed-question slot, the independent
// mirror of SetActive on the visibility axis.
func (c *Coordinator) SetDisplayed(ctx context.Context, sessionID, questionID, callerID, role string, makeDisplayed bool) error {
	if role != types.RoleInstructor {
		return types.ErrNotAuthorized
	}

	w, err := c.workerFor(ctx, sessionID)
	if err != nil {
		return err
	}

	return w.do(ctx, func() error {
		q, ok := w.questions[questionID]
		if !ok {
			return types.ErrQuestionNotFound
		}

		if makeDisplayed {
			if w.displayedID != "" && w.displayedID != questionID {
				return fmt.Errorf("%w: question %s in session %s", types.ErrDisplayConflict, w.displayedID, sessionID)
			}
			if w.displayedID == questionID {
				return nil
			}
		} else {
			if w.displayedID != questionID {
				return nil
			}
		}

		if err := c.store.SaveQuestionFlags(ctx, questionID, q.Active, makeDisplayed); err != nil {
			return wrapPersistence(err)
		}

		q.Displayed = makeDisplayed
		if makeDisplayed {
			w.displayedID = questionID
		} else {
			w.displayedID = ""
		}

		event := &types.ServerEvent{
			Type:       types.EventQuestionDisplayed,
			QuestionID: questionID,
			Displayed:  types.Bool(makeDisplayed),
		}
		if makeDisplayed {
			event.Question = sanitized(q)
		}
		w.broadcast(event)
		return nil
	})
}

// DeleteQuestion removes a question. Clearing the exclusivity slots it holds
// happens in the same serialized command, so SessionState never dangles on a
// deleted question; clients receive a retraction event.
func (c *Coordinator) DeleteQuestion(ctx context.Context, sessionID, questionID, callerID, role string) error {
	if role != types.RoleInstructor {
		return types.ErrNotAuthorized
	}

	w, err := c.workerFor(ctx, sessionID)
	if err != nil {
		return err
	}

	return w.do(ctx, func() error {
		if _, ok := w.questions[questionID]; !ok {
			return types.ErrQuestionNotFound
		}

		if err := c.store.DeleteQuestion(ctx, questionID); err != nil {
			return wrapPersistence(err)
		}

		delete(w.questions, questionID)
		if w.activeID == questionID {
			w.activeID = ""
		}
		if w.displayedID == questionID {
			w.displayedID = ""
		}

		w.broadcast(&types.ServerEvent{
			Type:       types.EventQuestionDeleted,
			QuestionID: questionID,
		})
		return nil
	})
}

// ActiveQuestion returns the question currently holding the active slot.
func (c *Coordinator) ActiveQuestion(ctx context.Context, sessionID string) (*types.Question, error) {
	return c.slotQuestion(ctx, sessionID, func(w *worker) string { return w.activeID })
}

// DisplayedQuestion returns the question currently holding the display slot.
func (c *Coordinator) DisplayedQuestion(ctx context.Context, sessionID string) (*types.Question, error) {
	return c.slotQuestion(ctx, sessionID, func(w *worker) string { return w.displayedID })
}

func (c *Coordinator) slotQuestion(ctx context.Context, sessionID string, slot func(*worker) string) (*types.Question, error) {
	w, err := c.workerFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var result *types.Question
	err = w.do(ctx, func() error {
		if q, ok := w.questions[slot(w)]; ok {
			result = sanitized(q)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Snapshot returns the authoritative session state. For a live session the
// read runs inside the worker so it is consistent with in-flight mutations;
// for an ended session the persisted state is assembled directly.
func (c *Coordinator) Snapshot(ctx context.Context, sessionID string) (*types.Snapshot, error) {
	if c.registry.GetStatus(sessionID) {
		w, err := c.workerFor(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		var snap *types.Snapshot
		err = w.do(ctx, func() error {
			var err error
			snap, err = w.snapshotLocked(ctx)
			return err
		})
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, types.ErrSessionNotActive) {
			return nil, err
		}
		// Session ended between the status check and the command; fall
		// through to the persisted view.
	}

	history, err := c.store.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, wrapPersistence(err)
	}

	snap := &types.Snapshot{
		SessionID:   sessionID,
		Active:      false,
		ChatHistory: history,
	}

	questions, err := c.store.LoadQuestions(ctx, sessionID)
	if err != nil {
		return nil, wrapPersistence(err)
	}
	for _, q := range questions {
		if q.Active {
			snap.ActiveQuestion = sanitized(q)
		}
		if q.Displayed {
			snap.DisplayedQuestion = sanitized(q)
		}
	}
	return snap, nil
}

// SubmitAnswer persists a student answer to the currently active question
// and relays it to instructor connections.
func (c *Coordinator) SubmitAnswer(ctx context.Context, sessionID, studentID, role, questionID, text string) (*types.Answer, error) {
	if role != types.RoleStudent {
		return nil, types.ErrNotAuthorized
	}

	trimmed, err := types.NormalizeMessageText(text)
	if err != nil {
		return nil, err
	}

	w, err := c.workerFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var answer *types.Answer
	err = w.do(ctx, func() error {
		if _, ok := w.questions[questionID]; !ok {
			return types.ErrQuestionNotFound
		}
		if w.activeID != questionID {
			return types.ErrQuestionNotActive
		}

		a := &types.Answer{
			ID:         uuid.New().String(),
			QuestionID: questionID,
			SessionID:  sessionID,
			StudentID:  studentID,
			Text:       trimmed,
			CreatedAt:  time.Now(),
		}

		if err := c.store.SaveAnswer(ctx, a); err != nil {
			return wrapPersistence(err)
		}
		answer = a

		w.broadcastInstructors(&types.ServerEvent{
			Type:       types.EventAnswerReceived,
			QuestionID: questionID,
			StudentID:  studentID,
			AnswerID:   a.ID,
			Text:       a.Text,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return answer, nil
}

// CheckIn records attendance for a student, once per session, and notifies
// instructor connections.
func (c *Coordinator) CheckIn(ctx context.Context, sessionID, studentID, role string) error {
	if role != types.RoleStudent {
		return types.ErrNotAuthorized
	}

	w, err := c.workerFor(ctx, sessionID)
	if err != nil {
		return err
	}

	return w.do(ctx, func() error {
		att := &types.Attendance{
			SessionID:   sessionID,
			StudentID:   studentID,
			CheckedInAt: time.Now(),
		}

		recorded, err := c.store.SaveAttendance(ctx, att)
		if err != nil {
			return wrapPersistence(err)
		}
		if !recorded {
			// Repeat check-in from a reconnecting client; instructors already
			// saw this student.
			return nil
		}

		w.broadcastInstructors(&types.ServerEvent{
			Type:      types.EventStudentCheckedIn,
			StudentID: studentID,
		})
		return nil
	})
}

// EndSession ends the session in the registry, then broadcasts session_ended
// and force-closes every member connection — a graceful close, not a silent
// drop. After this, clients fall back to polling GetStatus.
func (c *Coordinator) EndSession(ctx context.Context, sessionID, instructorID string) error {
	if err := c.registry.EndSession(ctx, sessionID, instructorID); err != nil {
		return err
	}

	c.mu.Lock()
	w, ok := c.workers[sessionID]
	if ok {
		delete(c.workers, sessionID)
	}
	c.mu.Unlock()

	if !ok {
		// Nobody was connected; nothing to broadcast.
		return nil
	}

	_ = w.do(ctx, func() error {
		members := c.presence.DropSession(sessionID)
		event := &types.ServerEvent{
			Type:      types.EventSessionEnded,
			Reason:    "session ended by instructor",
			Timestamp: time.Now(),
		}
		for _, member := range members {
			if err := member.Conn.WriteJSON(event); err != nil {
				log.Printf("session_ended delivery failed: conn=%s: %v", member.Conn.ConnectionID(), err)
			}
			_ = member.Conn.Close()
		}
		w.stop()
		return nil
	})

	log.Printf("Session worker stopped: session=%s", sessionID)
	return nil
}

// Shutdown stops all workers and closes remaining connections; used on
// server shutdown only, so no session_ended persistence happens here.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	workers := make(map[string]*worker, len(c.workers))
	for id, w := range c.workers {
		workers[id] = w
	}
	c.workers = make(map[string]*worker)
	c.mu.Unlock()

	for sessionID, w := range workers {
		_ = w.do(context.Background(), func() error {
			for _, member := range c.presence.DropSession(sessionID) {
				_ = member.Conn.Close()
			}
			w.stop()
			return nil
		})
	}
}

// Stats reports presence counts for the health endpoint.
func (c *Coordinator) Stats() map[string]int {
	stats := c.presence.Stats()

	c.mu.Lock()
	stats["session_workers"] = len(c.workers)
	c.mu.Unlock()

	return stats
}
