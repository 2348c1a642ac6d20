package coordinator

import (
	"context"
	"log"
	"time"

	"tigerengage/pkg/types"
)

// worker is the single logical owner of one session's live state. Every
// mutating operation for the session runs inside its loop, so operations are
// processed in strict serial order relative to each other and the broadcast
// order matches the processing order.
// ARCHITECTURAL DISCOVERY: per-session goroutine instead of one global hub
// loop; sessions are independent and must not serialize against each other.
type worker struct {
	sessionID string
	co        *Coordinator

	commands chan func()
	done     chan struct{}

	// State below is touched only from the worker goroutine.
	ended       bool
	nextSeq     int64
	questions   map[string]*types.Question
	activeID    string
	displayedID string
}

// newWorker builds a worker primed with persisted state: the message
// sequence continues from the stored maximum and question flags are restored
// so the exclusivity slots survive a server restart.
func newWorker(ctx context.Context, co *Coordinator, sessionID string) (*worker, error) {
	maxSeq, err := co.store.MaxMessageSeq(ctx, sessionID)
	if err != nil {
		return nil, wrapPersistence(err)
	}

	loaded, err := co.store.LoadQuestions(ctx, sessionID)
	if err != nil {
		return nil, wrapPersistence(err)
	}

	w := &worker{
		sessionID: sessionID,
		co:        co,
		commands:  make(chan func(), 256),
		done:      make(chan struct{}),
		nextSeq:   maxSeq,
		questions: make(map[string]*types.Question, len(loaded)),
	}

	for _, q := range loaded {
		w.questions[q.ID] = q
		if q.Active {
			w.activeID = q.ID
		}
		if q.Displayed {
			w.displayedID = q.ID
		}
	}

	return w, nil
}

// run processes commands and the heartbeat sweep until the session ends.
func (w *worker) run() {
	ticker := time.NewTicker(w.co.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-w.commands:
			cmd()

		case <-ticker.C:
			w.sweepStale()
			w.co.limiter.cleanup()

		case <-w.done:
			// Serve commands that were queued concurrently with shutdown so
			// their callers unblock with a session-ended error.
			for {
				select {
				case cmd := <-w.commands:
					cmd()
				case <-time.After(100 * time.Millisecond):
					return
				}
			}
		}
	}
}

// do runs fn inside the worker loop and returns its result.
func (w *worker) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)

	wrapped := func() {
		if w.ended {
			reply <- types.ErrSessionNotActive
			return
		}
		reply <- fn()
	}

	select {
	case w.commands <- wrapped:
	case <-w.done:
		return types.ErrSessionNotActive
	case <-ctx.Done():
		return ctx.Err()
	}

	return <-reply
}

// stop marks the worker ended from inside its own loop and releases the run
// goroutine. Called only via a command, so it never races session state.
func (w *worker) stop() {
	w.ended = true
	close(w.done)
}

// sweepStale evicts members whose heartbeat fell outside the configured
// window and closes their transports.
func (w *worker) sweepStale() {
	evicted := w.co.presence.EvictStale(w.sessionID, w.co.cfg.HeartbeatWindow)
	for _, member := range evicted {
		log.Printf("Evicting stale connection: session=%s conn=%s user=%s",
			w.sessionID, member.Conn.ConnectionID(), member.Conn.UserID())
		_ = member.Conn.Close()
	}
}

// broadcast delivers an event to every member of the session, including all
// of the sender's own connections. Delivery failures are logged and skipped;
// the operation already committed.
func (w *worker) broadcast(event *types.ServerEvent) {
	event.Timestamp = time.Now()
	for _, member := range w.co.presence.MembersOf(w.sessionID) {
		if err := member.Conn.WriteJSON(event); err != nil {
			log.Printf("Broadcast delivery failed: session=%s conn=%s type=%s: %v",
				w.sessionID, member.Conn.ConnectionID(), event.Type, err)
		}
	}
}

// broadcastInstructors delivers an event to instructor connections only.
func (w *worker) broadcastInstructors(event *types.ServerEvent) {
	event.Timestamp = time.Now()
	for _, member := range w.co.presence.InstructorsOf(w.sessionID) {
		if err := member.Conn.WriteJSON(event); err != nil {
			log.Printf("Instructor delivery failed: session=%s conn=%s type=%s: %v",
				w.sessionID, member.Conn.ConnectionID(), event.Type, err)
		}
	}
}

// sanitized returns a copy of a question safe to send to students: the
// correct answer never leaves the server in a broadcast.
func sanitized(q *types.Question) *types.Question {
	cp := *q
	cp.CorrectAnswer = ""
	return &cp
}

// snapshotLocked assembles the authoritative session state. Runs inside the
// worker loop, so it is atomic with respect to every mutating operation.
func (w *worker) snapshotLocked(ctx context.Context) (*types.Snapshot, error) {
	history, err := w.co.store.ListMessages(ctx, w.sessionID, 0)
	if err != nil {
		return nil, wrapPersistence(err)
	}

	snap := &types.Snapshot{
		SessionID:   w.sessionID,
		Active:      true,
		ChatHistory: history,
	}
	if q, ok := w.questions[w.activeID]; ok {
		snap.ActiveQuestion = sanitized(q)
	}
	if q, ok := w.questions[w.displayedID]; ok {
		snap.DisplayedQuestion = sanitized(q)
	}
	return snap, nil
}
