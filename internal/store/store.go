package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	// Driver registration only; all queries go through database/sql.
	_ "github.com/mattn/go-sqlite3"

	"tigerengage/pkg/types"
)

// Config holds SQLite settings for the persistence collaborator.
type Config struct {
	Path            string        `json:"path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
}

// DefaultConfig returns settings tuned for classroom-scale concurrency.
func DefaultConfig() *Config {
	return &Config{
		Path:            "./data/tigerengage.db",
		MaxConnections:  10, // SQLite recommended limit for concurrent access
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Validate ensures the configuration is usable before opening the database.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return fmt.Errorf("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return fmt.Errorf("connection max idle time must be greater than 0")
	}
	return nil
}

// Store implements interfaces.Store on SQLite.
// ARCHITECTURAL DISCOVERY: reads run concurrently through the pool; all
// writes funnel through a single goroutine, which SQLite requires to stay
// out of SQLITE_BUSY territory under WAL.
type Store struct {
	db           *sql.DB
	config       *Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// New opens the database, applies pragmas and migrations, and starts the
// single-writer loop.
func New(config *Config) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}

	db, err := sql.Open("sqlite3", config.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	s := &Store{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

// writeLoop processes all write operations in a single goroutine with one
// retry after a short backoff.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil {
				log.Printf("Database write failed, retrying in 5 seconds: %v", err)
				time.Sleep(5 * time.Second)
				err = op.operation(s.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-s.shutdown:
			log.Println("Store write loop shutting down")
			return
		}
	}
}

func (s *Store) executeWrite(operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-s.shutdown:
		return fmt.Errorf("store is shutting down")
	}
}

// CreateSession inserts a new class session row.
func (s *Store) CreateSession(ctx context.Context, session *types.ClassSession) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO class_sessions (id, class_id, instructor_id, start_time, end_time, active)
			VALUES (?, ?, ?, ?, ?, ?)`,
			session.ID,
			session.ClassID,
			session.InstructorID,
			session.StartTime,
			session.EndTime,
			session.Active,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.ClassSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, class_id, instructor_id, start_time, end_time, active
		FROM class_sessions WHERE id = ?`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// UpdateSession persists the end-of-session mutation (end_time, active).
func (s *Store) UpdateSession(ctx context.Context, session *types.ClassSession) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			UPDATE class_sessions SET end_time = ?, active = ? WHERE id = ?`,
			session.EndTime, session.Active, session.ID)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		return nil
	})
}

// ListActiveSessions returns all sessions with the active flag set.
func (s *Store) ListActiveSessions(ctx context.Context) ([]*types.ClassSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, class_id, instructor_id, start_time, end_time, active
		FROM class_sessions WHERE active = 1 ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.ClassSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// AppendMessage inserts a chat message. The (session_id, seq) primary key
// rejects duplicate sequence numbers, backing the uniqueness invariant.
func (s *Store) AppendMessage(ctx context.Context, msg *types.ChatMessage) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (session_id, seq, sender_id, sender_role, text, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			msg.SessionID, msg.Seq, msg.SenderID, msg.SenderRole, msg.Text, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// ListMessages returns session messages in seq order, optionally only those
// after sinceSeq. The read is stateless; callers restart it freely.
func (s *Store) ListMessages(ctx context.Context, sessionID string, sinceSeq int64) ([]*types.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, sender_id, sender_role, text, created_at
		FROM messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC`,
		sessionID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.ChatMessage
	for rows.Next() {
		var msg types.ChatMessage
		if err := rows.Scan(&msg.SessionID, &msg.Seq, &msg.SenderID, &msg.SenderRole, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// MaxMessageSeq returns the highest assigned seq for a session, 0 if none.
func (s *Store) MaxMessageSeq(ctx context.Context, sessionID string) (int64, error) {
	var max int64
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID)
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to query max message seq: %w", err)
	}
	return max, nil
}

// SaveQuestion inserts a new question row.
func (s *Store) SaveQuestion(ctx context.Context, q *types.Question) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO questions (id, session_id, text, correct_answer, active, displayed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			q.ID, q.SessionID, q.Text, q.CorrectAnswer, q.Active, q.Displayed, q.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert question: %w", err)
		}
		return nil
	})
}

// LoadQuestions returns all questions for a session in creation order.
func (s *Store) LoadQuestions(ctx context.Context, sessionID string) ([]*types.Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, text, correct_answer, active, displayed, created_at
		FROM questions WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var questions []*types.Question
	for rows.Next() {
		var q types.Question
		var correct sql.NullString
		if err := rows.Scan(&q.ID, &q.SessionID, &q.Text, &correct, &q.Active, &q.Displayed, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan question row: %w", err)
		}
		if correct.Valid {
			q.CorrectAnswer = correct.String
		}
		questions = append(questions, &q)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating question rows: %w", err)
	}
	return questions, nil
}

// SaveQuestionFlags persists the activation/display axes for one question.
// Last-writer-wins per question id; the coordinator serializes callers.
func (s *Store) SaveQuestionFlags(ctx context.Context, questionID string, active, displayed bool) error {
	return s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE questions SET active = ?, displayed = ? WHERE id = ?`,
			active, displayed, questionID)
		if err != nil {
			return fmt.Errorf("failed to update question flags: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return types.ErrQuestionNotFound
		}
		return nil
	})
}

// DeleteQuestion removes a question and its answers.
func (s *Store) DeleteQuestion(ctx context.Context, questionID string) error {
	return s.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM answers WHERE question_id = ?`, questionID); err != nil {
			return fmt.Errorf("failed to delete answers: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE id = ?`, questionID); err != nil {
			return fmt.Errorf("failed to delete question: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit question deletion: %w", err)
		}
		return nil
	})
}

// SaveAnswer inserts a student answer.
func (s *Store) SaveAnswer(ctx context.Context, a *types.Answer) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO answers (id, question_id, session_id, student_id, text, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.QuestionID, a.SessionID, a.StudentID, a.Text, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert answer: %w", err)
		}
		return nil
	})
}

// SaveAttendance records a check-in; duplicates are silently ignored so the
// operation stays idempotent per (session, student). Returns whether a row
// was actually inserted so callers can tell a first check-in from a repeat.
func (s *Store) SaveAttendance(ctx context.Context, att *types.Attendance) (bool, error) {
	var recorded bool
	err := s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO attendance (session_id, student_id, checked_in_at)
			VALUES (?, ?, ?)`,
			att.SessionID, att.StudentID, att.CheckedInAt)
		if err != nil {
			return fmt.Errorf("failed to insert attendance: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read attendance insert result: %w", err)
		}
		recorded = n > 0
		return nil
	})
	return recorded, err
}

// HealthCheck validates connectivity and a basic read.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM class_sessions").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close drains the writer and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.ClassSession, error) {
	var session types.ClassSession
	var endTime sql.NullTime
	err := row.Scan(
		&session.ID,
		&session.ClassID,
		&session.InstructorID,
		&session.StartTime,
		&endTime,
		&session.Active,
	)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		session.EndTime = &endTime.Time
	}
	return &session, nil
}

func applyPragmas(db *sql.DB) error {
	// TECHNICAL DISCOVERY: WAL plus NORMAL sync is the proven combination for
	// concurrent reads alongside the single-writer loop.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
