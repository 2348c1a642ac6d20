package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

// migration is one versioned schema step. Statements are embedded rather
// than read from disk so a deployment is never missing its migration files.
type migration struct {
	version    int
	statements []string
}

// ARCHITECTURAL DISCOVERY: append-only migration list; never edit an applied
// version, add a new one.
var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS class_sessions (
				id TEXT PRIMARY KEY,
				class_id TEXT NOT NULL,
				instructor_id TEXT NOT NULL,
				start_time DATETIME NOT NULL,
				end_time DATETIME,
				active INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_class_active
				ON class_sessions(class_id, active)`,
			`CREATE TABLE IF NOT EXISTS messages (
				session_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				sender_id TEXT NOT NULL,
				sender_role TEXT NOT NULL,
				text TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (session_id, seq)
			)`,
			`CREATE TABLE IF NOT EXISTS questions (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				text TEXT NOT NULL,
				correct_answer TEXT,
				active INTEGER NOT NULL DEFAULT 0,
				displayed INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_questions_session
				ON questions(session_id)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS answers (
				id TEXT PRIMARY KEY,
				question_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				student_id TEXT NOT NULL,
				text TEXT NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_answers_question
				ON answers(question_id)`,
			`CREATE TABLE IF NOT EXISTS attendance (
				session_id TEXT NOT NULL,
				student_id TEXT NOT NULL,
				checked_in_at DATETIME NOT NULL,
				PRIMARY KEY (session_id, student_id)
			)`,
		},
	},
}

// applyMigrations brings the schema to the latest version. Each version runs
// in its own transaction together with its schema_migrations record.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}

		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}

		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		log.Printf("Applied schema migration %d", m.version)
	}

	return nil
}
