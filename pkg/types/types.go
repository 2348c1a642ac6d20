package types

import (
	"time"
)

// Role constants for verified identities supplied by the auth layer.
const (
	RoleStudent    = "student"
	RoleInstructor = "instructor"
)

// Client-to-server event types carried over the real-time channel.
const (
	EventSendMessage    = "send_message"
	EventSetActive      = "set_active"
	EventSetDisplayed   = "set_displayed"
	EventCreateQuestion = "create_question"
	EventDeleteQuestion = "delete_question"
	EventSubmitAnswer   = "submit_answer"
	EventCheckIn        = "check_in"
)

// Server-to-client event types.
const (
	EventSnapshot          = "snapshot"
	EventNewMessage        = "new_message"
	EventQuestionActive    = "question_active"
	EventQuestionDisplayed = "question_displayed"
	EventQuestionCreated   = "question_created"
	EventQuestionDeleted   = "question_deleted"
	EventAnswerReceived    = "answer_received"
	EventStudentCheckedIn  = "student_checked_in"
	EventSessionEnded      = "session_ended"
	EventError             = "error"
)

// ClassSession is one live occurrence of a class.
// FUNCTIONAL DISCOVERY: immutable after creation except for end_time and the
// active flag, which flip exactly once when the owning instructor ends it.
type ClassSession struct {
	ID           string     `json:"id" db:"id"`
	ClassID      string     `json:"class_id" db:"class_id"`
	InstructorID string     `json:"instructor_id" db:"instructor_id"`
	StartTime    time.Time  `json:"start_time" db:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty" db:"end_time"`
	Active       bool       `json:"active" db:"active"`
}

// ChatMessage is a persisted, broadcast chat message.
// Seq is assigned server-side and is strictly increasing within a session;
// clients use it to discard duplicates when reconciling a snapshot against
// live events.
type ChatMessage struct {
	Seq        int64     `json:"seq"`
	SessionID  string    `json:"session_id"`
	SenderID   string    `json:"sender_id"`
	SenderRole string    `json:"sender_role"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// Question is an instructor-authored question scoped to a session.
// Active and Displayed are independent axes; each axis is exclusive across
// all questions of the session (at most one active, at most one displayed).
type Question struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Text          string    `json:"text"`
	CorrectAnswer string    `json:"correct_answer,omitempty"`
	Active        bool      `json:"active"`
	Displayed     bool      `json:"displayed"`
	CreatedAt     time.Time `json:"created_at"`
}

// Answer is a student submission against the currently active question.
type Answer struct {
	ID         string    `json:"id"`
	QuestionID string    `json:"question_id"`
	SessionID  string    `json:"session_id"`
	StudentID  string    `json:"student_id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// Attendance records a student check-in, at most one per (session, student).
type Attendance struct {
	SessionID   string    `json:"session_id"`
	StudentID   string    `json:"student_id"`
	CheckedInAt time.Time `json:"checked_in_at"`
}

// Snapshot is the authoritative point-in-time session state served to a
// client after join and before it trusts live events.
type Snapshot struct {
	SessionID         string         `json:"session_id"`
	Active            bool           `json:"active"`
	ChatHistory       []*ChatMessage `json:"chat_history"`
	ActiveQuestion    *Question      `json:"active_question,omitempty"`
	DisplayedQuestion *Question      `json:"displayed_question,omitempty"`
}

// ClientEvent is the decoded form of a client-to-server frame.
type ClientEvent struct {
	Type          string `json:"type"`
	Text          string `json:"text,omitempty"`
	QuestionID    string `json:"question_id,omitempty"`
	Active        bool   `json:"active,omitempty"`
	Displayed     bool   `json:"displayed,omitempty"`
	CorrectAnswer string `json:"correct_answer,omitempty"`
}

// ServerEvent is the envelope written to connected clients. Only the fields
// relevant to Type are populated.
type ServerEvent struct {
	Type       string       `json:"type"`
	Message    *ChatMessage `json:"message,omitempty"`
	Question   *Question    `json:"question,omitempty"`
	QuestionID string       `json:"question_id,omitempty"`
	Active     *bool        `json:"active,omitempty"`
	Displayed  *bool        `json:"displayed,omitempty"`
	Snapshot   *Snapshot    `json:"snapshot,omitempty"`
	StudentID  string       `json:"student_id,omitempty"`
	AnswerID   string       `json:"answer_id,omitempty"`
	Text       string       `json:"text,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Bool returns a pointer for the optional flag fields of ServerEvent.
func Bool(v bool) *bool { return &v }
