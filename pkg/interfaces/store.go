package interfaces

import (
	"context"

	"tigerengage/pkg/types"
)

// Store is the persistence collaborator behind the coordinator. All writes
// must complete before the corresponding state change is broadcast; chat is
// append-only and question flag updates are last-writer-wins per question.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *types.ClassSession) error
	GetSession(ctx context.Context, sessionID string) (*types.ClassSession, error)
	UpdateSession(ctx context.Context, session *types.ClassSession) error
	ListActiveSessions(ctx context.Context) ([]*types.ClassSession, error)

	// Chat operations
	AppendMessage(ctx context.Context, msg *types.ChatMessage) error
	// ListMessages returns messages in seq order; sinceSeq=0 returns all.
	ListMessages(ctx context.Context, sessionID string, sinceSeq int64) ([]*types.ChatMessage, error)
	// MaxMessageSeq seeds the per-session sequence counter on worker start.
	MaxMessageSeq(ctx context.Context, sessionID string) (int64, error)

	// Question operations
	SaveQuestion(ctx context.Context, q *types.Question) error
	LoadQuestions(ctx context.Context, sessionID string) ([]*types.Question, error)
	SaveQuestionFlags(ctx context.Context, questionID string, active, displayed bool) error
	DeleteQuestion(ctx context.Context, questionID string) error

	// Answer and attendance supplements
	SaveAnswer(ctx context.Context, a *types.Answer) error
	// SaveAttendance records a check-in, reporting whether this was the first
	// one for the (session, student) pair; repeats return false.
	SaveAttendance(ctx context.Context, att *types.Attendance) (bool, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
