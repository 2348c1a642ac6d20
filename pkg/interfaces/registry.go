package interfaces

import (
	"context"

	"tigerengage/pkg/types"
)

// SessionRegistry tracks which class sessions are live and owns their
// lifecycle. GetStatus is a pure read and never errors; unknown and ended
// sessions both report inactive because clients poll it after session end.
type SessionRegistry interface {
	StartSession(ctx context.Context, classID, instructorID string) (*types.ClassSession, error)
	EndSession(ctx context.Context, sessionID, instructorID string) error
	GetStatus(sessionID string) bool
	GetSession(ctx context.Context, sessionID string) (*types.ClassSession, error)
	ListActiveSessions(ctx context.Context) ([]*types.ClassSession, error)
}
