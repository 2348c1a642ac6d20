package types

import (
	"regexp"
	"strings"
)

// FUNCTIONAL DISCOVERY: regexes compiled once at package initialization;
// identifier validation sits on the hot path of every inbound event.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxMessageBytes = 4096

// IsValidUserID checks a verified user identifier for storable format.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return idRegex.MatchString(userID)
}

// IsValidClassID checks a class identifier for storable format.
func IsValidClassID(classID string) bool {
	if len(classID) < 1 || len(classID) > 50 {
		return false
	}
	return idRegex.MatchString(classID)
}

// IsValidRole checks the role half of the verified identity pair.
func IsValidRole(role string) bool {
	return role == RoleStudent || role == RoleInstructor
}

// NormalizeMessageText trims a chat message and validates it. A message that
// trims to empty is rejected here, before any persistence or broadcast.
func NormalizeMessageText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if len(trimmed) > maxMessageBytes {
		return "", ErrMessageTooLarge
	}
	return trimmed, nil
}

// ValidateQuestionText checks instructor-authored question text.
func ValidateQuestionText(text string) error {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 1 || len(trimmed) > 2000 {
		return ErrInvalidQuestion
	}
	return nil
}
