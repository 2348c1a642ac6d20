package types

import (
	"errors"
	"strings"
	"testing"
)

func TestIsValidUserID(t *testing.T) {
	valid := []string{"alice", "student-42", "prof_smith", "A1", strings.Repeat("x", 50)}
	for _, id := range valid {
		if !IsValidUserID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}

	invalid := []string{"", "user with spaces", "user@domain", "semi;colon", strings.Repeat("x", 51)}
	for _, id := range invalid {
		if IsValidUserID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestIsValidClassID(t *testing.T) {
	if !IsValidClassID("comp-4030") {
		t.Error("expected comp-4030 to be valid")
	}
	if IsValidClassID("") || IsValidClassID("comp 4030") {
		t.Error("empty and spaced class ids must be invalid")
	}
}

func TestIsValidRole(t *testing.T) {
	if !IsValidRole(RoleStudent) || !IsValidRole(RoleInstructor) {
		t.Error("canonical roles must be valid")
	}
	if IsValidRole("admin") || IsValidRole("") || IsValidRole("Student") {
		t.Error("unknown roles must be invalid")
	}
}

func TestNormalizeMessageText(t *testing.T) {
	got, err := NormalizeMessageText("  hello world  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello world" {
		t.Errorf("expected trimmed text, got %q", got)
	}
}

func TestNormalizeMessageText_WhitespaceOnly(t *testing.T) {
	for _, text := range []string{"", "   ", "\t\n  \r\n"} {
		if _, err := NormalizeMessageText(text); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("expected ErrEmptyMessage for %q, got %v", text, err)
		}
	}
}

func TestNormalizeMessageText_TooLarge(t *testing.T) {
	if _, err := NormalizeMessageText(strings.Repeat("a", maxMessageBytes+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}

	// Exactly at the limit passes.
	if _, err := NormalizeMessageText(strings.Repeat("a", maxMessageBytes)); err != nil {
		t.Errorf("expected message at limit to pass, got %v", err)
	}
}

func TestValidateQuestionText(t *testing.T) {
	if err := ValidateQuestionText("What is a goroutine?"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateQuestionText("   "); !errors.Is(err, ErrInvalidQuestion) {
		t.Errorf("expected ErrInvalidQuestion for blank text, got %v", err)
	}
	if err := ValidateQuestionText(strings.Repeat("q", 2001)); !errors.Is(err, ErrInvalidQuestion) {
		t.Errorf("expected ErrInvalidQuestion for oversized text, got %v", err)
	}
}
