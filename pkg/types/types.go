// Package types defines the shared types used across fablevoice packages.
//
// These types form the lingua franca between the story model, the speech
// sessions, and the engine coordinator. Each package defines its own domain
// types; only cross-cutting data structures live here to avoid circular
// imports.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ErrorKind classifies a reported application error for caller-level
// messaging and metrics.
type ErrorKind string

const (
	// ErrTTS covers narration engine failures, including permission-blocked
	// and network-dependent voice failures.
	ErrTTS ErrorKind = "TTS_ERROR"

	// ErrSTT covers recognition engine failures, including no-speech and
	// already-listening.
	ErrSTT ErrorKind = "STT_ERROR"

	// ErrStorage covers persistence failures.
	ErrStorage ErrorKind = "STORAGE_ERROR"

	// ErrStory covers navigation to an unknown story node.
	ErrStory ErrorKind = "STORY_ERROR"

	// ErrNetwork is reserved for remote content failures.
	ErrNetwork ErrorKind = "NETWORK_ERROR"
)

// IsValid reports whether k is a recognised error kind.
func (k ErrorKind) IsValid() bool {
	switch k {
	case ErrTTS, ErrSTT, ErrStorage, ErrStory, ErrNetwork:
		return true
	}
	return false
}

// AppError is a single reported error as surfaced to the presentation layer.
// Errors are ephemeral: the coordinator queues them for display and expires
// them after a fixed window.
type AppError struct {
	// ID uniquely identifies this error instance for expiry and dismissal.
	ID string `json:"id"`

	// Kind is the taxonomy bucket the error belongs to.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable description shown to the user.
	Message string `json:"message"`

	// Cause is the underlying engine error rendered as text, if any.
	Cause string `json:"cause,omitempty"`

	// Time is when the error was recorded.
	Time time.Time `json:"time"`
}

// NewAppError builds an [AppError] with a fresh ID and the current time.
// cause may be nil.
func NewAppError(kind ErrorKind, message string, cause error) AppError {
	e := AppError{
		ID:      uuid.NewString(),
		Kind:    kind,
		Message: message,
		Time:    time.Now().UTC(),
	}
	if cause != nil {
		e.Cause = cause.Error()
	}
	return e
}

// Error implements the error interface so an AppError can travel through
// error-typed plumbing when needed.
func (e AppError) Error() string {
	if e.Cause == "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind) + ": " + e.Message + ": " + e.Cause
}
