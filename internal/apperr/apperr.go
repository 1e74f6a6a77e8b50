package apperr

import (
	"context"
	"errors"
)

// Sentinel errors shared across the recording and pipeline packages.
// Packages wrap these with fmt.Errorf("...: %w", ...) and callers match with errors.Is.
var (
	// ErrInvalidState: session state machine misuse (e.g. upload after stop).
	ErrInvalidState = errors.New("invalid state")
	// ErrNoSuchSession: no active session for the room.
	ErrNoSuchSession = errors.New("no such session")
	// ErrDuplicateSession: start requested while a session is active.
	ErrDuplicateSession = errors.New("duplicate session")
	// ErrIndexNotFound: fragment listing on a room that never received a fragment.
	ErrIndexNotFound = errors.New("fragment index not found")
	// ErrNoValidFragments: every fragment was missing or below the size floor.
	ErrNoValidFragments = errors.New("no valid fragments")
	// ErrEmptyTranscript: transcription returned empty or whitespace-only text.
	ErrEmptyTranscript = errors.New("empty transcript")
	// ErrCapabilityUnavailable: an external collaborator call failed.
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	// ErrPersistenceFailure: a durable write failed.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// Code is a stable, log- and API-friendly error classification.
type Code string

const (
	CodeUnknown               Code = "unknown"
	CodeInvalidState          Code = "invalid_state"
	CodeNoSuchSession         Code = "no_such_session"
	CodeDuplicateSession      Code = "duplicate_session"
	CodeIndexNotFound         Code = "index_not_found"
	CodeNoValidFragments      Code = "no_valid_fragments"
	CodeEmptyTranscript       Code = "empty_transcript"
	CodeCapabilityUnavailable Code = "capability_unavailable"
	CodePersistenceFailure    Code = "persistence_failure"
	CodeTimeout               Code = "timeout"
)

// Classify maps err onto the taxonomy. Only sentinels are consulted, never message text.
func Classify(err error) Code {
	switch {
	case err == nil:
		return CodeUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrNoSuchSession):
		return CodeNoSuchSession
	case errors.Is(err, ErrDuplicateSession):
		return CodeDuplicateSession
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrIndexNotFound):
		return CodeIndexNotFound
	case errors.Is(err, ErrNoValidFragments):
		return CodeNoValidFragments
	case errors.Is(err, ErrEmptyTranscript):
		return CodeEmptyTranscript
	case errors.Is(err, ErrPersistenceFailure):
		return CodePersistenceFailure
	case errors.Is(err, ErrCapabilityUnavailable):
		return CodeCapabilityUnavailable
	}
	return CodeUnknown
}
