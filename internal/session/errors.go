package session

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeSessionNotFound indicates an operation referenced an unknown
	// or already-reaped session id.
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// ErrCodeSessionFull indicates a join was rejected because the session
	// already holds maxParticipants active members.
	ErrCodeSessionFull ErrorCode = "SESSION_FULL"

	// ErrCodeInvalidConfig indicates malformed session creation parameters.
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// ErrCodeMalformedUpdate indicates an inbound envelope failed validation.
	ErrCodeMalformedUpdate ErrorCode = "MALFORMED_UPDATE"
)

// Error represents a structural engine error surfaced synchronously to the
// control API caller. Transport and persistence failures never take this
// form; they stay inside their own collaborators.
//
// Error includes structured fields for diagnostics and user-visible messaging.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// SessionID identifies the affected session, when known.
	SessionID string

	// ParticipantID identifies the affected participant, when known.
	ParticipantID string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.SessionID != "" && e.ParticipantID != "" {
		return fmt.Sprintf("%s: %s (session=%s, participant=%s)", e.Code, e.Message, e.SessionID, e.ParticipantID)
	}
	if e.SessionID != "" {
		return fmt.Sprintf("%s: %s (session=%s)", e.Code, e.Message, e.SessionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the engine error code carried by err, or "" if err is not
// an engine Error. Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsSessionNotFound reports whether err is a session lookup failure.
func IsSessionNotFound(err error) bool { return CodeOf(err) == ErrCodeSessionNotFound }

// IsSessionFull reports whether err is a capacity rejection.
func IsSessionFull(err error) bool { return CodeOf(err) == ErrCodeSessionFull }

// IsInvalidConfig reports whether err is a creation-parameter rejection.
func IsInvalidConfig(err error) bool { return CodeOf(err) == ErrCodeInvalidConfig }

// IsMalformedUpdate reports whether err is an envelope validation failure.
func IsMalformedUpdate(err error) bool { return CodeOf(err) == ErrCodeMalformedUpdate }

// NewSessionNotFound creates an Error for an unknown session id.
func NewSessionNotFound(sessionID string) *Error {
	return &Error{
		Code:      ErrCodeSessionNotFound,
		Message:   "session not found",
		SessionID: sessionID,
	}
}

// NewSessionFull creates an Error for a join rejected at capacity.
func NewSessionFull(sessionID string, max int) *Error {
	return &Error{
		Code:      ErrCodeSessionFull,
		Message:   fmt.Sprintf("session is at capacity (%d participants)", max),
		SessionID: sessionID,
	}
}

// NewInvalidConfig creates an Error for malformed creation parameters.
func NewInvalidConfig(msg string) *Error {
	return &Error{Code: ErrCodeInvalidConfig, Message: msg}
}

// NewMalformedUpdate creates an Error for an envelope that failed validation.
func NewMalformedUpdate(msg string) *Error {
	return &Error{Code: ErrCodeMalformedUpdate, Message: msg}
}
