package proto

import (
	"errors"
	"fmt"
)

// ProtocolViolationError marks a fatal, session-scoped protocol failure: the
// generation capability produced output the protocol cannot use. It aborts the
// session it belongs to and is never retried by the core; other sessions are
// unaffected and no FinalResult is emitted for the aborted one.
type ProtocolViolationError struct {
	SessionID string
	Reason    string
}

// Error implements the error interface.
func (e *ProtocolViolationError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("protocol violation: %s", e.Reason)
	}
	return fmt.Sprintf("protocol violation in session %s: %s", e.SessionID, e.Reason)
}

// NewProtocolViolation creates a ProtocolViolationError for a session.
func NewProtocolViolation(sessionID, format string, args ...any) *ProtocolViolationError {
	return &ProtocolViolationError{
		SessionID: sessionID,
		Reason:    fmt.Sprintf(format, args...),
	}
}

// IsProtocolViolation reports whether err is a ProtocolViolationError.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolationError
	return errors.As(err, &pv)
}
