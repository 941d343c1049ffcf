// Package generrors classifies generation backend failures so callers can
// decide between retrying, backing off, and aborting the session.
package generrors

import (
	"errors"
	"fmt"
)

// ErrorType classifies a backend failure.
type ErrorType int

const (
	// ErrorTypeUnknown covers failures we could not classify.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeAuth means the API key or credentials were rejected.
	ErrorTypeAuth
	// ErrorTypeRateLimit means the backend asked us to slow down.
	ErrorTypeRateLimit
	// ErrorTypeQuota means a hard usage cap was hit.
	ErrorTypeQuota
	// ErrorTypeTransient covers timeouts, 5xx responses and dropped
	// connections.
	ErrorTypeTransient
	// ErrorTypeBadRequest means our request was malformed; retrying the same
	// request cannot succeed.
	ErrorTypeBadRequest
	// ErrorTypeCancelled means the caller's context was cancelled.
	ErrorTypeCancelled
)

// String returns a stable name for logs and metrics labels.
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeQuota:
		return "quota"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeBadRequest:
		return "bad_request"
	case ErrorTypeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified backend failure.
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(t ErrorType, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(t ErrorType, err error, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...), Err: err}
}

// TypeOf extracts the classification, ErrorTypeUnknown if none.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable reports whether retrying the same request may succeed.
func IsRetryable(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeRateLimit, ErrorTypeTransient:
		return true
	default:
		return false
	}
}

// FromHTTPStatus classifies an error by the HTTP status a backend returned.
func FromHTTPStatus(status int, err error) *Error {
	switch {
	case status == 401 || status == 403:
		return Wrap(ErrorTypeAuth, err, "backend rejected credentials (status %d)", status)
	case status == 429:
		return Wrap(ErrorTypeRateLimit, err, "backend rate limited (status %d)", status)
	case status == 402:
		return Wrap(ErrorTypeQuota, err, "backend quota exhausted (status %d)", status)
	case status >= 500:
		return Wrap(ErrorTypeTransient, err, "backend server error (status %d)", status)
	case status >= 400:
		return Wrap(ErrorTypeBadRequest, err, "backend rejected request (status %d)", status)
	default:
		return Wrap(ErrorTypeUnknown, err, "backend error (status %d)", status)
	}
}
