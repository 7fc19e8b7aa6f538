package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error kinds. A *StatusError unwraps to exactly one of these.
var (
	ErrMalformed       = errors.New("malformed request")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrGone            = errors.New("gone")
	ErrRateLimited     = errors.New("rate limited")
	ErrTransient       = errors.New("transient server error")
	ErrUnexpected      = errors.New("unexpected status")
)

// StatusError is a non-success server response.
type StatusError struct {
	// Op names the transport call (e.g. "get_deltas").
	Op string

	// Code is the HTTP status code.
	Code int

	// Message is the server's description, if any.
	Message string
}

// NewStatusError creates a StatusError.
func NewStatusError(op string, code int, message string) *StatusError {
	return &StatusError{Op: op, Code: code, Message: message}
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Op, e.Code, http.StatusText(e.Code), e.Message)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Code, http.StatusText(e.Code))
}

// Unwrap returns the error kind for the status code.
func (e *StatusError) Unwrap() error {
	return KindOf(e.Code)
}

// KindOf maps a status code to an error kind.
func KindOf(code int) error {
	switch {
	case code == http.StatusBadRequest:
		return ErrMalformed
	case code == http.StatusUnauthorized:
		return ErrUnauthenticated
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusConflict, code == http.StatusPreconditionFailed:
		return ErrConflict
	case code == http.StatusGone:
		return ErrGone
	case code == http.StatusLocked, code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code >= 500:
		return ErrTransient
	}
	return ErrUnexpected
}

// StatusOf returns the status code carried by err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// IsTransient reports whether err may succeed on retry: 5xx responses,
// deadline expiry and network timeouts.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
