package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/transport"
)

// ErrGone is returned once the server has invalidated the database. The
// Database rejects every later task; reopen it to continue.
var ErrGone = fmt.Errorf("database gone: %w", transport.ErrGone)

// ErrClosed is returned by tasks issued after Close.
var ErrClosed = errors.New("database closed")

// ValidationError reports a malformed transaction detected locally. It is
// never retried.
type ValidationError struct {
	// Op names the builder call that failed.
	Op string

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Op, e.Message)
}

// ConflictError reports operations that conflict with the current dataset.
//
// Conflicts are ordered by operation index. When the error comes from
// exhausting retries after repeated server-side 409s, Err holds the last
// transport error and Conflicts is empty.
type ConflictError struct {
	Conflicts []record.IndexedConflict
	Retries   int
	Err       error
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return fmt.Sprintf("conflict: gave up after %d retries: %v", e.Retries, e.Err)
	}
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = c.String()
	}
	return fmt.Sprintf("%d conflicts: %s", len(e.Conflicts), strings.Join(parts, "; "))
}

// Unwrap returns the transport error behind retry exhaustion, if any.
func (e *ConflictError) Unwrap() error {
	return e.Err
}

// IsConflict reports whether err is a *ConflictError.
// Uses errors.As to handle wrapped errors.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
