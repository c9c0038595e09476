// Package apperr classifies errors into the kinds the core's callers need
// to branch on: retry locally, surface to a caller, or route to the DLQ.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds from the taxonomy, not a type name.
type Kind string

const (
	KindValidation   Kind = "Validation"
	KindNotFound     Kind = "NotFound"
	KindConflict     Kind = "Conflict"
	KindUnauthorized Kind = "Unauthorized"
	KindForbidden    Kind = "Forbidden"
	KindTransient    Kind = "Transient"
	KindPoison       Kind = "Poison"
	KindUnexpected   Kind = "Unexpected"
)

// Error wraps an underlying error with a classification and the
// correlation id of the business flow it happened in, so API responses can
// carry {code, message, correlationId} without re-deriving context.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, correlationID, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, CorrelationID: correlationID, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// Retryable reports whether the error kind should be retried locally by
// the resilience primitives before being surfaced or reclassified.
func Retryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == KindTransient
	}
	return false
}
