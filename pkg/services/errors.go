// Package services is the application layer between the HTTP API and the
// execution machinery: plan submission, approvals, cancellation and dead
// letter administration.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested entity does not exist or
	// belongs to another tenant.
	ErrNotFound = errors.New("entity not found")

	// ErrNotCancellable is returned when cancelling an execution that is
	// already terminal.
	ErrNotCancellable = errors.New("execution is not cancellable")

	// ErrApprovalNotPending is returned when deciding an approval that was
	// already decided or expired.
	ErrApprovalNotPending = errors.New("approval is not pending")

	// ErrDeadLetterResolved is returned when requeueing or archiving a dead
	// letter item that was already requeued or archived.
	ErrDeadLetterResolved = errors.New("dead letter item already resolved")
)

// ValidationError reports a rejected submission field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %q: %s", e.Field, e.Message)
}

// NewValidationError creates a field validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is a submission validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
