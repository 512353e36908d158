// Package errors provides error types and handling for upload queue operations.
package errors

import (
	"errors"
	"fmt"
)

// Error represents an upload operation error with context about what failed.
// It wraps the underlying transport or store error with the operation name,
// the item it concerns, and the destination it was headed for.
type Error struct {
	// Op is the operation that failed (e.g., "transfer", "resolveConflict", "checkpoint")
	Op string

	// Item is the upload item ID (if applicable)
	Item string

	// Dest is the destination path or key (if applicable)
	Dest string

	// Err is the underlying error
	Err error
}

// Error implements the error interface by providing a formatted error message.
func (e *Error) Error() string {
	if e.Item != "" && e.Dest != "" {
		return fmt.Sprintf("uploadq.%s %s -> %s: %v", e.Op, e.Item, e.Dest, e.Err)
	}
	if e.Item != "" {
		return fmt.Sprintf("uploadq.%s item %s: %v", e.Op, e.Item, e.Err)
	}
	if e.Dest != "" {
		return fmt.Sprintf("uploadq.%s dest %s: %v", e.Op, e.Dest, e.Err)
	}
	return fmt.Sprintf("uploadq.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithItem adds item context to an existing error.
func (e *Error) WithItem(id string) *Error {
	e.Item = id
	return e
}

// WithDest adds destination context to an existing error.
func (e *Error) WithDest(dest string) *Error {
	e.Dest = dest
	return e
}

// WithMessage wraps the underlying error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	e.Err = fmt.Errorf("%s: %w", message, e.Err)
	return e
}

// NewError creates a new Error with the given operation and underlying error.
func NewError(op string, err error) *Error {
	return &Error{
		Op:  op,
		Err: err,
	}
}

// NewItemError creates a new Error with item context.
func NewItemError(op, item string, err error) *Error {
	return &Error{
		Op:   op,
		Item: item,
		Err:  err,
	}
}

// Sentinel errors for common upload pipeline failures.
// These can be used with errors.Is() for error checking.
var (
	// ErrConflict indicates a destination-name collision awaiting a decision
	ErrConflict = errors.New("uploadq: destination name conflict")

	// ErrUnauthorized indicates an authentication failure such as an expired
	// presigned URL or insufficient permission; retrying is futile
	ErrUnauthorized = errors.New("uploadq: unauthorized")

	// ErrQuotaExceeded indicates the destination quota is exhausted; retrying is futile
	ErrQuotaExceeded = errors.New("uploadq: quota exceeded")

	// ErrCanceled indicates the transfer was aborted by the user
	ErrCanceled = errors.New("uploadq: transfer canceled")

	// ErrInvalidTransition indicates a state change outside the item state graph
	ErrInvalidTransition = errors.New("uploadq: invalid status transition")

	// ErrItemNotFound indicates no queued item carries the given ID
	ErrItemNotFound = errors.New("uploadq: item not found")

	// ErrNotInConflict indicates resolveConflict was called on a non-conflicted item
	ErrNotInConflict = errors.New("uploadq: item is not in conflict")

	// ErrNotRetryable indicates retry was called on an item that is not errored or resumable
	ErrNotRetryable = errors.New("uploadq: item is not retryable")

	// ErrSessionExpired indicates the persisted offset is no longer valid at the backend
	ErrSessionExpired = errors.New("uploadq: resume session expired")

	// ErrInvalidInput indicates that the provided input is invalid
	ErrInvalidInput = errors.New("uploadq: invalid input")

	// ErrQueueClosed indicates the queue has been shut down
	ErrQueueClosed = errors.New("uploadq: queue closed")
)

// IsConflict checks if an error indicates a destination-name collision.
// This is a convenience function that handles both sentinel errors and wrapped errors.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsFatal checks if an error indicates an authorization or quota failure
// for which a retry is futile.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrQuotaExceeded)
}

// IsCanceled checks if an error indicates a user-initiated abort.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// IsSessionExpired checks if an error indicates an invalid persisted resume offset.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}
