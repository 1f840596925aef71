package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	// This is a generic version of the entity-specific not found errors
	// (e.g., ErrTaskNotFound, ErrImageNotFound).
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransactionFailed is returned when a unit of work fails to begin
	// or to commit.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrRepositoryNotRegistered is returned when a unit of work is asked for
	// a repository name nobody registered. It signals a wiring mistake and
	// is never worth retrying.
	ErrRepositoryNotRegistered = errors.New("repository not registered")

	// ErrUnitOfWorkState is returned when a unit of work is used outside its
	// begin/commit/close lifecycle, e.g. begun twice or used after close.
	ErrUnitOfWorkState = errors.New("unit of work used outside its lifecycle")

	// ErrTaskNotFound indicates that the requested retrieval task does not exist.
	ErrTaskNotFound = fmt.Errorf("%w: retrieval task", ErrNotFound)

	// ErrImageNotFound indicates that the requested image does not exist.
	ErrImageNotFound = fmt.Errorf("%w: image", ErrNotFound)

	// ErrTaskExists indicates that a task with the same id was already saved.
	ErrTaskExists = fmt.Errorf("%w: retrieval task", ErrDuplicate)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError checks if the error is any kind of "duplicate" error.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// StoreError is a custom error type for store-specific errors with additional context.
type StoreError struct {
	Entity    string // The entity type (e.g., "retrieval_task", "image")
	Operation string // The operation that failed (e.g., "save", "update")
	Message   string // Error message
	Err       error  // Original error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf(
			"%s operation on %s failed: %s: %v",
			e.Operation,
			e.Entity,
			e.Message,
			e.Err,
		)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Entity, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError with the given entity, operation, message, and wrapped error.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
