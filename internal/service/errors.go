package service

import (
	"errors"
	"fmt"

	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/phrazzld/data-retrieval/internal/store"
)

// Common service errors - sentinel errors used across service implementations.
// Callers check for them with errors.Is.
var (
	// ErrPublishFailed indicates that a command's change was committed but
	// its events could not be delivered after every retry. The change is not
	// rolled back.
	ErrPublishFailed = errors.New("events not published after commit")

	// ErrCompensationFailed indicates that an image could not be compensated.
	// An ImageDeletionFailed event has been published for it.
	ErrCompensationFailed = errors.New("compensation failed")

	// ErrSinkUnavailable wraps content sink failures.
	ErrSinkUnavailable = errors.New("content sink unavailable")
)

// ServiceError wraps errors from the service layer with the failing operation.
type ServiceError struct {
	// Operation is the operation that failed (e.g., "start_task", "store_image")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for ServiceError.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retrieval service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("retrieval service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError wraps err with the operation. Business errors are returned
// unchanged so that their messages reach the caller as they are.
func NewServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	switch Classify(err) {
	case KindTransient, KindMisconfigured:
	default:
		return err
	}
	return &ServiceError{Operation: operation, Message: message, Err: err}
}

// Kind groups errors by how callers should react to them.
type Kind int

// Error kinds. Only KindTransient is worth retrying.
const (
	KindTransient Kind = iota
	KindNotFound
	KindInvalidState
	KindValidation
	KindUnpublished
	// KindMisconfigured marks wiring faults, such as a unit of work asked for
	// a repository nobody registered. They fail every attempt the same way.
	KindMisconfigured
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindValidation:
		return "validation"
	case KindUnpublished:
		return "unpublished"
	case KindMisconfigured:
		return "misconfigured"
	default:
		return "transient"
	}
}

// Classify returns the kind of err. Anything that is not a recognised
// business error is treated as transient infrastructure trouble.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindTransient
	case errors.Is(err, ErrPublishFailed):
		return KindUnpublished
	case errors.Is(err, store.ErrRepositoryNotRegistered), errors.Is(err, store.ErrUnitOfWorkState):
		return KindMisconfigured
	case store.IsNotFoundError(err), errors.Is(err, domain.ErrImageNotOwned):
		return KindNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidFormat),
		errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, store.ErrDuplicate):
		return KindValidation
	default:
		return KindTransient
	}
}
