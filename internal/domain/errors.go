// Package domain defines the core business entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity or command fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidFormat is returned when data is not in the expected format,
	// e.g. an unknown enum name.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrInvalidState is returned when a lifecycle operation is attempted on a
	// task that is terminal or in the wrong phase.
	ErrInvalidState = errors.New("invalid task state")

	// ErrImageNotOwned is returned when an image does not belong to the task it
	// is being applied to.
	ErrImageNotOwned = errors.New("image does not belong to task")
)
