package clinic

import (
	"errors"
	"fmt"
)

// Failure classes. Every error returned by the stores and the workflow
// matches exactly one of these through errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrAuthFailure        = errors.New("invalid username or password")
)

// Storage refinements.
var (
	ErrDuplicateID       = fmt.Errorf("%w: id already exists", ErrValidation)
	ErrDuplicateUsername = fmt.Errorf("%w: username already exists", ErrValidation)
	ErrInvalidTransition = fmt.Errorf("%w: visit status cannot move backward", ErrValidation)
	ErrProtectedUser     = fmt.Errorf("%w: the bootstrap admin cannot be deleted", ErrValidation)
)

// Workflow refinements.
var (
	ErrWrongRole  = errors.New("operation not available to this role")
	ErrWrongState = errors.New("operation not available in the current state")
)

// ValidationError names the field that failed and why.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
