// Package services implements the business logic behind every component:
// accounts and tokens, document ingestion, lesson generation,
// visualization resolution, quizzes and conversations. Services declare
// the narrow store interfaces they need and return sentinel errors; the
// HTTP layer maps those onto the error envelope.
package services

import (
	"errors"
	"fmt"

	"github.com/chalklabs/chalk/pkg/models"
)

var (
	// ErrNotFound is returned when an entity is not found or tombstoned
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrPermissionDenied is returned when an authenticated caller acts on
	// a resource owned by someone else
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidCredentials is returned for both unknown email and wrong
	// password; the two are deliberately indistinguishable
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned when a token fails verification for any
	// reason other than expiry
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned for a structurally valid but expired token
	ErrExpiredToken = errors.New("expired token")

	// ErrInvalidOTP is returned for missing, wrong and exhausted reset
	// codes; the three are deliberately indistinguishable
	ErrInvalidOTP = errors.New("invalid otp")

	// ErrExpiredOTP is returned for a correct but stale reset code
	ErrExpiredOTP = errors.New("expired otp")

	// ErrRateLimited is returned when a per-key rate ceiling is hit
	ErrRateLimited = errors.New("rate limited")

	// ErrBackpressure is returned when the global concurrency cap is hit;
	// callers should retry after a delay
	ErrBackpressure = errors.New("backpressure")

	// ErrNotCancellable is returned when stopping a document whose
	// extraction already reached a terminal state
	ErrNotCancellable = errors.New("extraction not cancellable")

	// ErrGenerating is returned while the requested artifact is still being
	// produced; callers should poll again shortly
	ErrGenerating = errors.New("still generating")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// requireOwner enforces the identity rule: a caller may act on a resource
// only when it is theirs or they are an admin.
func requireOwner(p *models.Principal, ownerID string) error {
	if p == nil {
		return ErrPermissionDenied
	}
	if p.IsAdmin() || p.UserID == ownerID {
		return nil
	}
	return ErrPermissionDenied
}
