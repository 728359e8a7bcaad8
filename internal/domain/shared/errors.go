// Package shared contains common domain types, errors and value objects
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")

	// State errors
	ErrInvalidState = errors.New("invalid state")
	ErrIntegrity    = errors.New("data integrity violation")

	// Infrastructure errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "progress", "catalog", "leaderboard"
	Op      string // Operation that failed, e.g., "AwardXP", "Load"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
// Two DomainErrors match when they describe the same domain, kind and message,
// so a wrapped sentinel still satisfies errors.Is(err, ErrUserNotFound).
func (e *DomainError) Is(target error) bool {
	if t, ok := target.(*DomainError); ok {
		return e.Domain == t.Domain && e.Kind == t.Kind && e.Message == t.Message
	}
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Progress domain errors
var (
	ErrInvalidAmount             = NewDomainError("progress", "AwardXP", ErrValueOutOfRange, "xp amount must be between 1 and 1000000")
	ErrUserNotFound              = NewDomainError("progress", "Load", ErrNotFound, "user progress not found")
	ErrInvalidUserID             = NewDomainError("progress", "Validate", ErrInvalidID, "invalid user ID")
	ErrNegativeStatsDelta        = NewDomainError("progress", "UpdateStats", ErrNegativeValue, "stats delta cannot be negative")
	ErrStatsDeltaTooLarge        = NewDomainError("progress", "UpdateStats", ErrValueOutOfRange, "stats delta exceeds 1000000 per counter")
	ErrStoreUnavailable          = NewDomainError("progress", "Store", ErrServiceUnavailable, "progress store unavailable")
	ErrInconsistentCosmeticState = NewDomainError("progress", "CheckIntegrity", ErrIntegrity, "active effect is not unlocked")
)

// Cosmetic domain errors
var (
	ErrEffectNotUnlocked = NewDomainError("cosmetic", "Equip", ErrInvalidState, "effect is not unlocked")
	ErrUnknownEffect     = NewDomainError("cosmetic", "Equip", ErrNotFound, "unknown effect")
	ErrEffectSlot        = NewDomainError("cosmetic", "Equip", ErrInvalidInput, "effect does not fit this slot")
)

// Catalog domain errors
var (
	ErrInvalidCatalog = NewDomainError("catalog", "Validate", ErrValidation, "invalid catalog")
)

// Leaderboard domain errors
var (
	ErrInvalidLimit = NewDomainError("leaderboard", "Validate", ErrValueOutOfRange, "limit must be positive")
)

// Quiz domain errors
var (
	ErrInvalidQuizResult = NewDomainError("progress", "RecordQuizResult", ErrInvalidInput, "invalid quiz result")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsRetryable checks if the operation can be retried by the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// Unavailable wraps a storage failure as ErrStoreUnavailable for the given operation.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return WrapError("progress", op, ErrServiceUnavailable, "progress store unavailable", err)
}
