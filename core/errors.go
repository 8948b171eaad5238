package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Transaction errors
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrIdempotencyConflict = errors.New("idempotent request conflict")
	ErrInvalidTransition   = errors.New("illegal status transition")
	ErrTerminalState       = errors.New("transaction is in a terminal state")

	// Subscription errors
	ErrSubscriptionNotFound  = errors.New("webhook subscription not found")
	ErrDuplicateSubscription = errors.New("subscription already exists for origin and url")
	ErrInvalidCallbackURL    = errors.New("invalid callback url")
	ErrEmptyEventSet         = errors.New("subscription requires at least one event type")

	// Delivery errors
	ErrDeliveryNotFound = errors.New("webhook delivery not found")
	ErrDeliveryTerminal = errors.New("delivery is in a terminal state")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Infrastructure errors
	ErrStoreUnavailable   = errors.New("datastore unavailable")
	ErrBusUnavailable     = errors.New("event bus unavailable")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrRequestFailed      = errors.New("request failed")

	// Validation errors
	ErrValidation = errors.New("validation failed")
)

// Error kinds mirror the external error taxonomy. The HTTP layer maps them
// to status codes; internal callers use them to decide retryability.
const (
	KindValidation = "validation"
	KindConflict   = "conflict"
	KindNotFound   = "not_found"
	KindTransient  = "transient"
	KindPermanent  = "permanent"
	KindFatal      = "fatal"
)

// ServiceError provides structured error information with context
// It implements the error interface and supports error wrapping
type ServiceError struct {
	Op      string // Operation that failed (e.g., "transaction.Process")
	Kind    string // Error kind (e.g., "conflict", "not_found", "transient")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *ServiceError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a new ServiceError
func NewServiceError(op, kind string, err error) *ServiceError {
	return &ServiceError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// KindOf extracts the error kind from a wrapped ServiceError, falling back
// to sentinel classification when no structured error is present.
func KindOf(err error) string {
	var se *ServiceError
	if errors.As(err, &se) && se.Kind != "" {
		return se.Kind
	}
	switch {
	case IsNotFound(err):
		return KindNotFound
	case IsConflict(err):
		return KindConflict
	case IsValidation(err):
		return KindValidation
	case IsTransient(err):
		return KindTransient
	}
	return KindFatal
}

// IsTransient checks if an error is retryable
// Transient errors are typically infrastructure availability issues
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrBusUnavailable) ||
		errors.Is(err, ErrRequestFailed)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrDeliveryNotFound)
}

// IsConflict checks if an error represents an idempotency or uniqueness conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyConflict) ||
		errors.Is(err, ErrDuplicateSubscription)
}

// IsValidation checks if an error is a caller-correctable validation failure
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidCallbackURL) ||
		errors.Is(err, ErrEmptyEventSet) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
