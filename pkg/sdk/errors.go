package sdk

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrNotPermitted is returned when the acting user may not perform an operation.
	ErrNotPermitted = errors.New("not permitted")
	// ErrConflict is returned when an operation would break a uniqueness invariant.
	ErrConflict = errors.New("conflict")
	// ErrConcurrencyConflict is returned by stores when a compare-and-swap on a
	// revision fails. It is resolved internally and never shown to users.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrTransientDelivery marks a delivery failure worth retrying.
	ErrTransientDelivery = errors.New("transient delivery failure")
	// ErrPermanentDelivery marks a delivery failure that will not succeed on retry.
	ErrPermanentDelivery = errors.New("permanent delivery failure")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a *NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// DeliveryError wraps a failure reported by a delivery channel.
type DeliveryError struct {
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s delivery failure: %v", kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool {
	if e.Permanent {
		return target == ErrPermanentDelivery
	}
	return target == ErrTransientDelivery
}

// Transient wraps err as a retryable delivery failure.
func Transient(err error) error { return &DeliveryError{Err: err} }

// Permanent wraps err as a non-retryable delivery failure.
func Permanent(err error) error { return &DeliveryError{Permanent: true, Err: err} }

// IsRetryable reports whether err should be retried. Unclassified errors are
// treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrPermanentDelivery)
}
