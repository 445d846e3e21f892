package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrValidation       = errors.New("validation failed")
	ErrInvalidSeverity  = errors.New("invalid severity: must be critical, high, normal, or low")
	ErrInvalidRecipient = errors.New("recipient must not be empty")
	ErrEmptyPayload     = errors.New("payload must have a title or a body")
	ErrPayloadTooLarge  = errors.New("payload exceeds the maximum size")
	ErrRateLimited      = errors.New("rate limited")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrQueueFull        = errors.New("queue is at capacity, try again later")
	ErrStoreUnavailable = errors.New("backing store unavailable")
)

// ValidationError rejects a malformed Enqueue request. It is never retried.
type ValidationError struct {
	Field string
	Err   error
}

func NewValidationError(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// RateLimitedError reports which window denied admission and when it resets.
type RateLimitedError struct {
	Subject    string
	Window     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: subject %s exceeded %s window, retry after %s", e.Subject, e.Window, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// CircuitOpenError is returned without contacting the provider.
type CircuitOpenError struct {
	Target     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Target, e.RetryAfter)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// DeliveryErrorKind splits provider failures into retryable and terminal.
type DeliveryErrorKind string

const (
	KindTransient DeliveryErrorKind = "transient"
	KindPermanent DeliveryErrorKind = "permanent"
)

// DeliveryError wraps a provider failure with its classification.
type DeliveryError struct {
	Kind DeliveryErrorKind
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery error: %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient marks err as retryable (network issue, provider 5xx).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Kind: KindTransient, Err: err}
}

// Permanent marks err as unrecoverable (invalid recipient, malformed payload).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Kind: KindPermanent, Err: err}
}

// Classify returns the delivery error kind for err. Anything not explicitly
// marked permanent, including deadline overruns, is transient.
func Classify(err error) DeliveryErrorKind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

// IsPermanent reports whether err must be dead-lettered without retry.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == KindPermanent
}
