// Package errors provides standardized error handling patterns for sync engine
// components. It includes error classification, standard error variables, and
// helper functions for consistent error wrapping across the engine.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary failures (timeouts, 5xx-equivalent)
	// that are retried per the backoff policy.
	ErrorTransient ErrorClass = iota
	// ErrorPermanent represents rejections (4xx-equivalent, validation
	// failures) that must never be retried.
	ErrorPermanent
	// ErrorQuota represents storage quota pressure; the cache store evicts
	// and retries once before degrading to network-only.
	ErrorQuota
	// ErrorSerialization represents corrupt persisted data; the entry is
	// dropped and logged, never propagated as valid.
	ErrorSerialization
	// ErrorUnresolvable represents a conflict the resolver cannot settle;
	// it is escalated to the application rather than guessed at.
	ErrorUnresolvable
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorPermanent:
		return "permanent"
	case ErrorQuota:
		return "quota"
	case ErrorSerialization:
		return "serialization"
	case ErrorUnresolvable:
		return "unresolvable"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Cache store errors
	ErrKeyNotFound     = errors.New("key not found")
	ErrOfflineMiss     = errors.New("offline with no cached entry")
	ErrVersionConflict = errors.New("entry version advanced since read")
	ErrEntryExpired    = errors.New("cache entry expired")
	ErrQuotaExceeded   = errors.New("storage quota exceeded")

	// Queue errors
	ErrItemNotFound   = errors.New("queue item not found")
	ErrDeadLetter     = errors.New("retry budget exhausted")
	ErrUnknownTag     = errors.New("unknown sync tag")
	ErrDrainInFlight  = errors.New("drain already in flight for tag")
	ErrQueueCorrupted = errors.New("queue item corrupted")

	// Network errors
	ErrNetworkTimeout     = errors.New("network operation timed out")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrRemoteRejected     = errors.New("remote permanently rejected request")

	// Lifecycle errors
	ErrNotActive        = errors.New("generation is not active")
	ErrAlreadyActive    = errors.New("generation already active")
	ErrNoGeneration     = errors.New("no generation installed")
	ErrPrecacheFailed   = errors.New("precache failed during install")
	ErrAlreadyStarted   = errors.New("component already started")
	ErrNotStarted       = errors.New("component not started")
	ErrShuttingDown     = errors.New("engine is shutting down")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrConflictEscalate = errors.New("conflict requires application resolution")
	ErrUnknownMessage   = errors.New("unknown control message type")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrNetworkTimeout) ||
		errors.Is(err, ErrNetworkUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Unclassified errors from arbitrary transports: fall back to common
	// transient patterns in the message.
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"network",
		"temporary",
		"unavailable",
		"busy",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsPermanent checks if an error is a permanent rejection that must not be retried
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorPermanent
	}

	return errors.Is(err, ErrRemoteRejected) || errors.Is(err, ErrInvalidConfig)
}

// IsQuota checks if an error indicates storage quota pressure
func IsQuota(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorQuota
	}

	return errors.Is(err, ErrQuotaExceeded)
}

// IsSerialization checks if an error indicates a corrupt persisted entry
func IsSerialization(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorSerialization
	}

	return errors.Is(err, ErrQueueCorrupted)
}

// IsUnresolvable checks if an error is a conflict requiring application input
func IsUnresolvable(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorUnresolvable
	}

	return errors.Is(err, ErrConflictEscalate)
}

// Classify returns the error class for an error. Unknown errors default to
// transient so the retry budget, not a guess, decides their fate.
func Classify(err error) ErrorClass {
	switch {
	case IsPermanent(err):
		return ErrorPermanent
	case IsQuota(err):
		return ErrorQuota
	case IsSerialization(err):
		return ErrorSerialization
	case IsUnresolvable(err):
		return ErrorUnresolvable
	default:
		return ErrorTransient
	}
}

// newClassified creates a new classified error
// This is an internal helper - use the Wrap* functions instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapPermanent wraps an error as a permanent rejection with context
func WrapPermanent(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorPermanent, wrappedErr, component, method, wrappedErr.Error())
}

// WrapQuota wraps an error as quota pressure with context
func WrapQuota(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorQuota, wrappedErr, component, method, wrappedErr.Error())
}

// WrapSerialization wraps an error as corrupt persisted data with context
func WrapSerialization(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorSerialization, wrappedErr, component, method, wrappedErr.Error())
}

// WrapUnresolvable wraps an error as an unresolvable conflict with context
func WrapUnresolvable(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorUnresolvable, wrappedErr, component, method, wrappedErr.Error())
}
