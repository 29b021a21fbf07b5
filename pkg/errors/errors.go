package errors

import (
	"errors"
	"fmt"
)

// Domain error types for business logic

var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates invalid input parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidConfig indicates a calculator or adapter was configured
	// with unusable values; raised at construction time, never on the hot path
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInternal indicates an internal error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates an operation timeout
	ErrTimeout = errors.New("operation timeout")

	// ErrUnavailable indicates a service is unavailable
	ErrUnavailable = errors.New("service unavailable")
)

// Feed-specific errors

var (
	// ErrFeedNotConnected indicates the market data feed is not connected
	ErrFeedNotConnected = errors.New("feed not connected")

	// ErrFeedSubscriptionFailed indicates a stream subscription failed
	ErrFeedSubscriptionFailed = errors.New("feed subscription failed")

	// ErrFeedReconnectFailed indicates feed reconnection gave up
	ErrFeedReconnectFailed = errors.New("feed reconnection failed")

	// ErrFeedClosed indicates the feed was shut down
	ErrFeedClosed = errors.New("feed closed")
)

// Recorder-specific errors

var (
	// ErrRecorderStopped indicates the recorder no longer accepts writes
	ErrRecorderStopped = errors.New("recorder stopped")
)

// ValidationError represents a validation error with field-specific details
type ValidationError struct {
	Field   string
	Message string
	Value   interface{}
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// Unwrap makes ValidationError match ErrInvalidConfig in errors.Is chains
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// Helper functions

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
