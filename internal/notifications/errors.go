package notifications

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Validation errors.
var (
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrMissingContent   = errors.New("no content or template provided")
	ErrAmbiguousContent = errors.New("both content and template provided")
)

// Rendering and dispatch errors.
var (
	ErrTemplateNotFound  = errors.New("template not found")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrUnknownChannel    = errors.New("no dispatcher for channel")
)

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// NoRetry marks a job failure as final. Brokers acknowledge such jobs
// as failed instead of scheduling another attempt.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

var transientMarkers = []string{
	"econnrefused",
	"etimedout",
	"econnreset",
	"esocket",
	"connection refused",
	"connection reset",
	"i/o timeout",
	"rate limit",
	"rate-limit",
}

// IsTransient classifies a delivery error. Transient errors are worth
// another attempt: network blips, timeouts and provider rate limiting.
// Everything else is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}
