// Package errors defines the error taxonomy shared by the coordination core.
// Errors are classified as permanent (validation failures, expiry) or
// transient (worker timeouts, crashes, broker outages); the pipeline retries
// transient errors only.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	// KindUnknown is the zero value for unclassified errors.
	KindUnknown Kind = iota

	// KindValidationFailed marks a candidate rejected before entering the
	// pipeline. Permanent.
	KindValidationFailed

	// KindExpired marks a candidate or envelope past its expiry horizon.
	// Permanent.
	KindExpired

	// KindWorkerTimeout marks a task that missed its deadline. Transient.
	KindWorkerTimeout

	// KindWorkerCrashed marks a task lost to a worker crash. Transient.
	KindWorkerCrashed

	// KindBrokerUnavailable marks a publish deferred to the offline queue.
	// Transient, never surfaced to producers.
	KindBrokerUnavailable

	// KindCacheUnavailable marks a cache failure the pipeline degrades
	// through. Transient, never fatal.
	KindCacheUnavailable

	// KindPoolUnhealthy marks an exhausted worker restart budget. Fatal for
	// new dispatch.
	KindPoolUnhealthy

	// KindDuplicateClaim marks a submission rejected because the record id
	// already holds an active execution claim. Permanent.
	KindDuplicateClaim
)

// String returns the machine-readable code for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidationFailed:
		return "VALIDATION_FAILED"
	case KindExpired:
		return "EXPIRED"
	case KindWorkerTimeout:
		return "WORKER_TIMEOUT"
	case KindWorkerCrashed:
		return "WORKER_CRASHED"
	case KindBrokerUnavailable:
		return "BROKER_UNAVAILABLE"
	case KindCacheUnavailable:
		return "CACHE_UNAVAILABLE"
	case KindPoolUnhealthy:
		return "POOL_UNHEALTHY"
	case KindDuplicateClaim:
		return "DUPLICATE_CLAIM"
	}
	return "UNKNOWN"
}

var (
	// ErrQueueFull indicates a bounded queue rejected a new entry.
	ErrQueueFull = errors.New("queue full")

	// ErrPoolClosed indicates the worker pool is no longer accepting tasks.
	ErrPoolClosed = errors.New("pool closed")

	// ErrCoordinatorClosed indicates the coordinator has shut down.
	ErrCoordinatorClosed = errors.New("coordinator closed")

	// ErrInvalidHandler indicates a nil subscription handler.
	ErrInvalidHandler = errors.New("invalid handler")

	// ErrInvalidTopic indicates an empty or malformed topic name.
	ErrInvalidTopic = errors.New("invalid topic")
)

// Error is a structured error carrying a kind, a human-readable message, and
// an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a structured error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a structured error of the given kind around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error, or KindUnknown if it carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Categorize maps an error to its machine-readable code for logging and
// result reporting.
func Categorize(err error) string {
	if err == nil {
		return ""
	}
	return KindOf(err).String()
}

// IsRetryable reports whether an error is transient and eligible for a
// pipeline retry.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindWorkerTimeout, KindWorkerCrashed, KindBrokerUnavailable, KindCacheUnavailable:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether an error must never be retried.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindValidationFailed, KindExpired, KindDuplicateClaim:
		return true
	default:
		return false
	}
}
