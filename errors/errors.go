// Package errors provides the typed error taxonomy for the scopes sync core.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies what went wrong.
type ErrorCode string

const (
	// ErrCodeDatabaseFailure is an I/O or transaction failure in the
	// storage engine. Usually retryable.
	ErrCodeDatabaseFailure ErrorCode = "DATABASE_FAILURE"

	// ErrCodeCorruptedEvent is a deserialization failure of a stored
	// payload or vector clock. A data-integrity problem, never retried.
	ErrCodeCorruptedEvent ErrorCode = "CORRUPTED_EVENT"

	// ErrCodeVectorClockConflict is an unresolved causal conflict
	// surfaced to the caller. Not a failure of the store itself.
	ErrCodeVectorClockConflict ErrorCode = "VECTOR_CLOCK_CONFLICT"

	// ErrCodeDeviceNotFound means the named device is unknown to the store.
	ErrCodeDeviceNotFound ErrorCode = "DEVICE_NOT_FOUND"

	// ErrCodeInvalidEventSequence means an observed sequence number does
	// not match the expected next value. Indicates a storage bug or a
	// concurrent-writer violation; never retried.
	ErrCodeInvalidEventSequence ErrorCode = "INVALID_EVENT_SEQUENCE"

	// ErrCodeStorageCapacityExceeded means the configured event limit
	// was reached.
	ErrCodeStorageCapacityExceeded ErrorCode = "STORAGE_CAPACITY_EXCEEDED"

	// ErrCodeNetworkFailure is a transport failure talking to a peer.
	ErrCodeNetworkFailure ErrorCode = "NETWORK_FAILURE"

	// ErrCodeValidationFailure is malformed caller input.
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Operation names the operation during which an error occurred.
type Operation string

const (
	OpStore          Operation = "store"
	OpGetEventsSince Operation = "get_events_since"
	OpGetByAggregate Operation = "get_events_by_aggregate"
	OpCurrentClock   Operation = "current_vector_clock"
	OpUpdateClock    Operation = "update_vector_clock"
	OpFindConflicts  Operation = "find_conflicting_events"
	OpPrune          Operation = "prune"
	OpSync           Operation = "sync"
	OpPush           Operation = "push"
	OpPull           Operation = "pull"
	OpResolve        Operation = "resolve_conflicts"
	OpTransport      Operation = "transport"
	OpClose          Operation = "close"
)

// StoreError is the structured error returned by the event store and the
// synchronization service.
type StoreError struct {
	// Op is the operation during which the error occurred.
	Op Operation

	// Component that generated the error (e.g. "storage/sqlite", "sync").
	Component string

	// Code classifies the failure.
	Code ErrorCode

	// Time is when the failure was observed.
	Time time.Time

	// Err is the underlying cause.
	Err error

	// Retryable reports whether retrying the operation can succeed.
	Retryable bool
}

func (e *StoreError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *StoreError) Unwrap() error { return e.Err }

func newError(code ErrorCode, op Operation, component string, cause error, retryable bool) *StoreError {
	return &StoreError{
		Op:        op,
		Component: component,
		Code:      code,
		Time:      time.Now().UTC(),
		Err:       cause,
		Retryable: retryable,
	}
}

// New builds a StoreError with an explicit code. Transport failures are
// the only retryable code; everything else needs operator or caller
// intervention.
func New(code ErrorCode, op Operation, component string, cause error) *StoreError {
	retryable := code == ErrCodeDatabaseFailure || code == ErrCodeNetworkFailure
	return newError(code, op, component, cause, retryable)
}

// NewDatabaseError wraps a storage engine failure.
func NewDatabaseError(op Operation, component string, cause error) *StoreError {
	return newError(ErrCodeDatabaseFailure, op, component, cause, true)
}

// NewCorruptedEvent reports an undecodable stored payload or clock.
func NewCorruptedEvent(op Operation, component string, cause error) *StoreError {
	return newError(ErrCodeCorruptedEvent, op, component, cause, false)
}

// NewDeviceNotFound reports an unknown device.
func NewDeviceNotFound(op Operation, component string, device string) *StoreError {
	return newError(ErrCodeDeviceNotFound, op, component, fmt.Errorf("device %q not found", device), false)
}

// NewInvalidEventSequence reports a sequence-number invariant violation.
func NewInvalidEventSequence(op Operation, component string, device string, expected, got uint64) *StoreError {
	return newError(ErrCodeInvalidEventSequence, op, component,
		fmt.Errorf("device %q: expected sequence %d, got %d", device, expected, got), false)
}

// NewStorageCapacityExceeded reports that the configured event limit was hit.
func NewStorageCapacityExceeded(op Operation, component string, limit int64) *StoreError {
	return newError(ErrCodeStorageCapacityExceeded, op, component,
		fmt.Errorf("event count reached configured limit of %d", limit), false)
}

// NewVectorClockConflict reports unresolved concurrent writes.
func NewVectorClockConflict(op Operation, component string, cause error) *StoreError {
	return newError(ErrCodeVectorClockConflict, op, component, cause, false)
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(op Operation, cause error) *StoreError {
	return newError(ErrCodeNetworkFailure, op, "transport", cause, true)
}

// NewValidationError reports malformed caller input.
func NewValidationError(op Operation, cause error) *StoreError {
	return newError(ErrCodeValidationFailure, op, "", cause, false)
}

// IsRetryable reports whether err is a retryable StoreError.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// CodeOf extracts the error code from err, or "" if err is not a StoreError.
func CodeOf(err error) ErrorCode {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
