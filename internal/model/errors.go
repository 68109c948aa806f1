// Package model carries the orchestrator's core domain types: jobs,
// batches, quotas, and the structured errors that cross the API boundary.
package model

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for machine-readable handling at the API
// boundary: HTTP status mapping, client retry policy, alerting.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindRateLimited        Kind = "rate_limited"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindAuth               Kind = "auth_error"
	KindNotFound           Kind = "not_found"
	KindForbidden          Kind = "forbidden"
	KindConflict           Kind = "conflict"
	KindDispatchFailed     Kind = "dispatch_failed"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindDatabaseUnavailable Kind = "database_unavailable"
	KindInternal           Kind = "internal_error"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrBatchNotFound = errors.New("batch not found")
	ErrNotOwner      = errors.New("principal does not own resource")
	ErrAlreadyTerminal = errors.New("job already in a terminal state")
	ErrDuplicateWebhook = errors.New("duplicate webhook delivery")
)

// Error is the structured error returned across every package boundary
// in the orchestrator. Kind drives the HTTP status and client behavior;
// Message is safe to return to the caller as-is.
type Error struct {
	Kind      Kind
	Message   string
	JobID     string
	BatchID   string
	UserID    string
	Operation string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Operation != "" {
		msg += fmt.Sprintf(" (op: %s)", e.Operation)
	}
	if e.JobID != "" {
		msg += fmt.Sprintf(" (job: %s)", e.JobID)
	}
	if e.BatchID != "" {
		msg += fmt.Sprintf(" (batch: %s)", e.BatchID)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a structured Error with the given kind and message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithJob attaches a job ID to the error for logging/tracing.
func (e *Error) WithJob(jobID string) *Error {
	e.JobID = jobID
	return e
}

// WithBatch attaches a batch ID to the error for logging/tracing.
func (e *Error) WithBatch(batchID string) *Error {
	e.BatchID = batchID
	return e
}

// WithUser attaches a user ID to the error for logging/tracing.
func (e *Error) WithUser(userID string) *Error {
	e.UserID = userID
	return e
}

// WithOp attaches the failing operation name.
func (e *Error) WithOp(op string) *Error {
	e.Operation = op
	return e
}

// WithErr attaches the underlying wrapped error.
func (e *Error) WithErr(err error) *Error {
	e.Err = err
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, defaulting to KindInternal otherwise.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}

// NewValidationError is a convenience constructor for the most common
// boundary error: malformed or missing request fields.
func NewValidationError(message string) *Error {
	return NewError(KindValidation, message)
}

// NewNotFoundError is a convenience constructor for missing resources.
func NewNotFoundError(message string) *Error {
	return NewError(KindNotFound, message)
}
