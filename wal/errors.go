package wal

import "errors"

// Error is a storage failure from the append-only log. Retryable failures
// (lock contention, transient I/O) are retried with exponential backoff
// before ever reaching the caller.
type Error struct {
	Message   string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewStorageFailure wraps a database error.
func NewStorageFailure(message string, retryable bool, err error) *Error {
	return &Error{Message: message, Retryable: retryable, Err: err}
}

// IsStorageFailure reports whether err is a log storage failure.
func IsStorageFailure(err error) bool {
	var walErr *Error
	return errors.As(err, &walErr)
}

// IsRetryable reports whether err is a storage failure marked retryable.
func IsRetryable(err error) bool {
	var walErr *Error
	if errors.As(err, &walErr) {
		return walErr.Retryable
	}
	return false
}
