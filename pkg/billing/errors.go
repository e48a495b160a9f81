package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no manifest (or object) exists yet. Callers treat it
	// as nothing to import rather than as a failure.
	ErrNotFound = errors.New("not found")

	ErrMalformedManifest = errors.New("malformed manifest")

	// ErrStorageUnavailable marks transient object storage failures which
	// may succeed when retried.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConflictingAttempt is returned when another load attempt for the
	// same export and period is still in progress.
	ErrConflictingAttempt = errors.New("conflicting load attempt in progress")

	// ErrNoActiveAttempt is returned when an attempt is completed or failed
	// without a matching begin. It always indicates a caller bug.
	ErrNoActiveAttempt = errors.New("no active load attempt")
)

// MalformedManifestError describes why a manifest could not be used.
type MalformedManifestError struct {
	Key    string
	Reason string
	Err    error
}

func NewMalformedManifestError(key, reason string, err error) *MalformedManifestError {
	return &MalformedManifestError{Key: key, Reason: reason, Err: err}
}

func (e *MalformedManifestError) Error() string {
	msg := fmt.Sprintf("malformed manifest %s: %s", e.Key, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedManifestError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedManifest}
	}
	return []error{ErrMalformedManifest, e.Err}
}

// StorageError wraps a failed object storage operation.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func NewStorageError(op, key string, err error) *StorageError {
	return &StorageError{Op: op, Key: key, Err: err}
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s failed: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

// ParseError reports a data file which could not be decoded.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient storage failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
