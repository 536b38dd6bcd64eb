package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned across package boundaries wraps exactly one
// of these so callers can branch with errors.Is.
var (
	// ErrFormat is returned for malformed signals and invalid request input.
	ErrFormat = errors.New("invalid format")
	// ErrDecode is returned when media bytes cannot be decoded.
	ErrDecode = errors.New("cannot decode content")
	// ErrUnsupportedType is a decode failure caused by an unknown media format.
	ErrUnsupportedType = fmt.Errorf("%w: unsupported media type", ErrDecode)
	// ErrHash is returned when content decodes but cannot be hashed.
	ErrHash = errors.New("cannot hash content")
	// ErrStorage is returned for bank store and blob store failures.
	ErrStorage = errors.New("storage failure")
	// ErrIndexCorrupt is returned when an index artifact fails validation.
	ErrIndexCorrupt = errors.New("index artifact corrupt")
	// ErrIndexNotReady is returned when no index is loaded for a signal type.
	ErrIndexNotReady = errors.New("index not ready")
	// ErrBuild is returned when an index build fails.
	ErrBuild = errors.New("index build failed")
	// ErrFetchFailed is returned when remote content cannot be retrieved.
	ErrFetchFailed = errors.New("content fetch failed")
	// ErrDeadline is returned when a submission exceeds its deadline before hashing completes.
	ErrDeadline = errors.New("deadline exceeded")
	// ErrAlreadyExists is returned when creating a bank whose name is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound is returned for unknown banks, members and blobs.
	ErrNotFound = errors.New("not found")
	// ErrFullRebuildRequired is returned by change queries older than the retained log.
	ErrFullRebuildRequired = errors.New("change log truncated, full rebuild required")
	// ErrDisabled is returned when a signal type is switched off.
	ErrDisabled = errors.New("signal type disabled")
)

// StorageError wraps a driver failure from the bank store.
// Transient reports whether the driver classified the failure as retriable.
type StorageError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	if e.Transient {
		return fmt.Sprintf("storage: %s (transient): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the kind and the driver error.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// IsTransient reports whether err carries a StorageError marked transient.
func IsTransient(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}
