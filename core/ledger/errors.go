package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict signals that the expected stream sequence did
	// not match the actual one. The caller should re-read and retry with a
	// fresh expected sequence; the engine never retries on its own.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStorageFailure wraps any backend I/O or transport error.
	ErrStorageFailure = errors.New("storage failure")

	// ErrUnknownType signals a type key missing from the Registry. This is
	// a configuration error: register all types before building the
	// registry rather than handling this per call.
	ErrUnknownType = errors.New("unknown type")

	// ErrSnapshotNotFound is the backend-level sentinel for an absent
	// snapshot. The rehydrator translates it into the version-0 convention
	// and never surfaces it to callers.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// ConflictError carries both sides of a failed expected-sequence check so
// the caller can decide whether a retry makes sense.
type ConflictError struct {
	StreamID string
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"%s: stream %s expected sequence %d, actual %d",
		ErrConcurrencyConflict, e.StreamID, e.Expected, e.Actual,
	)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// StorageError attaches operational context to a backend failure. The
// underlying error is preserved for logs but callers should treat it as
// opaque.
type StorageError struct {
	Op       string
	StreamID string
	Err      error
}

func (e *StorageError) Error() string {
	if e.StreamID == "" {
		return fmt.Sprintf("%s: %s: %v", ErrStorageFailure, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s stream=%s: %v", ErrStorageFailure, e.Op, e.StreamID, e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorageFailure }
func (e *StorageError) Unwrap() error        { return e.Err }

// storageErr classifies err as a StorageError unless it is already part of
// the engine taxonomy. Conflicts and unknown types pass through untouched
// so errors.Is keeps working across backend boundaries.
func storageErr(op, streamID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrSnapshotNotFound) ||
		errors.Is(err, ErrStorageFailure) {
		return err
	}
	return &StorageError{Op: op, StreamID: streamID, Err: err}
}
