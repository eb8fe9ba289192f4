// Package errs defines the error taxonomy shared by every layer of the engine.
//
// Low-level packages wrap these sentinels with fmt.Errorf("...: %w", ...) so the
// root package can classify any failure with errors.Is while the original cause
// stays reachable through errors.Unwrap.
package errs

import "errors"

var (
	// ErrCorrupt is returned when persisted data fails validation (bad magic,
	// checksum or length mismatch, overlapping segments, missing segment).
	ErrCorrupt = errors.New("data corruption detected")

	// ErrCapacity is returned when the log cannot accept more commands and the
	// receiver refused to extend it.
	ErrCapacity = errors.New("capacity exhausted")

	// ErrTimeout is returned when a durability wait exceeds its bound.
	ErrTimeout = errors.New("timed out")

	// ErrNotFound signals the expected end of a lookup or scan.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported is returned by decoders that do not implement an optional
	// capability. Callers route around it.
	ErrUnsupported = errors.New("capability unsupported")

	// ErrClosed is returned when an operation is attempted on a closed component.
	ErrClosed = errors.New("closed")

	// ErrInvalidArgument is returned when an argument is invalid.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMergeAborted is returned when a merge gave up without touching the catalog.
	ErrMergeAborted = errors.New("merge aborted")
)
