package genkv

import (
	"errors"
	"fmt"

	"github.com/hupe1980/genkv/internal/backup"
	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/rangemap"
)

var (
	// ErrCorrupt is returned when persisted data fails validation.
	ErrCorrupt = errs.ErrCorrupt
	// ErrCapacity is returned when the log is full and may not grow.
	ErrCapacity = errs.ErrCapacity
	// ErrTimeout is returned when a durability wait exceeds FlushTimeout.
	ErrTimeout = errs.ErrTimeout
	// ErrNotFound signals a missing record or the end of a scan.
	ErrNotFound = errs.ErrNotFound
	// ErrUnsupported is returned for an optional capability a component lacks.
	ErrUnsupported = errs.ErrUnsupported
	// ErrClosed is returned by every operation on a closed DB.
	ErrClosed = errs.ErrClosed
	// ErrInvalidArgument is returned for bad keys and options.
	ErrInvalidArgument = errs.ErrInvalidArgument
	// ErrMergeAborted is returned when a merge gave up without changing the
	// catalog.
	ErrMergeAborted = errs.ErrMergeAborted
	// ErrNoBackup is returned by Restore when the store holds no backup.
	ErrNoBackup = backup.ErrNoBackup
)

// SegmentUnreadableError reports a segment that could not be read or
// decoded. It matches ErrCorrupt.
//
// The original underlying error can be accessed via errors.Unwrap.
type SegmentUnreadableError struct {
	Generation int
	Uniq       uint64
	cause      error
}

func (e *SegmentUnreadableError) Error() string {
	return fmt.Sprintf("segment gen=%d uniq=%d unreadable: %v", e.Generation, e.Uniq, e.cause)
}

func (e *SegmentUnreadableError) Unwrap() error { return e.cause }

// MergeAbortedError reports a merge that gave up. The catalog is unchanged
// and the merge may be retried.
//
// The original underlying error can be accessed via errors.Unwrap.
type MergeAbortedError struct {
	Sources int
	cause   error
}

func (e *MergeAbortedError) Error() string {
	return fmt.Sprintf("merge of %d segments aborted: %v", e.Sources, e.cause)
}

func (e *MergeAbortedError) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var se *rangemap.SegmentError
	if errors.As(err, &se) {
		return &SegmentUnreadableError{Generation: se.Generation, Uniq: se.Uniq, cause: err}
	}
	var me *MergeAbortedError
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, errs.ErrMergeAborted) {
		return &MergeAbortedError{cause: err}
	}
	return err
}

func isMergeAborted(err error) bool {
	return errors.Is(err, errs.ErrMergeAborted)
}
