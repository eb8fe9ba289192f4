// Package conv converts in-memory counts to the fixed-width fields of the
// on-disk formats.
//
// Block entry counts, descriptor entry counts and manifest segment counts are
// stored as uint32. A count that does not fit is reported as
// errs.ErrCapacity instead of being silently truncated.
package conv
