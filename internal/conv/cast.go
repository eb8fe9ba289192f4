package conv

import (
	"fmt"
	"math"

	"github.com/hupe1980/genkv/internal/errs"
)

// Count32 converts a non-negative count to the uint32 stored on disk.
func Count32(n int) (uint32, error) {
	if n < 0 {
		return 0, fmt.Errorf("negative count %d: %w", n, errs.ErrInvalidArgument)
	}
	// always false where int is 32 bits wide
	if uint64(n) > math.MaxUint32 {
		return 0, fmt.Errorf("count %d exceeds 32 bits: %w", n, errs.ErrCapacity)
	}
	return uint32(n), nil
}
