//go:build amd64 || arm64

package conv

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/genkv/internal/errs"
)

func TestCount32(t *testing.T) {
	t.Run("zero", func(t *testing.T) {
		got, err := Count32(0)
		assert.NoError(t, err)
		assert.Equal(t, uint32(0), got)
	})

	t.Run("max", func(t *testing.T) {
		got, err := Count32(math.MaxUint32)
		assert.NoError(t, err)
		assert.Equal(t, uint32(math.MaxUint32), got)
	})

	t.Run("negative", func(t *testing.T) {
		_, err := Count32(-1)
		assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	})

	t.Run("too large", func(t *testing.T) {
		_, err := Count32(math.MaxUint32 + 1)
		assert.ErrorIs(t, err, errs.ErrCapacity)
	})
}
