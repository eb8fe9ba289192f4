package genkv

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/rangemap"
)

func TestTranslateError(t *testing.T) {
	assert.NoError(t, translateError(nil))

	plain := fmt.Errorf("wrapped: %w", ErrTimeout)
	assert.Same(t, plain, translateError(plain))

	t.Run("segment unreadable", func(t *testing.T) {
		cause := &rangemap.SegmentError{Generation: 2, Uniq: 17, Addr: 4096, Err: io.ErrUnexpectedEOF}
		err := translateError(fmt.Errorf("get: %w", cause))

		var su *SegmentUnreadableError
		require.ErrorAs(t, err, &su)
		assert.Equal(t, 2, su.Generation)
		assert.Equal(t, uint64(17), su.Uniq)
		assert.ErrorIs(t, err, ErrCorrupt)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.Contains(t, err.Error(), "gen=2 uniq=17")
	})

	t.Run("merge aborted", func(t *testing.T) {
		err := translateError(fmt.Errorf("perform merge: %w", errs.ErrMergeAborted))

		var ma *MergeAbortedError
		require.ErrorAs(t, err, &ma)
		assert.ErrorIs(t, err, ErrMergeAborted)
		assert.True(t, isMergeAborted(err))

		again := translateError(err)
		assert.Same(t, err, again)
	})

	assert.False(t, isMergeAborted(errors.New("other")))
}
