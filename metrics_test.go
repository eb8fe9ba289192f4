package genkv

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicMetricsObserver(t *testing.T) {
	m := &BasicMetricsObserver{}

	m.OnFlush(2*time.Millisecond, 10, nil)
	m.OnFlush(4*time.Millisecond, 0, errors.New("boom"))
	m.OnMerge(time.Millisecond, 3, 1, nil)
	m.OnGroupCommit(4, time.Millisecond)
	m.OnGroupCommit(2, time.Millisecond)
	m.OnSegmentFreed(4096)
	m.OnLogStatus(100, 900)

	s := m.GetStats()
	assert.Equal(t, int64(2), s.FlushCount)
	assert.Equal(t, int64(1), s.FlushErrors)
	assert.Equal(t, int64(10), s.FlushedEntries)
	assert.Equal(t, int64(3*time.Millisecond), s.FlushAvgNanos)
	assert.Equal(t, int64(1), s.MergeCount)
	assert.Equal(t, int64(3), s.MergedSources)
	assert.InDelta(t, 3.0, s.AvgCommitBatch, 1e-9)
	assert.Equal(t, int64(1), s.SegmentsFreed)
	assert.Equal(t, uint64(100), s.LogUsedBytes)

	m.Reset()
	assert.Equal(t, MetricsStats{}, m.GetStats())
}

func TestOpen_Metrics(t *testing.T) {
	m := &BasicMetricsObserver{}
	db := openTest(t, t.TempDir(), WithMetrics(m))
	defer db.Close()

	ctx := context.Background()
	for round := range 2 {
		for i := range 10 {
			require.NoError(t, db.SetValue(Path(fmt.Sprintf("m%d/%d", round, i)), []byte("v")))
		}
		require.NoError(t, db.Flush(ctx))
	}

	s := m.GetStats()
	assert.Equal(t, int64(2), s.FlushCount)
	assert.Equal(t, int64(20), s.FlushedEntries)
	assert.Positive(t, s.SegmentsFreed, "the first root segment is freed by the second flush")
}
