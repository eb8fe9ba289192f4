package genkv

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/genkv/internal/engine"
)

// MetricsObserver receives engine events. Implement it to integrate with
// monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusObserver struct {
//	    genkv.NoopMetricsObserver
//	    flushes prometheus.Counter
//	}
//
//	func (p *PrometheusObserver) OnFlush(d time.Duration, entries int, err error) {
//	    p.flushes.Inc()
//	}
//
// Callbacks run on engine goroutines and must not block.
type MetricsObserver = engine.MetricsObserver

// NoopMetricsObserver ignores every event. Embed it to implement only some
// callbacks.
type NoopMetricsObserver = engine.NoopMetricsObserver

var _ MetricsObserver = (*BasicMetricsObserver)(nil)

// BasicMetricsObserver provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsObserver struct {
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	FlushTotalNanos  atomic.Int64
	FlushedEntries   atomic.Int64
	MergeCount       atomic.Int64
	MergeErrors      atomic.Int64
	MergeTotalNanos  atomic.Int64
	MergedSources    atomic.Int64
	GroupCommits     atomic.Int64
	CommittedCmds    atomic.Int64
	GroupCommitNanos atomic.Int64
	SegmentsFreed    atomic.Int64
	LogUsedBytes     atomic.Uint64
	LogFreeBytes     atomic.Uint64
}

// OnFlush implements MetricsObserver.
func (b *BasicMetricsObserver) OnFlush(duration time.Duration, entries int, err error) {
	b.FlushCount.Add(1)
	b.FlushTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.FlushErrors.Add(1)
		return
	}
	b.FlushedEntries.Add(int64(entries))
}

// OnMerge implements MetricsObserver.
func (b *BasicMetricsObserver) OnMerge(duration time.Duration, sources, _ int, err error) {
	b.MergeCount.Add(1)
	b.MergeTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.MergeErrors.Add(1)
		return
	}
	b.MergedSources.Add(int64(sources))
}

// OnLogStatus implements MetricsObserver.
func (b *BasicMetricsObserver) OnLogStatus(used, free uint64) {
	b.LogUsedBytes.Store(used)
	b.LogFreeBytes.Store(free)
}

// OnGroupCommit implements MetricsObserver.
func (b *BasicMetricsObserver) OnGroupCommit(batch int, duration time.Duration) {
	b.GroupCommits.Add(1)
	b.CommittedCmds.Add(int64(batch))
	b.GroupCommitNanos.Add(duration.Nanoseconds())
}

// OnSegmentFreed implements MetricsObserver.
func (b *BasicMetricsObserver) OnSegmentFreed(uint64) {
	b.SegmentsFreed.Add(1)
}

// OnQueueDepth implements MetricsObserver.
func (b *BasicMetricsObserver) OnQueueDepth(string, int) {}

// MetricsStats is a point-in-time copy of BasicMetricsObserver.
type MetricsStats struct {
	FlushCount     int64
	FlushErrors    int64
	FlushAvgNanos  int64
	FlushedEntries int64
	MergeCount     int64
	MergeErrors    int64
	MergeAvgNanos  int64
	MergedSources  int64
	GroupCommits   int64
	AvgCommitBatch float64
	SegmentsFreed  int64
	LogUsedBytes   uint64
	LogFreeBytes   uint64
}

// GetStats returns a snapshot of the counters.
func (b *BasicMetricsObserver) GetStats() MetricsStats {
	s := MetricsStats{
		FlushCount:     b.FlushCount.Load(),
		FlushErrors:    b.FlushErrors.Load(),
		FlushedEntries: b.FlushedEntries.Load(),
		MergeCount:     b.MergeCount.Load(),
		MergeErrors:    b.MergeErrors.Load(),
		MergedSources:  b.MergedSources.Load(),
		GroupCommits:   b.GroupCommits.Load(),
		SegmentsFreed:  b.SegmentsFreed.Load(),
		LogUsedBytes:   b.LogUsedBytes.Load(),
		LogFreeBytes:   b.LogFreeBytes.Load(),
	}
	if s.FlushCount > 0 {
		s.FlushAvgNanos = b.FlushTotalNanos.Load() / s.FlushCount
	}
	if s.MergeCount > 0 {
		s.MergeAvgNanos = b.MergeTotalNanos.Load() / s.MergeCount
	}
	if s.GroupCommits > 0 {
		s.AvgCommitBatch = float64(b.CommittedCmds.Load()) / float64(s.GroupCommits)
	}
	return s
}

// Reset zeroes every counter.
func (b *BasicMetricsObserver) Reset() {
	for _, c := range []*atomic.Int64{
		&b.FlushCount, &b.FlushErrors, &b.FlushTotalNanos, &b.FlushedEntries,
		&b.MergeCount, &b.MergeErrors, &b.MergeTotalNanos, &b.MergedSources,
		&b.GroupCommits, &b.CommittedCmds, &b.GroupCommitNanos, &b.SegmentsFreed,
	} {
		c.Store(0)
	}
	b.LogUsedBytes.Store(0)
	b.LogFreeBytes.Store(0)
}
