package engine

import "time"

// MetricsObserver defines the interface for observing engine events.
type MetricsObserver interface {
	// OnFlush is called when a flush completes.
	OnFlush(duration time.Duration, entries int, err error)

	// OnMerge is called after every attempted merge.
	OnMerge(duration time.Duration, sources int, outputs int, err error)

	// OnLogStatus reports the bytes held by used and free log segments.
	OnLogStatus(used, free uint64)

	// OnGroupCommit is called after every physical log flush.
	OnGroupCommit(batch int, duration time.Duration)

	// OnSegmentFreed is called when a region is handed back to the region
	// manager.
	OnSegmentFreed(addr uint64)

	// OnQueueDepth reports the depth of a background queue.
	OnQueueDepth(name string, depth int)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (o *NoopMetricsObserver) OnFlush(duration time.Duration, entries int, err error) {}
func (o *NoopMetricsObserver) OnMerge(duration time.Duration, sources int, outputs int, err error) {
}
func (o *NoopMetricsObserver) OnLogStatus(used, free uint64)                   {}
func (o *NoopMetricsObserver) OnGroupCommit(batch int, duration time.Duration) {}
func (o *NoopMetricsObserver) OnSegmentFreed(addr uint64)                      {}
func (o *NoopMetricsObserver) OnQueueDepth(name string, depth int)             {}
