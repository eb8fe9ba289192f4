package engine

import (
	"log/slog"
	"time"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/merge"
	"github.com/hupe1980/genkv/internal/resource"
	"github.com/hupe1980/genkv/internal/wal"
)

// FlushConfig holds configuration for flushing working segments.
type FlushConfig struct {
	// MaxWorkingSegmentSize is the size in bytes at which the working
	// segment is flushed in the background. If 0, defaults to 4MB. A
	// negative value disables automatic flushes.
	MaxWorkingSegmentSize int64

	// Block is the codec configuration of flushed segments.
	Block block.Options
}

// CacheConfig sizes the decoded segment cache.
type CacheConfig struct {
	// Bytes is the cache budget. If 0, the cache is disabled.
	Bytes int64
	// Shards splits the budget. If 0, defaults to 16.
	Shards int
}

// Option defines a configuration option for the Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithResourceController sets the resource controller for the engine.
func WithResourceController(rc *resource.Controller) Option {
	return func(e *Engine) {
		e.rc = rc
	}
}

// WithMetricsObserver sets the metrics observer for the engine.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(e *Engine) {
		if observer != nil {
			e.metrics = observer
		}
	}
}

// WithLogOptions sets the write-ahead log options.
func WithLogOptions(opts wal.Options) Option {
	return func(e *Engine) {
		e.logOpts = opts
	}
}

// WithFlushConfig sets the flush configuration.
func WithFlushConfig(cfg FlushConfig) Option {
	return func(e *Engine) {
		e.flushCfg = cfg
	}
}

// WithMergeOptions sets the merge configuration.
func WithMergeOptions(opts merge.Options) Option {
	return func(e *Engine) {
		e.mergeOpts = opts
	}
}

// WithBackgroundMerge runs MergeAll every interval. Zero disables the loop.
func WithBackgroundMerge(interval time.Duration) Option {
	return func(e *Engine) {
		e.mergeEvery = interval
	}
}

// WithCacheConfig sets the decoded segment cache configuration.
func WithCacheConfig(cfg CacheConfig) Option {
	return func(e *Engine) {
		e.cacheCfg = cfg
	}
}

// WithCloseFlush controls whether Close flushes the working segment.
func WithCloseFlush(on bool) Option {
	return func(e *Engine) {
		e.closeFlush = on
	}
}

// WithMaxLogSegments bounds how far the log ring may grow when it runs out
// of empty segments.
func WithMaxLogSegments(n int) Option {
	return func(e *Engine) {
		e.maxLogSegments = n
	}
}

// WithSyncWrites makes every Update wait until its command is durable.
func WithSyncWrites(on bool) Option {
	return func(e *Engine) {
		e.syncWrites = on
	}
}

const (
	defaultWorkingSegmentSize = 4 << 20
	defaultCacheShards        = 16
	defaultMaxLogSegments     = 16
)

func (e *Engine) normalize() {
	if e.flushCfg.MaxWorkingSegmentSize == 0 {
		e.flushCfg.MaxWorkingSegmentSize = defaultWorkingSegmentSize
	}
	if e.flushCfg.Block.Format == 0 {
		e.flushCfg.Block.Format = block.FormatBasic
	}
	if e.cacheCfg.Shards <= 0 {
		e.cacheCfg.Shards = defaultCacheShards
	}
	if e.logOpts.Logger == nil {
		e.logOpts.Logger = e.logger
	}
	if e.maxLogSegments <= 0 {
		e.maxLogSegments = defaultMaxLogSegments
	}
	e.maxLogSegments = max(e.maxLogSegments, e.logOpts.SegmentCount)

	if e.mergeOpts.Logger == nil {
		e.mergeOpts.Logger = e.logger
	}
	if e.mergeOpts.Controller == nil {
		e.mergeOpts.Controller = e.rc
	}
	hook := e.mergeOpts.OnMerge
	e.mergeOpts.OnMerge = func(r merge.Result, err error) {
		e.metrics.OnMerge(r.Duration, len(r.Candidate.Sources), len(r.Outputs), err)
		if hook != nil {
			hook(r, err)
		}
	}
}
