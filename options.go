package genkv

import (
	"log/slog"
	"time"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/fs"
	"github.com/hupe1980/genkv/internal/region"
	"github.com/hupe1980/genkv/internal/wal"
)

// Compression selects the codec of segment blocks.
type Compression = block.Compression

const (
	CompressionNone = block.CompressionNone
	CompressionLZ4  = block.CompressionLZ4
	CompressionZSTD = block.CompressionZSTD
)

// BlockFormat selects the layout of segment blocks.
type BlockFormat = block.Format

const (
	// FormatBasic supports every lookup in the block itself.
	FormatBasic = block.FormatBasic
	// FormatOffsetList is the entries-then-index layout. Lookups walk it.
	FormatOffsetList = block.FormatOffsetList
)

// RecoveryMode decides how Open treats a damaged log.
type RecoveryMode = wal.RecoveryMode

const (
	// RecoveryFailClosed refuses to open past mid-log corruption.
	RecoveryFailClosed = wal.RecoveryFailClosed
	// RecoveryTruncate keeps everything before the damage and drops the rest.
	RecoveryTruncate = wal.RecoveryTruncate
)

type options struct {
	logger  *Logger
	metrics MetricsObserver
	fsys    fs.FileSystem
	mgr     region.Manager

	logSegments    int
	logSegmentSize uint64
	groupCommit    bool
	flushTimeout   time.Duration
	recovery       RecoveryMode
	maxLogSegments int
	syncWrites     bool

	workingSegmentSize int64
	compression        Compression
	blockFormat        BlockFormat

	minMergeScore     float64
	maxMergeSources   int
	targetSegmentSize int
	mergeIOLimit      int64
	backgroundMerge   time.Duration

	cacheBytes int64
	closeFlush bool
}

func defaultOptions() options {
	logOpts := wal.DefaultOptions()
	return options{
		logger:             NoopLogger(),
		logSegments:        logOpts.SegmentCount,
		logSegmentSize:     logOpts.SegmentSize,
		groupCommit:        logOpts.GroupCommit,
		flushTimeout:       logOpts.FlushTimeout,
		recovery:           logOpts.Recovery,
		maxLogSegments:     16,
		syncWrites:         true,
		workingSegmentSize: 4 << 20,
		compression:        CompressionLZ4,
		blockFormat:        FormatBasic,
		minMergeScore:      1,
		maxMergeSources:    8,
		targetSegmentSize:  8 << 20,
		cacheBytes:         32 << 20,
		closeFlush:         true,
	}
}

// Option configures Open.
type Option func(*options)

// WithLogSegments sets the initial log geometry: n segments of size bytes.
// It applies when the log is created; an existing log keeps its geometry.
func WithLogSegments(n int, size uint64) Option {
	return func(o *options) {
		o.logSegments = n
		o.logSegmentSize = size
	}
}

// WithMaxLogSegments bounds how far the log may grow while flushes fall
// behind. Writes fail with ErrCapacity beyond it.
func WithMaxLogSegments(n int) Option {
	return func(o *options) {
		o.maxLogSegments = n
	}
}

// WithGroupCommit batches concurrent durability waits into one log write.
func WithGroupCommit(on bool) Option {
	return func(o *options) {
		o.groupCommit = on
	}
}

// WithFlushTimeout bounds how long a write waits for durability before it
// fails with ErrTimeout.
func WithFlushTimeout(d time.Duration) Option {
	return func(o *options) {
		o.flushTimeout = d
	}
}

// WithSyncWrites makes every write return only once it is durable. Without
// it writes are durable after the next group commit or Sync.
func WithSyncWrites(on bool) Option {
	return func(o *options) {
		o.syncWrites = on
	}
}

// WithRecoveryMode sets how Open treats a damaged log.
func WithRecoveryMode(m RecoveryMode) Option {
	return func(o *options) {
		o.recovery = m
	}
}

// WithWorkingSegmentSize sets the in-memory size at which the working
// segment is flushed in the background. A negative size disables
// automatic flushes.
func WithWorkingSegmentSize(bytes int64) Option {
	return func(o *options) {
		o.workingSegmentSize = bytes
	}
}

// WithCompression sets the codec of newly written segments.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithBlockFormat sets the layout of newly written segments.
func WithBlockFormat(f BlockFormat) Option {
	return func(o *options) {
		o.blockFormat = f
	}
}

// WithMergePolicy configures merge candidate selection. minScore is the
// lowest candidate score worth merging, maxSources bounds the segments of
// one merge and targetSegmentSize is the encoded size at which outputs are
// split. Zero values keep the defaults.
func WithMergePolicy(minScore float64, maxSources, targetSegmentSize int) Option {
	return func(o *options) {
		if minScore > 0 {
			o.minMergeScore = minScore
		}
		if maxSources > 0 {
			o.maxMergeSources = maxSources
		}
		if targetSegmentSize > 0 {
			o.targetSegmentSize = targetSegmentSize
		}
	}
}

// WithMergeIOLimit throttles merge output to bytesPerSec. Zero is unlimited.
func WithMergeIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.mergeIOLimit = bytesPerSec
	}
}

// WithBackgroundMerge merges every interval in the background. Zero
// disables background merging; Merge and MergeAll still work.
func WithBackgroundMerge(interval time.Duration) Option {
	return func(o *options) {
		o.backgroundMerge = interval
	}
}

// WithBlockCacheSize sets the budget of the decoded segment cache. Zero
// disables the cache.
func WithBlockCacheSize(bytes int64) Option {
	return func(o *options) {
		o.cacheBytes = bytes
	}
}

// WithCloseFlush controls whether Close flushes the working segment. Without
// it the next Open replays the log instead.
func WithCloseFlush(on bool) Option {
	return func(o *options) {
		o.closeFlush = on
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := genkv.NewJSONLogger(slog.LevelInfo)
//	db, _ := genkv.Open("./data", genkv.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetrics configures a metrics observer.
//
// Example with BasicMetricsObserver:
//
//	metrics := &genkv.BasicMetricsObserver{}
//	db, _ := genkv.Open("./data", genkv.WithMetrics(metrics))
//	// ... use db ...
//	fmt.Println(metrics.GetStats().FlushCount)
func WithMetrics(m MetricsObserver) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithFileSystem replaces the file system underneath the data directory.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fsys = fsys
	}
}

// WithRegionManager stores regions in mgr instead of the data directory.
// The DB takes ownership and closes mgr.
func WithRegionManager(mgr region.Manager) Option {
	return func(o *options) {
		o.mgr = mgr
	}
}
