package genkv

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/errs"
)

// Config is the file form of the Open options.
type Config struct {
	// Dir is the data directory.
	Dir string `yaml:"dir"`

	Log     LogConfig     `yaml:"log"`
	Segment SegmentConfig `yaml:"segment"`
	Merge   MergeConfig   `yaml:"merge"`

	BlockCacheSize int64 `yaml:"block_cache_size"`
	CloseFlush     bool  `yaml:"close_flush"`

	Logging LoggingConfig `yaml:"logging"`
}

// LogConfig configures the write-ahead log.
type LogConfig struct {
	Segments     int           `yaml:"segments"`
	SegmentSize  uint64        `yaml:"segment_size"`
	MaxSegments  int           `yaml:"max_segments"`
	GroupCommit  bool          `yaml:"group_commit"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	SyncWrites   bool          `yaml:"sync_writes"`
	// Recovery is "fail-closed" or "truncate".
	Recovery string `yaml:"recovery"`
}

// SegmentConfig configures flushed segments.
type SegmentConfig struct {
	WorkingSize int64 `yaml:"working_size"`
	// Compression is "none", "lz4" or "zstd".
	Compression string `yaml:"compression"`
	// Format is "basic" or "offset-list".
	Format string `yaml:"format"`
}

// MergeConfig configures merging.
type MergeConfig struct {
	MinScore          float64       `yaml:"min_score"`
	MaxSources        int           `yaml:"max_sources"`
	TargetSegmentSize int           `yaml:"target_segment_size"`
	IOLimit           int64         `yaml:"io_limit"`
	Background        time.Duration `yaml:"background"`
}

// LoggingConfig selects the logger built by Options.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", "error" or "off".
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration Open uses without options.
func DefaultConfig() Config {
	o := defaultOptions()
	return Config{
		Log: LogConfig{
			Segments:     o.logSegments,
			SegmentSize:  o.logSegmentSize,
			MaxSegments:  o.maxLogSegments,
			GroupCommit:  o.groupCommit,
			FlushTimeout: o.flushTimeout,
			SyncWrites:   o.syncWrites,
			Recovery:     o.recovery.String(),
		},
		Segment: SegmentConfig{
			WorkingSize: o.workingSegmentSize,
			Compression: o.compression.String(),
			Format:      o.blockFormat.String(),
		},
		Merge: MergeConfig{
			MinScore:          o.minMergeScore,
			MaxSources:        o.maxMergeSources,
			TargetSegmentSize: o.targetSegmentSize,
			IOLimit:           o.mergeIOLimit,
			Background:        o.backgroundMerge,
		},
		BlockCacheSize: o.cacheBytes,
		CloseFlush:     o.closeFlush,
		Logging:        LoggingConfig{Level: "off"},
	}
}

// LoadConfig reads a YAML configuration. Keys missing from the file keep
// their defaults. A missing file yields DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w: %w", path, errs.ErrInvalidArgument, err)
	}
	return cfg, nil
}

// ApplyEnv loads the given env files, or ".env" if none are given, and then
// applies GENKV_* variables on top of c. Missing env files are skipped.
// Variables already set in the process environment win over file values.
func (c *Config) ApplyEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	var err error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	parse := func(name string, fn func(string) error) {
		v, ok := os.LookupEnv(name)
		if !ok || err != nil {
			return
		}
		if perr := fn(v); perr != nil {
			err = fmt.Errorf("%s=%q: %w", name, v, errs.ErrInvalidArgument)
		}
	}
	integer := func(name string, dst *int) {
		parse(name, func(v string) error {
			n, err := strconv.Atoi(v)
			*dst = n
			return err
		})
	}
	int64v := func(name string, dst *int64) {
		parse(name, func(v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			*dst = n
			return err
		})
	}
	boolean := func(name string, dst *bool) {
		parse(name, func(v string) error {
			b, err := strconv.ParseBool(v)
			*dst = b
			return err
		})
	}
	duration := func(name string, dst *time.Duration) {
		parse(name, func(v string) error {
			d, err := time.ParseDuration(v)
			*dst = d
			return err
		})
	}

	str("GENKV_DIR", &c.Dir)
	integer("GENKV_LOG_SEGMENTS", &c.Log.Segments)
	parse("GENKV_LOG_SEGMENT_SIZE", func(v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		c.Log.SegmentSize = n
		return err
	})
	integer("GENKV_LOG_MAX_SEGMENTS", &c.Log.MaxSegments)
	boolean("GENKV_GROUP_COMMIT", &c.Log.GroupCommit)
	duration("GENKV_FLUSH_TIMEOUT", &c.Log.FlushTimeout)
	boolean("GENKV_SYNC_WRITES", &c.Log.SyncWrites)
	str("GENKV_RECOVERY", &c.Log.Recovery)
	int64v("GENKV_WORKING_SEGMENT_SIZE", &c.Segment.WorkingSize)
	str("GENKV_COMPRESSION", &c.Segment.Compression)
	str("GENKV_BLOCK_FORMAT", &c.Segment.Format)
	parse("GENKV_MERGE_MIN_SCORE", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		c.Merge.MinScore = f
		return err
	})
	integer("GENKV_MERGE_MAX_SOURCES", &c.Merge.MaxSources)
	integer("GENKV_TARGET_SEGMENT_SIZE", &c.Merge.TargetSegmentSize)
	int64v("GENKV_MERGE_IO_LIMIT", &c.Merge.IOLimit)
	duration("GENKV_BACKGROUND_MERGE", &c.Merge.Background)
	int64v("GENKV_BLOCK_CACHE_SIZE", &c.BlockCacheSize)
	boolean("GENKV_CLOSE_FLUSH", &c.CloseFlush)
	str("GENKV_LOG_LEVEL", &c.Logging.Level)
	boolean("GENKV_LOG_JSON", &c.Logging.JSON)
	return err
}

// Options converts c into Open options.
func (c Config) Options() ([]Option, error) {
	compression, err := block.ParseCompression(strings.ToLower(c.Segment.Compression))
	if err != nil {
		return nil, err
	}
	format, err := block.ParseFormat(strings.ToLower(c.Segment.Format))
	if err != nil {
		return nil, err
	}
	recovery, err := parseRecoveryMode(c.Log.Recovery)
	if err != nil {
		return nil, err
	}
	logger, err := c.Logging.logger()
	if err != nil {
		return nil, err
	}

	return []Option{
		WithLogSegments(c.Log.Segments, c.Log.SegmentSize),
		WithMaxLogSegments(c.Log.MaxSegments),
		WithGroupCommit(c.Log.GroupCommit),
		WithFlushTimeout(c.Log.FlushTimeout),
		WithSyncWrites(c.Log.SyncWrites),
		WithRecoveryMode(recovery),
		WithWorkingSegmentSize(c.Segment.WorkingSize),
		WithCompression(compression),
		WithBlockFormat(format),
		WithMergePolicy(c.Merge.MinScore, c.Merge.MaxSources, c.Merge.TargetSegmentSize),
		WithMergeIOLimit(c.Merge.IOLimit),
		WithBackgroundMerge(c.Merge.Background),
		WithBlockCacheSize(c.BlockCacheSize),
		WithCloseFlush(c.CloseFlush),
		WithLogger(logger),
	}, nil
}

func parseRecoveryMode(s string) (RecoveryMode, error) {
	switch strings.ToLower(s) {
	case "", "fail-closed", "failclosed":
		return RecoveryFailClosed, nil
	case "truncate":
		return RecoveryTruncate, nil
	default:
		return 0, fmt.Errorf("unknown recovery mode %q: %w", s, errs.ErrInvalidArgument)
	}
}

func (c LoggingConfig) logger() (*Logger, error) {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "", "off", "none":
		return NoopLogger(), nil
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q: %w", c.Level, errs.ErrInvalidArgument)
	}
	if c.JSON {
		return NewJSONLogger(level), nil
	}
	return NewTextLogger(level), nil
}

// OpenConfig opens the database described by cfg. Extra options are
// applied after the configured ones.
func OpenConfig(cfg Config, extra ...Option) (*DB, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return Open(cfg.Dir, append(opts, extra...)...)
}
