package wal

import (
	"log/slog"
	"time"
)

// RecoveryMode decides how resume treats a sequence gap after the replay
// start point.
type RecoveryMode int

const (
	// RecoveryFailClosed refuses to resume past mid-log corruption.
	RecoveryFailClosed RecoveryMode = iota
	// RecoveryTruncate replays everything before the gap and discards the rest.
	RecoveryTruncate
)

func (m RecoveryMode) String() string {
	if m == RecoveryTruncate {
		return "truncate"
	}
	return "fail-closed"
}

// Options configures a Log.
type Options struct {
	// SegmentCount and SegmentSize define the default ring geometry.
	SegmentCount int
	SegmentSize  uint64

	// GroupCommit runs a background flusher that batches concurrent flush
	// requests into one write per round.
	GroupCommit bool
	// IdleTick is how often the flusher looks for unflushed commands.
	IdleTick time.Duration
	// FlushTimeout bounds FlushPendingCommandsThrough.
	FlushTimeout time.Duration

	Recovery RecoveryMode
	Logger   *slog.Logger
}

// DefaultOptions returns five 2MB segments with group commit.
func DefaultOptions() Options {
	return Options{
		SegmentCount: 5,
		SegmentSize:  2 << 20,
		GroupCommit:  true,
		IdleTick:     2 * time.Millisecond,
		FlushTimeout: 10 * time.Second,
		Recovery:     RecoveryFailClosed,
	}
}

func (o *Options) fill() {
	def := DefaultOptions()
	if o.SegmentCount <= 0 {
		o.SegmentCount = def.SegmentCount
	}
	if o.SegmentSize == 0 {
		o.SegmentSize = def.SegmentSize
	}
	if o.IdleTick <= 0 {
		o.IdleTick = def.IdleTick
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = def.FlushTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}
