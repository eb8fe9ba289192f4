package engine

import (
	"fmt"

	"github.com/hupe1980/genkv/internal/wal"
)

var _ wal.Receiver = (*Engine)(nil)

// HandleCommand applies a logged command. It runs under the log mutex.
func (e *Engine) HandleCommand(seq uint64, cmd wal.Command, payload []byte) {
	switch cmd {
	case wal.CommandCheckpointStart:
		ws := e.rm.Freeze(seq)
		e.logger.Debug("working segment frozen", "checkpoint", seq, "entries", ws.Len(), "bytes", ws.Size())
	case wal.CommandUpdate:
		batch, err := decodeBatch(payload)
		if err != nil {
			e.logger.Error("undecodable log command", "seq", seq, "error", err)
			if e.replayErr == nil {
				e.replayErr = fmt.Errorf("log command %d: %w", seq, err)
			}
			return
		}
		size := e.rm.Apply(batch)
		if e.ready.Load() {
			if err := e.store.Apply(batch); err != nil {
				e.logger.Error("catalog update failed", "seq", seq, "error", err)
			}
		}
		if limit := e.flushCfg.MaxWorkingSegmentSize; limit > 0 && size >= limit {
			e.requestFlush()
		}
	}
}

// RequestLogExtension asks for a flush and lets the ring grow while it is
// below the configured maximum.
func (e *Engine) RequestLogExtension() bool {
	e.requestFlush()
	n := e.logSegments.Load()
	if n >= int64(e.maxLogSegments) {
		e.logger.Warn("log extension refused", "segments", n, "max", e.maxLogSegments)
		return false
	}
	e.logSegments.Add(1)
	e.logger.Info("log extended", "segments", n+1)
	return true
}

// LogStatusChange reports log usage. Above 80% a flush is requested.
func (e *Engine) LogStatusChange(used, free uint64) {
	e.metrics.OnLogStatus(used, free)
	if total := used + free; total > 0 && used*100 > total*80 {
		e.logger.Warn("log nearly full", "used", used, "free", free)
		e.requestFlush()
	}
}

func (e *Engine) requestFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}
