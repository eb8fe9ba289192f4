package engine

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/merge"
)

// Merge performs the best merge candidate, if any qualifies.
func (e *Engine) Merge(ctx context.Context) (merge.Result, bool, error) {
	if e.closed.Load() {
		return merge.Result{}, false, errs.ErrClosed
	}
	c, ok := e.merger.GetBestCandidate()
	if !ok {
		return merge.Result{}, false, nil
	}
	res, err := e.merger.PerformMerge(ctx, c)
	return res, true, err
}

// MergeAll merges until no candidate qualifies and returns the number of
// merges performed.
func (e *Engine) MergeAll(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, errs.ErrClosed
	}
	return e.merger.MergeAll(ctx)
}

func (e *Engine) runFlushLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case <-e.flushCh:
			e.metrics.OnQueueDepth("frozen_segments", e.rm.Frozen())
			if err := e.Flush(e.ctx); err != nil && !quiet(err) {
				e.logger.Error("background flush failed", "error", err)
			}
		}
	}
}

func (e *Engine) runMergeLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.mergeEvery)
	defer t.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-t.C:
			e.metrics.OnQueueDepth("merge_candidates", len(e.merger.Candidates()))
			n, err := e.merger.MergeAll(e.ctx)
			switch {
			case errors.Is(err, errs.ErrMergeAborted):
				e.logger.Debug("merge candidate rejected", "error", err)
			case err != nil && !quiet(err):
				e.logger.Error("background merge failed", "error", err)
			case n > 0:
				e.logger.Debug("background merges done", "merges", n)
			}
		}
	}
}

// quiet reports errors caused by shutdown.
func quiet(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, errs.ErrClosed)
}
