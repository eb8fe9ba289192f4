package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/cache"
	"github.com/hupe1980/genkv/internal/catalog"
	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/keys"
	"github.com/hupe1980/genkv/internal/merge"
	"github.com/hupe1980/genkv/internal/rangemap"
	"github.com/hupe1980/genkv/internal/record"
	"github.com/hupe1980/genkv/internal/region"
	"github.com/hupe1980/genkv/internal/resource"
	"github.com/hupe1980/genkv/internal/wal"
)

// Engine is one open key-value store over a region manager.
type Engine struct {
	mgr     region.Manager
	logger  *slog.Logger
	rc      *resource.Controller
	metrics MetricsObserver

	logOpts        wal.Options
	flushCfg       FlushConfig
	mergeOpts      merge.Options
	mergeEvery     time.Duration
	cacheCfg       CacheConfig
	closeFlush     bool
	maxLogSegments int
	syncWrites     bool

	cache  cache.BlockCache
	loader *rangemap.Loader
	store  *catalog.Store
	rm     *rangemap.Manager
	merger *merge.Manager
	log    *wal.Log

	// ready is set once resume rebuilt the catalog. Before that, replayed
	// commands only reach the range map.
	ready       atomic.Bool
	replayErr   error
	logSegments atomic.Int64

	flushMu sync.Mutex
	flushCh chan struct{}
	stop    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool

	// afterPublish runs between a flush's catalog publish and its
	// CHECKPOINT_DROP.
	afterPublish func()
}

// Open opens the engine stored in mgr, creating it if mgr holds no log. The
// caller keeps ownership of mgr and closes it after Close.
func Open(mgr region.Manager, opts ...Option) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		mgr:        mgr,
		logger:     slog.New(slog.DiscardHandler),
		metrics:    &NoopMetricsObserver{},
		logOpts:    wal.DefaultOptions(),
		mergeOpts:  merge.DefaultOptions(),
		closeFlush: true,
		flushCh:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.normalize()

	if e.cacheCfg.Bytes > 0 {
		e.cache = cache.NewShardedLRUBlockCache(e.cacheCfg.Bytes, e.cacheCfg.Shards, e.rc)
	}
	e.loader = rangemap.NewLoader(mgr, e.cache)
	e.store = catalog.New(e, catalog.WithLogger(e.logger), catalog.WithOnUnreferenced(e.onUnreferenced))
	e.rm = rangemap.New(e.store, e.loader)
	e.logSegments.Store(int64(e.logOpts.SegmentCount))

	start := time.Now()
	log, err := wal.Open(mgr, e, e.logOpts)
	if err != nil {
		e.abandon()
		return nil, fmt.Errorf("open log: %w", err)
	}
	e.log = log
	e.log.OnGroupCommit(e.metrics.OnGroupCommit)

	if err := e.recover(); err != nil {
		e.logger.Error("resume failed", "error", err)
		_ = e.log.Close()
		e.abandon()
		return nil, err
	}
	e.merger = merge.New(e.store, mgr, e.loader, e.mergeOpts)

	e.logger.Info("engine opened",
		"fresh", e.log.Fresh(),
		"replayed", e.log.Replayed(),
		"segments", len(e.Segments()),
		"took", time.Since(start))

	e.wg.Add(1)
	go e.runFlushLoop()
	if e.mergeEvery > 0 {
		e.wg.Add(1)
		go e.runMergeLoop()
	}
	return e, nil
}

func (e *Engine) abandon() {
	e.cancel()
	e.store.Close()
	if e.cache != nil {
		_ = e.cache.Close()
	}
}

// Close stops the background loops, flushes the working segment when
// configured to, and closes the log. The region manager stays open.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return errs.ErrClosed
	}
	close(e.stop)
	e.cancel()
	e.wg.Wait()

	var err error
	if e.closeFlush {
		e.flushMu.Lock()
		if ferr := e.flushLocked(context.Background()); ferr != nil {
			e.logger.Error("flush on close failed", "error", ferr)
			err = errors.Join(err, ferr)
		}
		e.flushMu.Unlock()
	}
	if lerr := e.log.Close(); lerr != nil {
		err = errors.Join(err, fmt.Errorf("close log: %w", lerr))
	}
	e.store.Close()
	if e.cache != nil {
		_ = e.cache.Close()
	}
	return err
}

// Write logs batch as one UPDATE command. It implements catalog.Writer.
func (e *Engine) Write(batch []block.Entry) (uint64, error) {
	return e.log.AddCommand(wal.CommandUpdate, encodeBatch(batch))
}

// Sync blocks until the command with sequence seq is durable. It implements
// catalog.Writer.
func (e *Engine) Sync(seq uint64) error {
	return e.log.FlushPendingCommandsThrough(seq)
}

// Update logs a batch of user updates atomically and returns the sequence
// number of its command. With sync, or WithSyncWrites, it returns once the
// command is durable.
func (e *Engine) Update(batch []block.Entry, sync bool) (uint64, error) {
	if e.closed.Load() {
		return 0, errs.ErrClosed
	}
	if len(batch) == 0 {
		return 0, nil
	}
	for _, en := range batch {
		if err := checkUserKey(en.Key); err != nil {
			return 0, err
		}
	}

	seq, err := e.Write(batch)
	if err != nil {
		return 0, err
	}
	if sync || e.syncWrites {
		if err := e.Sync(seq); err != nil {
			return seq, err
		}
	}
	return seq, nil
}

func checkUserKey(encoded []byte) error {
	if len(encoded) == 0 {
		return fmt.Errorf("empty key: %w", errs.ErrInvalidArgument)
	}
	k, err := keys.Decode(encoded)
	if err != nil {
		return fmt.Errorf("key %x: %w", encoded, errs.ErrInvalidArgument)
	}
	if k.IsReserved() {
		return fmt.Errorf("key %s is reserved: %w", k, errs.ErrInvalidArgument)
	}
	return nil
}

// GetRecord resolves key. A key no source knows has state NotProvided.
func (e *Engine) GetRecord(key []byte) (record.Data, error) {
	if e.closed.Load() {
		return record.Data{}, errs.ErrClosed
	}
	return e.rm.GetRecord(key)
}

// Next returns the first record after key, or at key with equalOK.
func (e *Engine) Next(key []byte, equalOK bool, opts rangemap.ReadOptions) (rangemap.Result, error) {
	if e.closed.Load() {
		return rangemap.Result{}, errs.ErrClosed
	}
	return e.rm.Next(key, equalOK, opts)
}

// Prev returns the last record before key, or at key with equalOK.
func (e *Engine) Prev(key []byte, equalOK bool, opts rangemap.ReadOptions) (rangemap.Result, error) {
	if e.closed.Load() {
		return rangemap.Result{}, errs.ErrClosed
	}
	return e.rm.Prev(key, equalOK, opts)
}

// ScanForward calls fn for every record at or after start until fn
// returns false.
func (e *Engine) ScanForward(start []byte, opts rangemap.ReadOptions, fn func(rangemap.Result) bool) error {
	if e.closed.Load() {
		return errs.ErrClosed
	}
	return e.rm.ScanForward(start, opts, fn)
}

// ScanBackward calls fn for every record at or before start, in reverse
// order, until fn returns false.
func (e *Engine) ScanBackward(start []byte, opts rangemap.ReadOptions, fn func(rangemap.Result) bool) error {
	if e.closed.Load() {
		return errs.ErrClosed
	}
	return e.rm.ScanBackward(start, opts, fn)
}

// RangeMap returns the range-map manager.
func (e *Engine) RangeMap() *rangemap.Manager { return e.rm }

// Merger returns the merge manager.
func (e *Engine) Merger() *merge.Manager { return e.merger }

// Store returns the catalog.
func (e *Engine) Store() *catalog.Store { return e.store }

// Log returns the write-ahead log.
func (e *Engine) Log() *wal.Log { return e.log }

// Segments returns every live segment descriptor ordered by generation,
// then start key.
func (e *Engine) Segments() []catalog.Descriptor {
	v := e.store.Acquire()
	defer v.Release()
	return v.All()
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	Log wal.Stats

	WorkingEntries int
	WorkingBytes   int64
	FrozenSegments int

	// Generations counts live segments per generation.
	Generations []int
	Segments    int
	RootSegment uint64

	CacheHits   int64
	CacheMisses int64
	CacheBytes  int64

	MergesInFlight int
}

// Stats returns a snapshot of the engine's state.
func (e *Engine) Stats() Stats {
	ws := e.rm.Active()
	st := Stats{
		Log:            e.log.Stats(),
		WorkingEntries: ws.Len(),
		WorkingBytes:   ws.Size(),
		FrozenSegments: e.rm.Frozen(),
		MergesInFlight: e.merger.InFlight(),
	}
	if r := e.rm.Root(); r != nil {
		st.RootSegment = r.Addr
	}

	v := e.store.Acquire()
	for g := 0; g < v.Generations(); g++ {
		st.Generations = append(st.Generations, len(v.At(g)))
	}
	st.Segments = v.Len()
	v.Release()

	if e.cache != nil {
		st.CacheHits, st.CacheMisses = e.cache.Stats()
		st.CacheBytes = e.cache.Size()
	}
	return st
}

// onUnreferenced hands a region nothing references any more back to the
// region manager.
func (e *Engine) onUnreferenced(addr uint64) {
	e.loader.Forget(addr)
	if err := e.mgr.Dispose(addr); err != nil {
		e.logger.Warn("dispose region failed", "addr", addr, "error", err)
		return
	}
	e.metrics.OnSegmentFreed(addr)
}
