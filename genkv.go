package genkv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/genkv/internal/block"
	"github.com/hupe1980/genkv/internal/catalog"
	"github.com/hupe1980/genkv/internal/engine"
	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/keys"
	"github.com/hupe1980/genkv/internal/merge"
	"github.com/hupe1980/genkv/internal/rangemap"
	"github.com/hupe1980/genkv/internal/record"
	"github.com/hupe1980/genkv/internal/region"
	"github.com/hupe1980/genkv/internal/resource"
	"github.com/hupe1980/genkv/internal/wal"
)

// Key is an ordered tuple of typed parts.
type Key = keys.Key

// KeyPart is one component of a Key.
type KeyPart = keys.Part

// NewKey returns a key made of parts.
func NewKey(parts ...KeyPart) Key { return keys.New(parts...) }

// Path returns the key of "/"-separated string parts, so Path("test/3") is
// NewKey(String("test"), String("3")).
func Path(p string) Key { return keys.Path(p) }

// Int returns an integer key part.
func Int(v int64) KeyPart { return keys.Int(v) }

// String returns a string key part.
func String(s string) KeyPart { return keys.String(s) }

// Bytes returns a byte-string key part.
func Bytes(b []byte) KeyPart { return keys.Bytes(b) }

// Nested returns a key part holding a whole key.
func Nested(k Key) KeyPart { return keys.Nested(k) }

// State is the resolution state of a record.
type State = record.State

const (
	StateNotProvided = record.StateNotProvided
	StateIncomplete  = record.StateIncomplete
	StateFull        = record.StateFull
	StateDeleted     = record.StateDeleted
)

// Record is a resolved key and value.
type Record struct {
	Key   Key
	Value []byte
	State State
}

// SegmentInfo describes one live on-disk segment.
type SegmentInfo struct {
	Generation int
	Start      Key
	End        Key
	Uniq       uint64
	Addr       uint64
	Length     uint64
	Entries    uint32
	Format     BlockFormat
}

func segmentInfo(d catalog.Descriptor) SegmentInfo {
	return SegmentInfo{
		Generation: d.Generation,
		Start:      d.Start,
		End:        d.End,
		Uniq:       d.Uniq,
		Addr:       d.Addr,
		Length:     d.Length,
		Entries:    d.Entries,
		Format:     d.Format,
	}
}

// Stats is a point-in-time summary of a DB.
type Stats = engine.Stats

// DB is an embedded, ordered key-value store.
//
// All methods are safe for concurrent use. Every method returns ErrClosed
// after Close.
type DB struct {
	eng     *engine.Engine
	mgr     region.Manager
	logger  *Logger
	metrics MetricsObserver

	mu     sync.Mutex
	closed bool
}

// Open opens the database in dir, creating it if dir holds none.
//
// Example:
//
//	db, err := genkv.Open("./data", genkv.WithCompression(genkv.CompressionZSTD))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
func Open(dir string, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return open(context.Background(), dir, o)
}

func open(ctx context.Context, dir string, o options) (*DB, error) {
	if o.logSegments <= 0 || o.logSegmentSize == 0 {
		return nil, fmt.Errorf("log geometry %d x %d: %w", o.logSegments, o.logSegmentSize, ErrInvalidArgument)
	}
	logger := o.logger
	if dir != "" {
		logger = logger.WithDir(dir)
	}

	mgr := o.mgr
	if mgr == nil {
		if dir == "" {
			return nil, fmt.Errorf("no data directory: %w", ErrInvalidArgument)
		}
		fileOpts := []region.Option{
			region.WithLogger(logger.WithComponent("region").Logger),
			region.WithReserved(wal.ReservedBytes(o.logSegments, o.logSegmentSize)),
		}
		if o.fsys != nil {
			fileOpts = append(fileOpts, region.WithFileSystem(o.fsys))
		}
		fm, err := region.OpenFileManager(dir, fileOpts...)
		if err != nil {
			return nil, fmt.Errorf("open data directory: %w", err)
		}
		mgr = fm
	}

	metrics := o.metrics
	if metrics == nil {
		metrics = &NoopMetricsObserver{}
	}
	rc := resource.NewController(resource.Config{
		MemoryLimitBytes:   o.cacheBytes,
		IOLimitBytesPerSec: o.mergeIOLimit,
	})

	blockOpts := block.Options{Format: o.blockFormat, Compression: o.compression}
	logOpts := wal.DefaultOptions()
	logOpts.SegmentCount = o.logSegments
	logOpts.SegmentSize = o.logSegmentSize
	logOpts.GroupCommit = o.groupCommit
	logOpts.FlushTimeout = o.flushTimeout
	logOpts.Recovery = o.recovery
	logOpts.Logger = logger.WithComponent("wal").Logger

	mergeOpts := merge.DefaultOptions()
	mergeOpts.TargetSegmentSize = o.targetSegmentSize
	mergeOpts.MaxSources = o.maxMergeSources
	mergeOpts.MinScore = o.minMergeScore
	mergeOpts.Block = blockOpts
	mergeOpts.Logger = logger.WithComponent("merge").Logger

	eng, err := engine.Open(mgr,
		engine.WithLogger(logger.WithComponent("engine").Logger),
		engine.WithResourceController(rc),
		engine.WithMetricsObserver(&loggingObserver{MetricsObserver: metrics, logger: logger}),
		engine.WithLogOptions(logOpts),
		engine.WithFlushConfig(engine.FlushConfig{MaxWorkingSegmentSize: o.workingSegmentSize, Block: blockOpts}),
		engine.WithMergeOptions(mergeOpts),
		engine.WithBackgroundMerge(o.backgroundMerge),
		engine.WithCacheConfig(engine.CacheConfig{Bytes: o.cacheBytes}),
		engine.WithCloseFlush(o.closeFlush),
		engine.WithMaxLogSegments(o.maxLogSegments),
		engine.WithSyncWrites(o.syncWrites),
	)
	if err != nil {
		logger.LogRecovery(ctx, 0, err)
		_ = mgr.Close()
		return nil, translateError(err)
	}
	logger.LogRecovery(ctx, eng.Log().Replayed(), nil)

	return &DB{
		eng:     eng,
		mgr:     mgr,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// loggingObserver reports log pressure to the logger before forwarding
// every event to the configured observer.
type loggingObserver struct {
	MetricsObserver
	logger *Logger
}

func (o *loggingObserver) OnLogStatus(used, free uint64) {
	o.logger.LogLogStatus(used, free)
	o.MetricsObserver.OnLogStatus(used, free)
}

func (db *DB) check() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return nil
}

// SetValue stores value under key.
func (db *DB) SetValue(key Key, value []byte) error {
	b := NewBatch()
	b.Set(key, value)
	return db.Write(b)
}

// Append appends fragment to the value under key. Appending to a missing
// or deleted key starts a new value.
func (db *DB) Append(key Key, fragment []byte) error {
	b := NewBatch()
	b.Append(key, fragment)
	return db.Write(b)
}

// Delete removes key. Deleting a missing key is not an error.
func (db *DB) Delete(key Key) error {
	b := NewBatch()
	b.Delete(key)
	return db.Write(b)
}

// Write applies every update in b atomically: after a crash either all or
// none of them are visible.
func (db *DB) Write(b *Batch) error {
	if err := db.check(); err != nil {
		return err
	}
	if b == nil || len(b.entries) == 0 {
		return nil
	}
	_, err := db.eng.Update(b.entries, false)
	return translateError(err)
}

// Sync blocks until every write accepted so far is durable. It is a no-op
// with WithSyncWrites.
func (db *DB) Sync() error {
	if err := db.check(); err != nil {
		return err
	}
	seq := db.eng.Log().Stats().LastSeq
	if seq == 0 {
		return nil
	}
	return translateError(db.eng.Sync(seq))
}

// Get returns the value stored under key, or ErrNotFound.
func (db *DB) Get(key Key) ([]byte, error) {
	r, err := db.GetRecord(key)
	if err != nil {
		return nil, err
	}
	return r.Value, nil
}

// GetRecord resolves key through the working segment and every generation.
// A missing or deleted key returns ErrNotFound.
func (db *DB) GetRecord(key Key) (Record, error) {
	if err := db.check(); err != nil {
		return Record{}, err
	}
	d, err := db.eng.GetRecord(key.Encode())
	if err != nil {
		return Record{}, translateError(err)
	}
	if d.State == StateNotProvided || d.State == StateDeleted {
		return Record{Key: key, State: d.State}, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return Record{Key: key, Value: d.Value, State: d.State}, nil
}

// FindNext returns the first live record after key, or at key when
// inclusive. It returns ErrNotFound past the last record.
func (db *DB) FindNext(key Key, inclusive bool) (Record, error) {
	if err := db.check(); err != nil {
		return Record{}, err
	}
	r, err := db.eng.Next(key.Encode(), inclusive, rangemap.ReadOptions{})
	if err != nil {
		return Record{}, translateError(err)
	}
	return toRecord(r)
}

// FindPrev returns the last live record before key, or at key when
// inclusive. An empty key starts at the last record. It returns
// ErrNotFound before the first record.
func (db *DB) FindPrev(key Key, inclusive bool) (Record, error) {
	if err := db.check(); err != nil {
		return Record{}, err
	}
	r, err := db.eng.Prev(encodeOrNil(key), inclusive, rangemap.ReadOptions{})
	if err != nil {
		return Record{}, translateError(err)
	}
	return toRecord(r)
}

// ScanForward calls fn for every live record at or after start in key
// order until fn returns false. An empty start begins at the first record.
func (db *DB) ScanForward(start Key, fn func(Record) bool) error {
	return db.scan(start, true, fn)
}

// ScanBackward calls fn for every live record at or before start in
// reverse key order until fn returns false. An empty start begins at the
// last record.
func (db *DB) ScanBackward(start Key, fn func(Record) bool) error {
	return db.scan(start, false, fn)
}

// ScanPrefix calls fn for every live record whose key starts with prefix.
func (db *DB) ScanPrefix(prefix Key, fn func(Record) bool) error {
	return db.ScanForward(prefix, func(r Record) bool {
		if !r.Key.HasPrefix(prefix) {
			return false
		}
		return fn(r)
	})
}

func (db *DB) scan(start Key, forward bool, fn func(Record) bool) error {
	if err := db.check(); err != nil {
		return err
	}
	var cbErr error
	visit := func(r rangemap.Result) bool {
		rec, err := toRecord(r)
		if err != nil {
			cbErr = err
			return false
		}
		return fn(rec)
	}
	var err error
	if forward {
		err = db.eng.ScanForward(start.Encode(), rangemap.ReadOptions{}, visit)
	} else {
		err = db.eng.ScanBackward(encodeOrNil(start), rangemap.ReadOptions{}, visit)
	}
	if err != nil {
		return translateError(err)
	}
	return cbErr
}

func encodeOrNil(k Key) []byte {
	if k.Len() == 0 {
		return nil
	}
	return k.Encode()
}

func toRecord(r rangemap.Result) (Record, error) {
	k, err := keys.Decode(r.Key)
	if err != nil {
		return Record{}, fmt.Errorf("stored key %x: %w", r.Key, err)
	}
	return Record{Key: k, Value: r.Data.Value, State: r.Data.State}, nil
}

// Flush writes the working segment to a generation-0 segment and
// checkpoints the log.
func (db *DB) Flush(ctx context.Context) error {
	if err := db.check(); err != nil {
		return err
	}
	entries := db.eng.Stats().WorkingEntries
	err := db.eng.Flush(ctx)
	db.logger.LogFlush(ctx, len(db.eng.Segments()), entries, err)
	return translateError(err)
}

// Merge performs the best merge candidate. It reports false when no
// candidate qualifies. A merge that gave up returns a *MergeAbortedError
// and leaves the data unchanged.
func (db *DB) Merge(ctx context.Context) (bool, error) {
	if err := db.check(); err != nil {
		return false, err
	}
	res, ok, err := db.eng.Merge(ctx)
	if !ok && err == nil {
		return false, nil
	}
	sources := len(res.Candidate.Sources)
	db.logger.LogMerge(ctx, sources, len(res.Outputs), err)
	if err != nil {
		err = translateError(err)
		var me *MergeAbortedError
		if errors.As(err, &me) && me.Sources == 0 {
			me.Sources = sources
		}
		return false, err
	}
	return true, nil
}

// MergeAll merges until no candidate qualifies and returns the number of
// merges performed.
func (db *DB) MergeAll(ctx context.Context) (int, error) {
	if err := db.check(); err != nil {
		return 0, err
	}
	n, err := db.eng.MergeAll(ctx)
	return n, translateError(err)
}

// Segments lists the live segments ordered by generation, then start key.
func (db *DB) Segments() ([]SegmentInfo, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	ds := db.eng.Segments()
	out := make([]SegmentInfo, len(ds))
	for i, d := range ds {
		out[i] = segmentInfo(d)
	}
	return out, nil
}

// Stats returns a snapshot of the DB's internal state.
func (db *DB) Stats() (Stats, error) {
	if err := db.check(); err != nil {
		return Stats{}, err
	}
	return db.eng.Stats(), nil
}

// Close stops background work, flushes the working segment unless
// WithCloseFlush(false) was given, and releases all resources. Closing a
// closed DB returns ErrClosed.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrClosed
	}
	db.closed = true
	db.mu.Unlock()

	err := db.eng.Close()
	if cerr := db.mgr.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil && !errors.Is(err, errs.ErrClosed) {
		db.logger.Error("close failed", "error", err)
		return translateError(err)
	}
	return nil
}
