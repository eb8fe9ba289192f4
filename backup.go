package genkv

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/genkv/blobstore"
	"github.com/hupe1980/genkv/internal/backup"
	"github.com/hupe1980/genkv/internal/engine"
)

// BackupInfo describes one committed backup.
type BackupInfo struct {
	ID        string
	Parent    string
	Seq       uint64
	CreatedAt time.Time
	// Segments counts the segments the backup consists of, Uploaded the
	// ones written by this backup. The rest were archived earlier.
	Segments int
	Uploaded int
	Bytes    uint64
}

func backupInfo(m *backup.Manifest, uploaded int) BackupInfo {
	return BackupInfo{
		ID:        m.ID,
		Parent:    m.Parent,
		Seq:       m.Seq,
		CreatedAt: m.CreatedAt,
		Segments:  len(m.Segments),
		Uploaded:  uploaded,
		Bytes:     m.Bytes(),
	}
}

const uploadConcurrency = 8

// Backup flushes the working segment and copies every live segment to
// store. Segments archived by an earlier backup to the same store are not
// uploaded again. The backup becomes visible once its manifest is committed;
// a failed backup leaves the previous one in place.
//
// One store, or one prefix of it, holds the backups of one database.
func (db *DB) Backup(ctx context.Context, store blobstore.Store) (info BackupInfo, err error) {
	if err := db.check(); err != nil {
		return BackupInfo{}, err
	}
	defer func() {
		db.logger.LogBackup(ctx, "backup", info.ID, info.Segments, info.Uploaded, err)
	}()

	if err := db.eng.Flush(ctx); err != nil {
		return BackupInfo{}, translateError(err)
	}

	bs := backup.NewStore(store)
	prev, err := bs.Latest(ctx)
	if err != nil && !errors.Is(err, backup.ErrNoBackup) {
		return BackupInfo{}, err
	}
	m := backup.Next(prev)

	known := make(map[uint64]backup.Segment)
	if prev != nil {
		for _, s := range prev.Segments {
			known[s.Uniq] = s
		}
	}

	view, err := db.eng.Snapshot()
	if err != nil {
		return BackupInfo{}, err
	}
	defer view.Release()

	all := view.All()
	m.Segments = make([]backup.Segment, len(all))
	var uploaded int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(uploadConcurrency, runtime.GOMAXPROCS(0)))
	for i, d := range all {
		if s, ok := known[d.Uniq]; ok && m.Archived.Contains(d.Uniq) && s.Length == d.Length && s.Entries == d.Entries {
			s.Generation = d.Generation
			m.Segments[i] = s
			continue
		}
		uploaded++
		g.Go(func() error {
			data, err := db.eng.ReadSegment(d)
			if err != nil {
				return err
			}
			if err := bs.PutSegment(gctx, d.Uniq, data); err != nil {
				return fmt.Errorf("upload segment %d: %w", d.Uniq, err)
			}
			m.Segments[i] = backup.SegmentFromDescriptor(d, data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BackupInfo{}, translateError(err)
	}
	for _, s := range m.Segments {
		m.Archived.Add(s.Uniq)
	}

	if err := bs.Commit(ctx, m); err != nil {
		return BackupInfo{}, err
	}
	return backupInfo(m, uploaded), nil
}

// Backups lists the backups in store, oldest first.
func Backups(ctx context.Context, store blobstore.Store) ([]BackupInfo, error) {
	ms, err := backup.NewStore(store).List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BackupInfo, len(ms))
	for i, m := range ms {
		out[i] = backupInfo(m, 0)
	}
	return out, nil
}

// PruneBackups deletes all but the newest keep backups in store together
// with the segments only they referenced. It returns the number of deleted
// blobs.
func PruneBackups(ctx context.Context, store blobstore.Store, keep int) (int, error) {
	return backup.NewStore(store).Prune(ctx, keep)
}

// RestoreOption configures Restore.
type RestoreOption func(*restoreOptions)

type restoreOptions struct {
	id   string
	open []Option
}

// RestoreID restores the backup with the given id instead of the latest.
func RestoreID(id string) RestoreOption {
	return func(o *restoreOptions) {
		o.id = id
	}
}

// RestoreWith passes options to the Open of the restored database.
func RestoreWith(opts ...Option) RestoreOption {
	return func(o *restoreOptions) {
		o.open = append(o.open, opts...)
	}
}

// Restore creates a database in dir from a backup in store and returns it
// open. dir must not hold a database yet. Every segment is verified against
// its recorded checksum before anything is published.
func Restore(ctx context.Context, store blobstore.Store, dir string, opts ...RestoreOption) (db *DB, err error) {
	ro := restoreOptions{}
	for _, opt := range opts {
		opt(&ro)
	}
	o := defaultOptions()
	for _, opt := range ro.open {
		opt(&o)
	}

	var m *backup.Manifest
	defer func() {
		id := ro.id
		var segments int
		if m != nil {
			id, segments = m.ID, len(m.Segments)
		}
		o.logger.LogBackup(ctx, "restore", id, segments, segments, err)
	}()

	bs := backup.NewStore(store)
	if ro.id != "" {
		m, err = bs.Load(ctx, ro.id)
	} else {
		m, err = bs.Latest(ctx)
	}
	if err != nil {
		return nil, err
	}

	segs := make([]engine.SegmentData, len(m.Segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(uploadConcurrency, runtime.GOMAXPROCS(0)))
	for i, s := range m.Segments {
		g.Go(func() error {
			d, err := s.Descriptor()
			if err != nil {
				return err
			}
			data, err := bs.ReadSegment(gctx, s)
			if err != nil {
				return err
			}
			segs[i] = engine.SegmentData{Descriptor: d, Data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, translateError(err)
	}

	db, err = open(ctx, dir, o)
	if err != nil {
		return nil, err
	}
	if n := len(db.eng.Segments()); n > 0 {
		_ = db.Close()
		return nil, fmt.Errorf("restore into %s: database holds %d segments: %w", dir, n, ErrInvalidArgument)
	}
	if err := db.eng.Ingest(ctx, segs); err != nil {
		_ = db.Close()
		return nil, translateError(err)
	}
	return db, nil
}
