// Package genkv provides an embedded, ordered key-value store built as a
// log-structured merge tree.
//
// Writes go to a write-ahead log organized as a fixed ring of segments and
// to an in-memory working segment. Flushes turn the working segment into an
// immutable generation-0 segment; merges combine overlapping segments into
// deeper generations. The catalog of live segments is stored in the same
// key space, under the reserved ".ROOT" prefix.
//
// # Quick Start
//
//	db, err := genkv.Open("./data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	_ = db.SetValue(genkv.Path("users/42"), []byte("alice"))
//	v, _ := db.Get(genkv.Path("users/42"))
//
// # Keys
//
// A Key is a tuple of typed parts (integers, strings, byte strings and
// nested keys). Keys order part by part; integers order numerically:
//
//	k := genkv.NewKey(genkv.String("orders"), genkv.Int(7))
//
// Keys whose first part starts with "." are reserved.
//
// # Updates
//
// SetValue replaces a value, Append adds a fragment to it and Delete writes
// a tombstone. A Batch applies several updates atomically:
//
//	b := genkv.NewBatch().
//	    Set(genkv.Path("a"), []byte("1")).
//	    Delete(genkv.Path("b"))
//	err := db.Write(b)
//
// # Durability Model
//
// With the default WithSyncWrites(true) every write returns once it is in
// the log on disk. Concurrent writers share one log write (group commit).
// With WithSyncWrites(false), call Sync to wait for durability.
//
// Open replays the log after a crash. By default a damaged log fails Open
// with ErrCorrupt; WithRecoveryMode(RecoveryTruncate) keeps the intact
// prefix instead.
//
// # Maintenance
//
// Flush and Merge run in the background when thresholds are crossed and can
// be called explicitly. Segments and Stats expose the tree's shape.
//
// # Backup
//
// Backup copies the live segments to a blobstore.Store, uploading only
// segments earlier backups did not archive. Restore creates a database from
// a backup:
//
//	store := blobstore.NewLocalStore("/backups/db1")
//	info, _ := db.Backup(ctx, store)
//	restored, _ := genkv.Restore(ctx, store, "./restored")
//
// # Configuration
//
// Options may be loaded from YAML and GENKV_* environment variables:
//
//	cfg, _ := genkv.LoadConfig("genkv.yaml")
//	_ = cfg.ApplyEnv()
//	db, _ := genkv.OpenConfig(cfg)
package genkv
