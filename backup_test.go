package genkv

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/genkv/blobstore"
	"github.com/hupe1980/genkv/internal/backup"
)

func fill(t *testing.T, db *DB, prefix string, n int) {
	t.Helper()
	for i := range n {
		require.NoError(t, db.SetValue(Path(fmt.Sprintf("%s/%03d", prefix, i)), []byte(fmt.Sprint(i))))
	}
}

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	db := openTest(t, t.TempDir())
	defer db.Close()

	fill(t, db, "a", 30)
	require.NoError(t, db.Flush(ctx))
	fill(t, db, "b", 10)

	first, err := db.Backup(ctx, store)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 2, first.Segments)
	assert.Equal(t, 2, first.Uploaded)
	assert.Positive(t, first.Bytes)

	require.NoError(t, db.Delete(Path("a/005")))
	fill(t, db, "c", 5)

	second, err := db.Backup(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.Parent)
	assert.Equal(t, first.Seq+1, second.Seq)
	assert.Equal(t, 3, second.Segments)
	assert.Equal(t, 1, second.Uploaded, "earlier segments are not uploaded again")

	want := keysOf(t, db)

	restored, err := Restore(ctx, store, t.TempDir(), RestoreWith(testOptions()...))
	require.NoError(t, err)
	defer restored.Close()
	assert.Equal(t, want, keysOf(t, restored))

	segs, err := restored.Segments()
	require.NoError(t, err)
	orig, err := db.Segments()
	require.NoError(t, err)
	require.Len(t, segs, len(orig))
	for i := range segs {
		assert.Equal(t, orig[i].Uniq, segs[i].Uniq)
		assert.Equal(t, orig[i].Generation, segs[i].Generation)
	}

	t.Run("by id", func(t *testing.T) {
		old, err := Restore(ctx, store, t.TempDir(), RestoreID(first.ID), RestoreWith(testOptions()...))
		require.NoError(t, err)
		defer old.Close()
		assert.Len(t, keysOf(t, old), 40)
	})

	t.Run("restored database keeps backing up", func(t *testing.T) {
		require.NoError(t, restored.SetValue(Path("d/1"), []byte("new")))
		third, err := restored.Backup(ctx, store)
		require.NoError(t, err)
		assert.Equal(t, 1, third.Uploaded)
		assert.Equal(t, second.ID, third.Parent)
	})

	t.Run("list and prune", func(t *testing.T) {
		list, err := Backups(ctx, store)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, first.ID, list[0].ID)

		deleted, err := PruneBackups(ctx, store, 1)
		require.NoError(t, err)
		assert.Positive(t, deleted)

		list, err = Backups(ctx, store)
		require.NoError(t, err)
		require.Len(t, list, 1)

		latest, err := Restore(ctx, store, t.TempDir(), RestoreWith(testOptions()...))
		require.NoError(t, err)
		defer latest.Close()
		v, err := latest.Get(Path("d/1"))
		require.NoError(t, err)
		assert.Equal(t, "new", string(v))
	})
}

func TestBackup_EmptyDatabase(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	db := openTest(t, t.TempDir())
	defer db.Close()

	info, err := db.Backup(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Segments)

	restored, err := Restore(ctx, store, t.TempDir(), RestoreWith(testOptions()...))
	require.NoError(t, err)
	defer restored.Close()
	assert.Empty(t, keysOf(t, restored))
}

func TestRestore_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no backup", func(t *testing.T) {
		_, err := Restore(ctx, blobstore.NewMemoryStore(), t.TempDir())
		assert.ErrorIs(t, err, ErrNoBackup)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := Restore(ctx, blobstore.NewMemoryStore(), t.TempDir(), RestoreID("nope"))
		assert.ErrorIs(t, err, ErrNoBackup)
	})

	t.Run("corrupt segment", func(t *testing.T) {
		store := blobstore.NewMemoryStore()
		db := openTest(t, t.TempDir())
		defer db.Close()
		fill(t, db, "x", 10)
		_, err := db.Backup(ctx, store)
		require.NoError(t, err)

		segs, err := db.Segments()
		require.NoError(t, err)
		require.Len(t, segs, 1)
		require.NoError(t, store.Put(ctx, backup.SegmentBlobName(segs[0].Uniq), []byte("garbage")))

		_, err = Restore(ctx, store, t.TempDir(), RestoreWith(testOptions()...))
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("existing database", func(t *testing.T) {
		store := blobstore.NewMemoryStore()
		dir := t.TempDir()
		db := openTest(t, dir)
		fill(t, db, "x", 3)
		_, err := db.Backup(ctx, store)
		require.NoError(t, err)
		require.NoError(t, db.Close())

		_, err = Restore(ctx, store, dir, RestoreWith(testOptions()...))
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestBackup_LocalStore(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewLocalStore(t.TempDir())

	db := openTest(t, t.TempDir())
	defer db.Close()
	fill(t, db, "l", 20)

	_, err := db.Backup(ctx, store)
	require.NoError(t, err)

	restored, err := Restore(ctx, store, t.TempDir(), RestoreWith(testOptions()...))
	require.NoError(t, err)
	defer restored.Close()
	assert.Equal(t, keysOf(t, db), keysOf(t, restored))
}
