package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"local":  func(t *testing.T) Store { return NewLocalStore(t.TempDir()) },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			_, err := s.Open(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			data := []byte("hello world, this is a test blob")
			require.NoError(t, s.Put(ctx, "segments/0001", data))
			require.NoError(t, s.Put(ctx, "segments/0002", []byte("x")))
			require.NoError(t, s.Put(ctx, "manifests/a", nil))

			b, err := s.Open(ctx, "segments/0001")
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), b.Size())

			buf := make([]byte, 5)
			n, err := b.ReadAt(ctx, buf, 6)
			require.NoError(t, err)
			assert.Equal(t, 5, n)
			assert.Equal(t, "world", string(buf))

			n, err = b.ReadAt(ctx, make([]byte, 10), int64(len(data))-3)
			assert.Equal(t, 3, n)
			assert.ErrorIs(t, err, io.EOF)
			require.NoError(t, b.Close())

			got, err := ReadAll(ctx, s, "segments/0001")
			require.NoError(t, err)
			assert.Equal(t, data, got)

			empty, err := ReadAll(ctx, s, "manifests/a")
			require.NoError(t, err)
			assert.Empty(t, empty)

			names, err := s.List(ctx, "segments/")
			require.NoError(t, err)
			assert.Equal(t, []string{"segments/0001", "segments/0002"}, names)

			all, err := s.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			require.NoError(t, s.Put(ctx, "segments/0002", []byte("replaced")))
			got, err = ReadAll(ctx, s, "segments/0002")
			require.NoError(t, err)
			assert.Equal(t, "replaced", string(got))

			require.NoError(t, s.Delete(ctx, "segments/0001"))
			require.NoError(t, s.Delete(ctx, "segments/0001"))
			_, err = s.Open(ctx, "segments/0001")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLocalStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a/b/c", []byte("abc")))
	_, err := os.Stat(filepath.Join(dir, "a", "b", "c"))
	require.NoError(t, err)

	// Leftovers of an interrupted Put are not blobs.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", tempPrefix+"123"), []byte("partial"), 0o644))
	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b/c"}, names)
}

func TestLocalStoreListMissingRoot(t *testing.T) {
	s := NewLocalStore(filepath.Join(t.TempDir(), "nope"))
	names, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestReadAllCanceled(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Put(context.Background(), "x", []byte("data")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReadAll(ctx, s, "x")
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStoreUsage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, "a", []byte("12345")))
	require.NoError(t, s.Put(ctx, "b", []byte("12")))
	n, size := s.Usage()
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(7), size)

	require.NoError(t, s.Put(ctx, "a", []byte("1")))
	require.NoError(t, s.Delete(ctx, "b"))
	require.NoError(t, s.Delete(ctx, "missing"))
	n, size = s.Usage()
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), size)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, s.Put(canceled, "c", nil), context.Canceled)
	_, err := s.List(canceled, "")
	require.ErrorIs(t, err, context.Canceled)
}
