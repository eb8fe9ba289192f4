package region

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hupe1980/genkv/internal/errs"
	"github.com/hupe1980/genkv/internal/fs"
	"github.com/hupe1980/genkv/internal/mmap"
)

const filePrefix = "region-"

// FileName returns the name of the file holding addr.
func FileName(addr uint64) string {
	return fmt.Sprintf("%s%016x", filePrefix, addr)
}

func parseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) {
		return 0, false
	}
	hex := strings.TrimPrefix(name, filePrefix)
	if len(hex) != 16 {
		return 0, false
	}
	addr, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, false
	}
	return addr, true
}

// Option configures a FileManager.
type Option func(*FileManager)

// WithFileSystem sets the file system regions are stored on.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(m *FileManager) {
		if fsys != nil {
			m.fs = fsys
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *FileManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithReserved keeps Alloc from handing out addresses below n.
func WithReserved(n uint64) Option {
	return func(m *FileManager) {
		m.reserved = n
	}
}

// FileManager stores each region in its own file under a directory.
type FileManager struct {
	*tracker

	dir      string
	fs       fs.FileSystem
	logger   *slog.Logger
	reserved uint64

	mu   sync.Mutex
	maps map[uint64]*sharedMapping
}

type sharedMapping struct {
	m    *mmap.Mapping
	refs int
}

// OpenFileManager opens (creating if needed) the region directory dir.
func OpenFileManager(dir string, opts ...Option) (*FileManager, error) {
	m := &FileManager{
		dir:    dir,
		fs:     fs.Default,
		logger: slog.New(slog.DiscardHandler),
		maps:   make(map[uint64]*sharedMapping),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.tracker = newTracker(m.reserved, m.remove)

	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create region dir: %w", err)
	}

	entries, err := m.fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list region dir: %w", err)
	}
	for _, e := range entries {
		addr, ok := parseFileName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		fi, err := m.fs.Stat(m.path(addr))
		if err != nil {
			return nil, err
		}
		m.extents[addr] = uint64(fi.Size())
	}

	m.logger.Debug("region manager opened", "dir", dir, "regions", len(m.extents))

	return m, nil
}

func (m *FileManager) path(addr uint64) string {
	return filepath.Join(m.dir, FileName(addr))
}

func (m *FileManager) remove(addr uint64) error {
	err := m.fs.Remove(m.path(addr))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove region %#x: %w", addr, err)
	}
	return nil
}

func (m *FileManager) Read(addr uint64) (Reader, error) {
	if err := m.acquire(addr); err != nil {
		return nil, err
	}

	f, err := m.fs.OpenFile(m.path(addr), os.O_RDONLY, 0)
	if err != nil {
		_ = m.release(addr)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("region %#x: %w", addr, errs.ErrNotFound)
		}
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = m.release(addr)
		return nil, err
	}

	return newReader(f, fi.Size(), func() error {
		cerr := f.Close()
		if err := m.release(addr); err != nil {
			return err
		}
		return cerr
	}), nil
}

// ReadNonExclusive shares one read-only mapping between all concurrent
// readers of addr. File systems other than the local one fall back to Read.
func (m *FileManager) ReadNonExclusive(addr uint64) (Reader, error) {
	if _, ok := m.fs.(fs.LocalFS); !ok {
		return m.Read(addr)
	}
	if err := m.acquire(addr); err != nil {
		return nil, err
	}

	m.mu.Lock()
	sm, ok := m.maps[addr]
	if !ok {
		mp, err := mmap.Open(m.path(addr), mmap.Sequential)
		if err != nil {
			m.mu.Unlock()
			_ = m.release(addr)
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("region %#x: %w", addr, errs.ErrNotFound)
			}
			return nil, err
		}
		sm = &sharedMapping{m: mp}
		m.maps[addr] = sm
	}
	sm.refs++
	m.mu.Unlock()

	return newReader(sm.m, int64(sm.m.Size()), func() error {
		m.mu.Lock()
		sm.refs--
		var cerr error
		if sm.refs == 0 {
			delete(m.maps, addr)
			cerr = sm.m.Close()
		}
		m.mu.Unlock()

		if err := m.release(addr); err != nil {
			return err
		}
		return cerr
	}), nil
}

func (m *FileManager) WriteFresh(addr, length uint64) (Writer, error) {
	if err := m.beginWrite(addr, length); err != nil {
		return nil, err
	}

	f, err := m.fs.OpenFile(m.path(addr), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create region %#x: %w", addr, err)
	}
	if err := f.Truncate(int64(length)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("size region %#x: %w", addr, err)
	}
	if err := m.fs.SyncDir(m.dir); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sync region directory: %w", err)
	}

	return &fileWriter{f: f, addr: addr, limit: int64(length)}, nil
}

func (m *FileManager) WriteExisting(addr uint64) (Writer, error) {
	f, err := m.fs.OpenFile(m.path(addr), os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("region %#x: %w", addr, errs.ErrNotFound)
		}
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := m.beginWrite(addr, uint64(fi.Size())); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &fileWriter{f: f, addr: addr, limit: fi.Size()}, nil
}

func (m *FileManager) Dispose(addr uint64) error {
	return m.dispose(addr)
}

func (m *FileManager) NotifySafeToFree(addr uint64, fn func(uint64)) {
	m.notify(addr, fn)
}

func (m *FileManager) Alloc(size uint64) (uint64, error) {
	return m.alloc(size)
}

func (m *FileManager) List() ([]uint64, error) {
	entries, err := m.fs.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var out []uint64
	for _, e := range entries {
		if addr, ok := parseFileName(e.Name()); ok && !e.IsDir() {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Close releases every shared mapping. Readers still open afterwards keep
// their own file handles valid but must not be used.
func (m *FileManager) Close() error {
	if !m.close() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var first error
	for addr, sm := range m.maps {
		if err := sm.m.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.maps, addr)
	}
	return first
}

type fileWriter struct {
	f     fs.File
	addr  uint64
	off   int64
	limit int64
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

func (w *fileWriter) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > w.limit {
		return 0, fmt.Errorf("write [%d,%d) past region %#x of %d bytes: %w",
			off, off+int64(len(p)), w.addr, w.limit, errs.ErrCapacity)
	}
	return w.f.WriteAt(p, off)
}

func (w *fileWriter) Sync() error {
	return w.f.Sync()
}

func (w *fileWriter) Close() error {
	return w.f.Close()
}

var _ io.WriterAt = (*fileWriter)(nil)
