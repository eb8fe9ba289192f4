package mmap

import (
	"errors"
	"io"
	"os"
	"sync"
)

// Hint describes how a mapping is going to be read.
type Hint uint8

const (
	Normal Hint = iota
	Sequential
	Random
	WillNeed
)

var (
	// ErrClosed is returned by reads on a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrTooLarge is returned for files that do not fit the address space.
	ErrTooLarge = errors.New("mmap: file too large")
	// ErrInvalidOffset is returned for negative read offsets.
	ErrInvalidOffset = errors.New("mmap: invalid offset")
)

// Mapping is a read-only view of a whole file. Reads hold a shared lock so
// Close never unmaps memory that is being copied from.
type Mapping struct {
	mu      sync.RWMutex
	data    []byte
	size    int
	closed  bool
	release func() error
}

// Open maps the file at path and applies hint. The file descriptor is closed
// before Open returns; the mapping keeps the pages alive.
func Open(path string, hint Hint) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if int64(int(size)) != size {
		return nil, ErrTooLarge
	}
	if size == 0 {
		return &Mapping{}, nil
	}

	data, release, err := mapFile(f, int(size), hint)
	if err != nil {
		return nil, &os.PathError{Op: "mmap", Path: path, Err: err}
	}
	return &Mapping{data: data, size: len(data), release: release}, nil
}

// Size returns the mapped length. It stays valid after Close.
func (m *Mapping) Size() int {
	return m.size
}

// ReadAt implements io.ReaderAt.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidOffset
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	if off >= int64(len(m.data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close unmaps the file. Calling it again is a no-op.
func (m *Mapping) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.data = nil
	if m.release == nil {
		return nil
	}
	return m.release()
}
