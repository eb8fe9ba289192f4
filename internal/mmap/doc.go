// Package mmap maps region files read-only into memory.
//
// The region manager uses it to serve non-exclusive reads of immutable
// segments without copying them through a user-space buffer:
//
//	m, err := mmap.Open(path, mmap.Sequential)
//	if err != nil { ... }
//	defer m.Close()
//
//	n, err := m.ReadAt(buf, off)
//
// The hint is passed to madvise(2) once, right after the file is mapped. On
// Windows the file is mapped with MapViewOfFile and the hint is ignored.
package mmap
