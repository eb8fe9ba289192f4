//go:build unix

package mmap

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var advice = [...]int{
	Normal:     unix.MADV_NORMAL,
	Sequential: unix.MADV_SEQUENTIAL,
	Random:     unix.MADV_RANDOM,
	WillNeed:   unix.MADV_WILLNEED,
}

func mapFile(f *os.File, size int, hint Hint) ([]byte, func() error, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	if hint != Normal && int(hint) < len(advice) {
		// EINVAL only means the kernel rejected the hint.
		if err := unix.Madvise(data, advice[hint]); err != nil && !errors.Is(err, unix.EINVAL) {
			_ = unix.Munmap(data)
			return nil, nil, err
		}
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
