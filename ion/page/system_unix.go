//go:build unix

package page

import (
	"errors"

	"golang.org/x/sys/unix"
)

func mapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapAnon(mem []byte) error {
	err := unix.Munmap(mem)
	if errors.Is(err, unix.EINVAL) {
		// Treat double-unmap as no-op for callers.
		return nil
	}
	return err
}

// Sync performs cache maintenance on mem for a transfer in direction dir.
// mem must start on a page boundary.
func Sync(mem []byte, dir Direction) error {
	if len(mem) == 0 {
		return nil
	}
	var flags int
	switch dir {
	case DirToDevice:
		flags = unix.MS_SYNC
	case DirFromDevice:
		flags = unix.MS_INVALIDATE
	default:
		flags = unix.MS_SYNC | unix.MS_INVALIDATE
	}
	return unix.Msync(mem, flags)
}
