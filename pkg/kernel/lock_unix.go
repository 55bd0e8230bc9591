//go:build !windows

// pkg/kernel/lock_unix.go
package kernel

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockDir acquires an exclusive, non-blocking advisory lock on the data
// directory's LOCK file, so only one kernel instance ever opens a given
// data directory (spec.md §5: "single-writer-per-branch is necessary but
// not sufficient; the data directory itself is single-owner").
func lockDir(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if err == unix.EWOULDBLOCK {
			return ErrDataDirLocked
		}
		return err
	}
	return nil
}

// unlockDir releases the lock acquired by lockDir.
func unlockDir(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
