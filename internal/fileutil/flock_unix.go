//go:build !windows

package fileutil

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// flock(2) locks belong to the open file description, so two opens of the
// same path conflict even inside one process.
func lockFile(f *os.File, mode lockMode, wait bool) error {
	how := syscall.LOCK_SH
	if mode == lockExclusive {
		how = syscall.LOCK_EX
	}
	if !wait {
		how |= syscall.LOCK_NB
	}

	for {
		err := syscall.Flock(int(f.Fd()), how)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, syscall.EINTR):
			continue
		case errors.Is(err, syscall.EWOULDBLOCK):
			return ErrLocked
		}
		return fmt.Errorf("failed to lock %s: %w", f.Name(), err)
	}
}

func unlockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
