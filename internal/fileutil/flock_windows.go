//go:build windows

package fileutil

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

var (
	kernel32         = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = kernel32.NewProc("LockFileEx")
	procUnlockFileEx = kernel32.NewProc("UnlockFileEx")
)

const (
	lockfileFailImmediately = 0x1
	lockfileExclusiveLock   = 0x2

	errLockViolation syscall.Errno = 33
)

// Lock files are locked as a single byte at offset 0.
func lockFile(f *os.File, mode lockMode, wait bool) error {
	var flags uintptr
	if mode == lockExclusive {
		flags |= lockfileExclusiveLock
	}
	if !wait {
		flags |= lockfileFailImmediately
	}

	var ol syscall.Overlapped
	r, _, err := procLockFileEx.Call(f.Fd(), flags, 0, 1, 0, uintptr(unsafe.Pointer(&ol)))
	if r != 0 {
		return nil
	}
	if errors.Is(err, errLockViolation) {
		return ErrLocked
	}
	return fmt.Errorf("failed to lock %s: %w", f.Name(), err)
}

func unlockFile(f *os.File) error {
	var ol syscall.Overlapped
	r, _, err := procUnlockFileEx.Call(f.Fd(), 0, 1, 0, uintptr(unsafe.Pointer(&ol)))
	if r == 0 {
		return fmt.Errorf("failed to unlock %s: %w", f.Name(), err)
	}
	return nil
}
