package fileutil

import (
	"errors"
	"fmt"
	"os"
)

// ErrLocked is returned by TryLockPath when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

type lockMode int

const (
	lockShared lockMode = iota
	lockExclusive
)

// LockPath opens (creating if needed) the lock file at path and waits for
// an exclusive or shared lock on it. The returned func releases the lock.
func LockPath(path string, exclusive bool) (func(), error) {
	mode := lockShared
	if exclusive {
		mode = lockExclusive
	}
	return acquire(path, mode, true)
}

// TryLockPath takes an exclusive lock on path without waiting.
func TryLockPath(path string) (func(), error) {
	return acquire(path, lockExclusive, false)
}

func acquire(path string, mode lockMode, wait bool) (func(), error) {
	if err := EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := lockFile(f, mode, wait); err != nil {
		f.Close()
		return nil, err
	}

	return func() {
		_ = unlockFile(f)
		f.Close()
	}, nil
}
