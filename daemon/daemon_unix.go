//go:build !windows

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// IsProcessRunning reports whether pid names a live process we may signal.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// detachAttr puts the daemon in its own process group so a Ctrl-C in the
// spawning terminal does not reach it.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// interrupt sends SIGINT. The serve command treats it like the stop file.
func interrupt(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGINT); err != nil {
		return fmt.Errorf("failed to interrupt process %d: %w", pid, err)
	}
	return nil
}

// exitWatch hands the child the write end of a pipe. The kernel closes it
// when the child exits, so the parent's read returns even if the child is
// never reaped.
type exitWatch struct {
	r, w *os.File
}

func newExitWatch() (*exitWatch, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create exit pipe: %w", err)
	}
	return &exitWatch{r: r, w: w}, nil
}

func (e *exitWatch) attach(cmd *exec.Cmd) {
	cmd.ExtraFiles = append(cmd.ExtraFiles, e.w)
}

// wait drops the parent's copy of the write end and returns a channel that
// is closed once the read end sees EOF or fails.
func (e *exitWatch) wait(int) <-chan struct{} {
	e.w.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer e.r.Close()
		var b [1]byte
		for {
			if _, err := e.r.Read(b[:]); err != nil {
				return
			}
		}
	}()
	return done
}

func (e *exitWatch) abort() {
	e.r.Close()
	e.w.Close()
}
