//go:build windows

package daemon

import (
	"os/exec"
	"syscall"
	"time"
)

const (
	processQueryLimitedInformation = 0x1000
	stillActive                    = 259

	exitPollInterval = 250 * time.Millisecond
)

// IsProcessRunning reports whether pid names a process that has not exited.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h)

	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// detachAttr starts the daemon in a new process group so console control
// events sent to the spawning terminal do not reach it.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// interrupt is a no-op: a detached console process cannot be sent Ctrl-C,
// so the stop file written by Stop is the only request.
func interrupt(int) error {
	return nil
}

// exitWatch polls the child since handles cannot be passed via ExtraFiles.
type exitWatch struct{}

func newExitWatch() (*exitWatch, error) {
	return &exitWatch{}, nil
}

func (*exitWatch) attach(*exec.Cmd) {}

func (*exitWatch) wait(pid int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for IsProcessRunning(pid) {
			time.Sleep(exitPollInterval)
		}
	}()
	return done
}

func (*exitWatch) abort() {}
