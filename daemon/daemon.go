// Package daemon manages a background `probe serve` process for one
// workspace: its PID file, ready marker, log file and stop signal.
//
// Every workspace keeps these files in its own log directory
// (.probe/logs), so two checkouts can each run a daemon:
//
//	logDir := config.GetLogDir(root)
//	pid, exitCh, err := daemon.SpawnBackground(logDir, []string{"serve", "--no-mcp"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// exitCh is closed when the child exits, which catches early failures.
//
// The child calls WritePIDFile on startup, WriteReadyFile once the service
// is open, and watches StopRequested. `probe stop` reads the PID with
// GetRunningPID and calls Stop, which leaves a stop file naming the PID in
// the same directory and, where the platform has one, sends an interrupt.
//
// The PID file holds a single decimal process ID. Writes are serialized
// with an exclusive lock on a sibling .lock file, held by the daemon until
// it exits or removes its PID file.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/probehq/probe/internal/fileutil"
)

const (
	pidFileName   = "probe-serve.pid"
	logFileName   = "probe-serve.log"
	readyFileName = "probe-serve.ready"
	stopFileName  = "probe-serve.stop"

	stopPollInterval = 500 * time.Millisecond

	// BackgroundEnv is set in the environment of a spawned daemon.
	BackgroundEnv = "PROBE_BACKGROUND"
)

var (
	pidLockMu      sync.Mutex
	releasePIDLock func()
)

// IsBackground reports whether this process was started by SpawnBackground.
func IsBackground() bool {
	return os.Getenv(BackgroundEnv) == "1"
}

// LogFile returns the path the daemon writes its log to.
func LogFile(logDir string) string {
	return filepath.Join(logDir, logFileName)
}

// WritePIDFile records the current process in logDir. It fails when another
// daemon of the same workspace holds the lock. The lock stays held until
// RemovePIDFile or process exit.
func WritePIDFile(logDir string) error {
	pidPath := filepath.Join(logDir, pidFileName)

	release, err := fileutil.TryLockPath(pidPath + ".lock")
	if errors.Is(err, fileutil.ErrLocked) {
		return fmt.Errorf("another probe daemon is running for this workspace (lock held)")
	}
	if err != nil {
		return fmt.Errorf("failed to lock PID file: %w", err)
	}

	if err := fileutil.WriteFileAtomically(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600); err != nil {
		release()
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	pidLockMu.Lock()
	releasePIDLock = release
	pidLockMu.Unlock()
	return nil
}

// ReadPIDFile returns the recorded PID, or 0 when there is no PID file. It
// does not check whether the process is alive; see GetRunningPID.
func ReadPIDFile(logDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(logDir, pidFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file and its lock file, releasing the lock
// if this process holds it.
func RemovePIDFile(logDir string) error {
	pidLockMu.Lock()
	if releasePIDLock != nil {
		releasePIDLock()
		releasePIDLock = nil
	}
	pidLockMu.Unlock()

	pidPath := filepath.Join(logDir, pidFileName)
	_ = os.Remove(pidPath + ".lock")

	if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// GetRunningPID returns the PID of the running daemon, or 0. A PID file left
// behind by a dead process is removed.
func GetRunningPID(logDir string) (int, error) {
	pid, err := ReadPIDFile(logDir)
	if err != nil || pid == 0 {
		return 0, err
	}

	if !IsProcessRunning(pid) {
		_ = RemovePIDFile(logDir)
		_ = RemoveReadyFile(logDir)
		return 0, nil
	}
	return pid, nil
}

// WriteReadyFile marks the daemon as initialized: configuration loaded and
// services opened.
func WriteReadyFile(logDir string) error {
	content := fmt.Sprintf("ready\n%d\n", os.Getpid())
	if err := os.WriteFile(filepath.Join(logDir, readyFileName), []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write ready file: %w", err)
	}
	return nil
}

func RemoveReadyFile(logDir string) error {
	if err := os.Remove(filepath.Join(logDir, readyFileName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove ready file: %w", err)
	}
	return nil
}

func IsReady(logDir string) bool {
	_, err := os.Stat(filepath.Join(logDir, readyFileName))
	return err == nil
}

// SpawnBackground re-executes the current binary detached from the
// terminal, with output appended to the workspace log file and
// PROBE_BACKGROUND=1 in its environment.
//
// The returned channel is closed when the child exits, so callers waiting
// for the ready marker can tell an early failure from a slow start.
func SpawnBackground(logDir string, args []string) (int, <-chan struct{}, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return 0, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return spawnBackgroundWithLog(LogFile(logDir), args)
}

func spawnBackgroundWithLog(logPath string, args []string) (int, <-chan struct{}, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	watch, err := newExitWatch()
	if err != nil {
		return 0, nil, err
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), BackgroundEnv+"=1")
	cmd.SysProcAttr = detachAttr()
	watch.attach(cmd)

	if err := cmd.Start(); err != nil {
		watch.abort()
		return 0, nil, fmt.Errorf("failed to start background process: %w", err)
	}

	return cmd.Process.Pid, watch.wait(cmd.Process.Pid), nil
}

// Stop asks the daemon with the given PID to shut down. The request is a
// stop file in logDir naming the PID, picked up by StopRequested in the
// daemon; on platforms with signals the process is interrupted as well.
func Stop(logDir string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if !IsProcessRunning(pid) {
		return fmt.Errorf("process %d is not running", pid)
	}
	if err := writeStopFile(logDir, pid); err != nil {
		return err
	}
	return interrupt(pid)
}

func writeStopFile(logDir string, pid int) error {
	path := filepath.Join(logDir, stopFileName)
	if err := fileutil.WriteFileAtomically(path, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("failed to write stop file: %w", err)
	}
	return nil
}

// StopRequested returns a channel that is closed once a stop file naming
// this process appears in logDir. A stop file present at call time is left
// over from an earlier daemon and is removed. Polling ends with ctx.
func StopRequested(ctx context.Context, logDir string) <-chan struct{} {
	path := filepath.Join(logDir, stopFileName)
	_ = os.Remove(path)

	self := os.Getpid()
	ch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(stopPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil || pid != self {
				continue
			}
			_ = os.Remove(path)
			close(ch)
			return
		}
	}()
	return ch
}
