package daemon

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestPIDFileLifecycle(t *testing.T) {
	skipIfWindows(t)
	logDir := filepath.Join(t.TempDir(), "logs")

	pid, err := ReadPIDFile(logDir)
	if err != nil {
		t.Fatalf("ReadPIDFile() failed: %v", err)
	}
	if pid != 0 {
		t.Errorf("Expected no PID, got %d", pid)
	}

	if err := WritePIDFile(logDir); err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(logDir, "probe-serve.pid")); err != nil {
		t.Fatalf("PID file was not created: %v", err)
	}

	pid, err = GetRunningPID(logDir)
	if err != nil {
		t.Fatalf("GetRunningPID() failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("GetRunningPID() = %d, want %d", pid, os.Getpid())
	}

	if err := RemovePIDFile(logDir); err != nil {
		t.Fatalf("RemovePIDFile() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(logDir, "probe-serve.pid.lock")); !os.IsNotExist(err) {
		t.Error("lock file still exists after removal")
	}
	if err := RemovePIDFile(logDir); err != nil {
		t.Fatalf("RemovePIDFile() failed on non-existent file: %v", err)
	}
}

func TestWritePIDFile_SecondDaemonRejected(t *testing.T) {
	skipIfWindows(t)
	logDir := t.TempDir()

	if err := WritePIDFile(logDir); err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}
	t.Cleanup(func() { _ = RemovePIDFile(logDir) })
	err := WritePIDFile(logDir)
	if err == nil {
		t.Fatal("second WritePIDFile() should fail while the lock is held")
	}
	if !strings.Contains(err.Error(), "lock held") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReadPIDFile_InvalidContent(t *testing.T) {
	logDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(logDir, "probe-serve.pid"), []byte("not-a-number\n"), 0644); err != nil {
		t.Fatalf("Failed to write invalid PID file: %v", err)
	}

	if _, err := ReadPIDFile(logDir); err == nil {
		t.Fatal("ReadPIDFile() should have failed with invalid content")
	}
}

func TestGetRunningPID_CleansStaleFiles(t *testing.T) {
	logDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(logDir, "probe-serve.pid"), []byte("9999999\n"), 0644); err != nil {
		t.Fatalf("Failed to write PID file: %v", err)
	}
	if err := WriteReadyFile(logDir); err != nil {
		t.Fatalf("WriteReadyFile() failed: %v", err)
	}
	if IsProcessRunning(9999999) {
		t.Skip("PID 9999999 is running on this machine")
	}

	pid, err := GetRunningPID(logDir)
	if err != nil {
		t.Fatalf("GetRunningPID() failed: %v", err)
	}
	if pid != 0 {
		t.Errorf("GetRunningPID() = %d, want 0", pid)
	}
	if _, err := os.Stat(filepath.Join(logDir, "probe-serve.pid")); !os.IsNotExist(err) {
		t.Error("stale PID file was not removed")
	}
	if IsReady(logDir) {
		t.Error("stale ready file was not removed")
	}
}

func TestReadyFileLifecycle(t *testing.T) {
	logDir := t.TempDir()

	if IsReady(logDir) {
		t.Fatal("IsReady() should be false before write")
	}
	if err := WriteReadyFile(logDir); err != nil {
		t.Fatalf("WriteReadyFile() failed: %v", err)
	}
	if !IsReady(logDir) {
		t.Fatal("IsReady() should be true after write")
	}
	if err := RemoveReadyFile(logDir); err != nil {
		t.Fatalf("RemoveReadyFile() failed: %v", err)
	}
	if IsReady(logDir) {
		t.Fatal("IsReady() should be false after remove")
	}
	if err := RemoveReadyFile(logDir); err != nil {
		t.Fatalf("RemoveReadyFile() failed on non-existent file: %v", err)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !IsProcessRunning(os.Getpid()) {
		t.Error("IsProcessRunning() returned false for current process")
	}
	if IsProcessRunning(0) {
		t.Error("IsProcessRunning() returned true for PID 0")
	}
	if IsProcessRunning(-1) {
		t.Error("IsProcessRunning() returned true for negative PID")
	}
}

func TestIsBackground(t *testing.T) {
	t.Setenv(BackgroundEnv, "")
	if IsBackground() {
		t.Error("IsBackground() should be false without the environment variable")
	}
	t.Setenv(BackgroundEnv, "1")
	if !IsBackground() {
		t.Error("IsBackground() should be true with PROBE_BACKGROUND=1")
	}
}

func TestSpawnBackgroundErrors(t *testing.T) {
	base := t.TempDir()
	logDirFile := filepath.Join(base, "not-a-dir")
	if err := os.WriteFile(logDirFile, []byte("x"), 0600); err != nil {
		t.Fatalf("failed to create log dir blocker file: %v", err)
	}

	if _, _, err := SpawnBackground(logDirFile, []string{"serve"}); err == nil {
		t.Fatal("SpawnBackground() should fail when logDir is a file")
	}

	logPath := filepath.Join(base, "missing-dir", "serve.log")
	if _, _, err := spawnBackgroundWithLog(logPath, []string{"serve"}); err == nil {
		t.Fatal("spawnBackgroundWithLog() should fail when log file parent does not exist")
	}
}

func TestStopInvalidPID(t *testing.T) {
	logDir := t.TempDir()
	for _, pid := range []int{0, -1} {
		if err := Stop(logDir, pid); err == nil {
			t.Fatalf("Stop(%d) should fail", pid)
		}
	}
	if _, err := os.Stat(filepath.Join(logDir, stopFileName)); !os.IsNotExist(err) {
		t.Error("Stop() with an invalid pid should not leave a stop file")
	}
}

func TestStopRequested_FiresForOwnPID(t *testing.T) {
	logDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := StopRequested(ctx, logDir)
	if err := writeStopFile(logDir, os.Getpid()); err != nil {
		t.Fatalf("writeStopFile() failed: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("StopRequested did not fire after the stop file was written")
	}
	if _, err := os.Stat(filepath.Join(logDir, stopFileName)); !os.IsNotExist(err) {
		t.Error("stop file should be consumed")
	}
}

func TestStopRequested_IgnoresStaleAndForeignFiles(t *testing.T) {
	logDir := t.TempDir()
	if err := writeStopFile(logDir, os.Getpid()); err != nil {
		t.Fatalf("writeStopFile() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := StopRequested(ctx, logDir)

	if _, err := os.Stat(filepath.Join(logDir, stopFileName)); !os.IsNotExist(err) {
		t.Fatal("a stop file present at startup should be removed")
	}
	if err := writeStopFile(logDir, os.Getpid()+1); err != nil {
		t.Fatalf("writeStopFile() failed: %v", err)
	}

	select {
	case <-ch:
		t.Fatal("StopRequested fired for another process's stop file")
	case <-time.After(3 * stopPollInterval):
	}
}

func TestStopRequested_EndsWithContext(t *testing.T) {
	logDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	ch := StopRequested(ctx, logDir)
	cancel()

	if err := writeStopFile(logDir, os.Getpid()); err != nil {
		t.Fatalf("writeStopFile() failed: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("StopRequested fired after its context was cancelled")
	case <-time.After(3 * stopPollInterval):
	}
}

func TestRemovePIDFile_ReleasesLock(t *testing.T) {
	logDir := t.TempDir()
	if err := WritePIDFile(logDir); err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}
	if err := RemovePIDFile(logDir); err != nil {
		t.Fatalf("RemovePIDFile() failed: %v", err)
	}
	if err := WritePIDFile(logDir); err != nil {
		t.Fatalf("WritePIDFile() after removal failed: %v", err)
	}
	_ = RemovePIDFile(logDir)
}

func TestLogFile(t *testing.T) {
	got := LogFile(filepath.Join("ws", ".probe", "logs"))
	if filepath.Base(got) != "probe-serve.log" {
		t.Errorf("LogFile() = %s", got)
	}
}

func skipIfWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping on Windows: cannot delete locked files")
	}
}
