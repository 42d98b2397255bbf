package cli

import (
	"fmt"
	"time"

	"github.com/probehq/probe/config"
	"github.com/probehq/probe/daemon"
	"github.com/spf13/cobra"
)

const stopTimeout = 30 * time.Second

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background daemon of this workspace",
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return err
	}
	logDir := config.GetLogDir(projectRoot)

	pid, err := daemon.GetRunningPID(logDir)
	if err != nil {
		return err
	}
	if pid == 0 {
		fmt.Println("No probe daemon is running for this workspace.")
		return nil
	}

	if err := daemon.Stop(logDir, pid); err != nil {
		return err
	}

	deadline := time.Now().Add(stopTimeout)
	for daemon.IsProcessRunning(pid) {
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon (PID %d) did not stop within %s", pid, stopTimeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = daemon.RemovePIDFile(logDir)
	_ = daemon.RemoveReadyFile(logDir)

	fmt.Printf("Stopped probe daemon (PID %d)\n", pid)
	return nil
}
