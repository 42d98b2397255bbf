package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/probehq/probe/config"
	"github.com/probehq/probe/daemon"
	"github.com/probehq/probe/mcp"
	"github.com/probehq/probe/service"
	"github.com/spf13/cobra"
)

const readyTimeout = 30 * time.Second

var (
	serveWatch      bool
	serveBackground bool
	serveNoMCP      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the index to AI agents over MCP",
	Long: `Start the MCP server on stdin/stdout for the workspace in the current
directory (or its nearest initialized parent).

With --watch the index follows file edits, branch switches and pulls while
the server runs. Logs go to stderr so they never mix with the protocol.

With --background a detached indexing daemon is started instead, without
MCP; stop it with 'probe stop'. Its log is .probe/logs/probe-serve.log.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "Keep the index current while serving")
	serveCmd.Flags().BoolVar(&serveBackground, "background", false, "Start a detached indexing daemon and return")
	serveCmd.Flags().BoolVar(&serveNoMCP, "no-mcp", false, "Only keep the index current, do not speak MCP")
	serveCmd.MarkFlagsMutuallyExclusive("background", "no-mcp")
}

func runServe(cmd *cobra.Command, args []string) error {
	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return err
	}
	logDir := config.GetLogDir(projectRoot)

	if serveBackground {
		return startBackground(logDir)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemonMode := serveNoMCP || daemon.IsBackground()
	if daemonMode {
		if err := daemon.WritePIDFile(logDir); err != nil {
			return err
		}
		defer daemon.RemovePIDFile(logDir)
		defer daemon.RemoveReadyFile(logDir)

		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-daemon.StopRequested(ctx, logDir):
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	svc, err := service.Open(ctx, projectRoot)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Printf("Warning: failed to close workspace: %v", err)
		}
	}()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start indexer: %w", err)
	}
	log.Printf("Serving workspace %s (%s, preset %s, backend %s)",
		projectRoot, svc.Workspace().WorkspaceID, svc.Config().Preset, svc.Config().Store.Backend)

	runCtx, cancelRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(runCtx, serveWatch) }()
	defer func() {
		cancelRun()
		if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Indexing stopped with error: %v", err)
		}
	}()

	if daemonMode {
		if err := daemon.WriteReadyFile(logDir); err != nil {
			return err
		}
		<-ctx.Done()
		log.Println("Shutting down")
		return nil
	}

	return mcp.NewServer(svc).Serve()
}

// startBackground spawns `probe serve --no-mcp` and waits until it reports
// ready or exits.
func startBackground(logDir string) error {
	pid, err := daemon.GetRunningPID(logDir)
	if err != nil {
		return err
	}
	if pid > 0 {
		fmt.Printf("probe daemon is already running (PID %d)\n", pid)
		return nil
	}

	args := []string{"serve", "--no-mcp", fmt.Sprintf("--watch=%t", serveWatch)}
	pid, exited, err := daemon.SpawnBackground(logDir, args)
	if err != nil {
		return err
	}

	deadline := time.After(readyTimeout)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-exited:
			return fmt.Errorf("daemon exited during startup, see %s", daemon.LogFile(logDir))
		case <-deadline:
			return fmt.Errorf("daemon (PID %d) not ready after %s, see %s", pid, readyTimeout, daemon.LogFile(logDir))
		case <-tick.C:
			if daemon.IsReady(logDir) {
				fmt.Println(successStyle.Render(fmt.Sprintf("probe daemon started (PID %d)", pid)))
				fmt.Println(dimStyle.Render("Log: " + daemon.LogFile(logDir)))
				return nil
			}
		}
	}
}
