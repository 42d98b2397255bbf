package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/probehq/probe/config"
	"github.com/probehq/probe/daemon"
	"github.com/probehq/probe/service"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index health of this workspace",
	Long: `Show the health of the workspace index: counts, generation, last scan,
backend reachability, which retrieval signals are available and whether a
background daemon is running.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusJSON, "json", "j", false, "Output status in JSON format")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	st := svc.IndexStatus(ctx)

	pid, err := daemon.GetRunningPID(config.GetLogDir(svc.Root()))
	if err != nil {
		pid = 0
	}
	if pid > 0 && !st.WatcherRunning {
		st.WatcherRunning = true
		st.WatcherState = fmt.Sprintf("running in daemon (PID %d)", pid)
	}

	if statusJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(st)
	}
	printStatus(svc.Root(), st)
	return nil
}

func printStatus(root string, st service.Status) {
	fmt.Println(titleStyle.Render("probe status"))
	fmt.Printf("  Workspace:  %s\n", root)
	fmt.Printf("  ID:         %s\n", st.WorkspaceID)
	fmt.Printf("  Repo:       %s\n", st.RepoID)
	fmt.Printf("  Preset:     %s (%s)\n", st.Preset, st.Model)
	fmt.Println()

	fmt.Printf("  Files:      %d (%d chunks)\n", st.FilesIndexed, st.ChunksIndexed)
	if st.FilesWithErrors > 0 {
		fmt.Println(warnStyle.Render(fmt.Sprintf("  Errors:     %d files", st.FilesWithErrors)))
	}
	fmt.Printf("  Generation: %d\n", st.IndexGeneration)
	if st.LastScanTime != nil {
		fmt.Printf("  Last scan:  %s (%s ago)\n", st.LastScanTime.Local().Format(time.DateTime),
			time.Since(*st.LastScanTime).Round(time.Second))
	} else {
		fmt.Println("  Last scan:  never")
	}
	fmt.Printf("  Watcher:    %s\n", st.WatcherState)
	fmt.Println()

	fmt.Printf("  Backend:    %s %s\n", st.Backend, flag(st.BackendReachable))
	fmt.Printf("  Dense:      %s\n", flag(st.DenseAvailable))
	fmt.Printf("  BM25:       %s\n", flag(st.BM25Available))
	switch {
	case !st.RerankerConfigured:
		fmt.Println("  Reranker:   " + dimStyle.Render("not configured"))
	default:
		fmt.Printf("  Reranker:   %s\n", flag(st.RerankerAvailable))
	}

	if st.IndexingPaused {
		fmt.Println(warnStyle.Render("\n  Indexing is paused until the backend is reachable."))
	}
	if st.MismatchWarning != "" {
		fmt.Println(errorStyle.Render("\n  " + st.MismatchWarning))
	}
	if st.LastError != "" {
		fmt.Println(dimStyle.Render("  Last error: " + st.LastError))
	}
}

func flag(ok bool) string {
	if ok {
		return successStyle.Render("available")
	}
	return errorStyle.Render("unavailable")
}
