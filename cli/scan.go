package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/probehq/probe/config"
	"github.com/probehq/probe/service"
	"github.com/spf13/cobra"
)

var scanRebuild bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Bring the index up to date once",
	Long: `Reconcile the index with the working tree: new and modified files are
indexed, deleted and newly ignored files are removed. Unchanged files are
skipped by content hash, so a scan of an up-to-date workspace is cheap.

With --rebuild the workspace's points and manifest are dropped first and
every file is embedded again.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanRebuild, "rebuild", false, "Drop the workspace index and index everything again")
}

// openWorkspace opens and starts the workspace around the working directory.
func openWorkspace(ctx context.Context) (*service.Service, error) {
	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return nil, err
	}
	svc, err := service.Open(ctx, projectRoot)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to start indexer: %w", err)
	}
	return svc, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	fmt.Printf("Scanning %s...\n", svc.Root())
	scan := svc.Scan
	if scanRebuild {
		scan = svc.Rebuild
	}
	stats, err := scan(ctx)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	fmt.Println(successStyle.Render("Scan complete"))
	fmt.Printf("  Files checked:  %d\n", stats.Checked)
	fmt.Printf("  Files indexed:  %d (%d chunks)\n", stats.Indexed, stats.Chunks)
	fmt.Printf("  Files removed:  %d\n", stats.Removed)
	if stats.Excluded > 0 {
		fmt.Printf("  Files excluded: %d\n", stats.Excluded)
	}
	if stats.Failed > 0 {
		fmt.Println(warnStyle.Render(fmt.Sprintf("  Files failed:   %d", stats.Failed)))
	}
	fmt.Printf("  Generation:     %d\n", stats.Generation)
	fmt.Println(dimStyle.Render(fmt.Sprintf("  Took %s", stats.Duration.Round(time.Millisecond))))
	return nil
}
