package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	pruneOlderThan string
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete index data of workspaces not seen for a while",
	Long: `Delete every point of workspaces whose last activity is older than
--older-than from the shared backend. The current workspace is active and is
never pruned.`,
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().StringVar(&pruneOlderThan, "older-than", "30d", "Age threshold (e.g. 30d, 72h)")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Only list the workspaces that would be pruned")
}

// parseAge accepts Go durations plus a day suffix ("30d").
func parseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid age %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	return d, nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	age, err := parseAge(pruneOlderThan)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	svc, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	if pruneDryRun {
		records, err := svc.Backend().ListWorkspaces(ctx)
		if err != nil {
			return fmt.Errorf("failed to list workspaces: %w", err)
		}
		cutoff := time.Now().Add(-age)
		for _, r := range records {
			if r.LastSeen.Before(cutoff) && r.WorkspaceID != svc.Workspace().WorkspaceID {
				fmt.Printf("%s (%s, last seen %s)\n", r.WorkspaceID, r.RepoID, r.LastSeen.Format(time.DateOnly))
			}
		}
		return nil
	}

	pruned, err := svc.Prune(ctx, age)
	if err != nil {
		return err
	}
	if len(pruned) == 0 {
		fmt.Println("Nothing to prune.")
		return nil
	}
	for _, id := range pruned {
		fmt.Printf("Pruned %s\n", id)
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("Pruned %d workspaces", len(pruned))))
	return nil
}
