// Package cli implements the probe command line.
package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/probehq/probe/mcp"
	"github.com/spf13/cobra"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	pathStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75"))
)

var rootCmd = &cobra.Command{
	Use:   "probe",
	Short: "Hybrid code search for AI agents",
	Long: `probe keeps a hybrid (semantic + keyword) index of a workspace current
while you edit, and serves it to AI agents over MCP.

Run 'probe init' once in a repository, then 'probe serve --watch' from your
agent's MCP configuration.`,
	Version:       mcp.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is optional; the environment alone is enough.
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			log.Printf("Warning: failed to load .env: %v", err)
		}
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(stopCmd)
}
