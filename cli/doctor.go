package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the services this workspace depends on",
	Long: `Check the storage backend, the embedding service and the reranker, and
verify that the collection matches the embedding width of the preset.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	failed := 0
	for _, c := range svc.Doctor(ctx) {
		mark := successStyle.Render("✓")
		if !c.OK {
			mark = errorStyle.Render("✗")
			failed++
		}
		fmt.Printf("%s %s: %s\n", mark, c.Name, dimStyle.Render(c.Detail))
	}

	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	fmt.Println(successStyle.Render("\nAll checks passed."))
	return nil
}
