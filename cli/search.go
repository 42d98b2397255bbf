package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/alpkeskin/gotoon"
	"github.com/probehq/probe/search"
	"github.com/spf13/cobra"
)

var (
	searchTopK        int
	searchMode        string
	searchInstruction string
	searchLanguages   []string
	searchKinds       []string
	searchInclude     []string
	searchExclude     []string
	searchJSON        bool
	searchTOON        bool
	searchCompact     bool
)

// SearchResultCompactJSON is a minimal struct for compact output (no snippets)
type SearchResultCompactJSON struct {
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
	Stale     bool    `json:"stale"`
	Symbol    string  `json:"symbol,omitempty"`
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the workspace with natural language or identifiers",
	Long: `Search the workspace index.

The search will:
- Match the query semantically (embeddings) and lexically (BM25)
- Fuse both rankings, and rerank the best candidates in quality mode
- Read snippets from disk and flag results whose file changed since indexing`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "n", 0, "Number of results (default from config)")
	searchCmd.Flags().StringVarP(&searchMode, "mode", "m", "auto", "Search mode: fast, quality or auto")
	searchCmd.Flags().StringVar(&searchInstruction, "instruction", "", "Steering instruction for the reranker")
	searchCmd.Flags().StringSliceVar(&searchLanguages, "lang", nil, "Only these languages (e.g. go,python)")
	searchCmd.Flags().StringSliceVar(&searchKinds, "kind", nil, "Only these chunk kinds (code, doc, config)")
	searchCmd.Flags().StringArrayVar(&searchInclude, "include", nil, "Only paths matching this glob (can be repeated)")
	searchCmd.Flags().StringArrayVar(&searchExclude, "exclude", nil, "Skip paths matching this glob (can be repeated)")
	searchCmd.Flags().BoolVarP(&searchJSON, "json", "j", false, "Output results in JSON format (for AI agents)")
	searchCmd.Flags().BoolVarP(&searchTOON, "toon", "t", false, "Output results in TOON format (token-efficient for AI agents)")
	searchCmd.Flags().BoolVarP(&searchCompact, "compact", "c", false, "Output minimal format without snippets (requires --json or --toon)")
	searchCmd.MarkFlagsMutuallyExclusive("json", "toon")
}

func runSearch(cmd *cobra.Command, args []string) error {
	if searchCompact && !searchJSON && !searchTOON {
		return fmt.Errorf("--compact requires --json or --toon")
	}
	mode, err := search.ParseMode(searchMode)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	svc, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	results, err := svc.Search(ctx, search.Request{
		Query:       args[0],
		TopK:        searchTopK,
		Mode:        mode,
		Instruction: searchInstruction,
		Filters: search.Filters{
			Languages:    searchLanguages,
			ChunkKinds:   searchKinds,
			IncludeGlobs: searchInclude,
			ExcludeGlobs: searchExclude,
		},
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	switch {
	case searchJSON:
		return outputSearchJSON(results)
	case searchTOON:
		return outputSearchTOON(results)
	}
	printResults(args[0], results)
	return nil
}

func compactResults(results []search.Result) []SearchResultCompactJSON {
	out := make([]SearchResultCompactJSON, len(results))
	for i, r := range results {
		out[i] = SearchResultCompactJSON{
			Path:      r.Path,
			StartLine: r.StartLine,
			EndLine:   r.EndLine,
			Score:     r.Score,
			Stale:     r.Stale,
			Symbol:    r.Symbol,
		}
	}
	return out
}

func outputSearchJSON(results []search.Result) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if searchCompact {
		return encoder.Encode(compactResults(results))
	}
	if results == nil {
		results = []search.Result{}
	}
	return encoder.Encode(results)
}

func outputSearchTOON(results []search.Result) error {
	var data any = results
	if searchCompact {
		data = compactResults(results)
	}
	output, err := gotoon.Encode(data)
	if err != nil {
		return fmt.Errorf("failed to encode TOON: %w", err)
	}
	fmt.Println(output)
	return nil
}

func printResults(query string, results []search.Result) {
	if len(results) == 0 {
		fmt.Println("No results found.")
		return
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Found %d results for: %q", len(results), query)))
	fmt.Println()

	for i, r := range results {
		header := fmt.Sprintf("─── Result %d (score: %.4f) ───", i+1, r.Score)
		fmt.Println(dimStyle.Render(header))
		line := pathStyle.Render(r.Source)
		if r.Symbol != "" {
			line += " " + dimStyle.Render(r.Symbol)
		}
		if r.Stale {
			line += " " + warnStyle.Render("[stale]")
		}
		fmt.Println(line)
		if r.Span != nil {
			fmt.Println(dimStyle.Render(fmt.Sprintf("  merged: L%d-L%d", r.Span.StartLine, r.Span.EndLine)))
		}
		fmt.Println()

		n := r.SnippetLine
		for _, text := range strings.Split(r.Snippet, "\n") {
			if text == "..." {
				fmt.Println(dimStyle.Render("     ..."))
				continue
			}
			fmt.Printf("%4d │ %s\n", n, text)
			n++
		}

		for _, rel := range r.Related {
			fmt.Println(dimStyle.Render(fmt.Sprintf("  related: %s#L%d-L%d", rel.Path, rel.StartLine, rel.EndLine)))
		}
		fmt.Println()
	}
}
