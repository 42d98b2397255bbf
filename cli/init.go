package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/probehq/probe/config"
	"github.com/probehq/probe/git"
	"github.com/spf13/cobra"
)

var (
	initPreset         string
	initProvider       string
	initBackend        string
	initNonInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize probe in the current directory",
	Long: `Initialize probe by creating a .probe directory in the current directory.

This command will:
- Create .probe/workspace.yaml with a new workspace id and the repository id
- Create .probe/config.yaml with the settings of the chosen preset
- Add .probe/ to .gitignore

Running it again keeps the workspace id; pass --preset to switch presets.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initPreset, "preset", "", "Model preset ("+strings.Join(config.PresetNames(), ", ")+")")
	initCmd.Flags().StringVarP(&initProvider, "provider", "p", "", "Embedding provider (tei or openai)")
	initCmd.Flags().StringVarP(&initBackend, "backend", "b", "", "Storage backend (qdrant, postgres or gob)")
	initCmd.Flags().BoolVar(&initNonInteractive, "yes", false, "Use defaults without prompting")
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	if config.Exists(cwd) {
		return switchPreset(cwd)
	}

	cfg := config.DefaultConfig()
	preset := initPreset

	if !initNonInteractive {
		reader := bufio.NewReader(os.Stdin)

		if preset == "" {
			fmt.Println("\nSelect model preset:")
			for i, name := range config.PresetNames() {
				p := config.Presets[name]
				rerank := "no reranker"
				if p.Reranker {
					rerank = "reranker " + p.RerankerModel
				}
				fmt.Printf("  %d) %s (%s, %d dimensions, %s)\n", i+1, name, p.EmbeddingModel, p.Dimensions, rerank)
			}
			fmt.Printf("Choice [%s]: ", config.DefaultPreset)
			preset = presetChoice(readLine(reader))
		}

		if initBackend == "" {
			fmt.Println("\nSelect storage backend:")
			fmt.Println("  1) qdrant (shared index server, recommended)")
			fmt.Println("  2) postgres (PostgreSQL with pgvector)")
			fmt.Println("  3) gob (local file, single workspace)")
			fmt.Print("Choice [1]: ")

			switch readLine(reader) {
			case "2", "postgres":
				cfg.Store.Backend = "postgres"
				fmt.Print("PostgreSQL DSN [postgres://localhost:5432/probe]: ")
				dsn := readLine(reader)
				if dsn == "" {
					dsn = "postgres://localhost:5432/probe"
				}
				cfg.Store.Postgres.DSN = dsn
			case "3", "gob":
				cfg.Store.Backend = "gob"
			default:
				cfg.Store.Backend = "qdrant"
			}
		}
	}

	if initProvider != "" {
		cfg.Embedder.Provider = initProvider
		if initProvider == "openai" {
			cfg.Embedder.Endpoint = "https://api.openai.com/v1"
		}
	}
	if initBackend != "" {
		cfg.Store.Backend = initBackend
	}

	ws, _, err := config.InitWorkspace(cwd, git.RepoID(cwd), preset)
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := cfg.SetPreset(ws.Preset); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(cwd); err != nil {
		return err
	}

	fmt.Println(successStyle.Render("\nprobe initialized successfully!"))
	fmt.Printf("  Workspace: %s\n", ws.WorkspaceID)
	fmt.Printf("  Repo:      %s\n", ws.RepoID)
	fmt.Printf("  Preset:    %s (%s)\n", cfg.Preset, cfg.Embedder.Model)
	fmt.Printf("  Backend:   %s\n", cfg.Store.Backend)
	fmt.Printf("  Config:    %s\n", config.GetConfigPath(cwd))
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Start your embedding service (TEI on " + cfg.Embedder.Endpoint + ")")
	fmt.Println("  2. Run 'probe doctor' to check the setup")
	fmt.Println("  3. Add 'probe serve --watch' to your agent's MCP servers")

	return nil
}

// switchPreset updates an initialized workspace. The workspace id never
// changes; the new preset indexes into its own collection.
func switchPreset(root string) error {
	if initPreset == "" {
		fmt.Println("probe is already initialized in this directory.")
		fmt.Printf("Configuration: %s\n", config.GetConfigPath(root))
		return nil
	}

	ws, err := config.LoadWorkspace(root)
	if err != nil {
		return err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.SetPreset(initPreset); err != nil {
		return err
	}

	ws.Preset = cfg.Preset
	if err := ws.Save(root); err != nil {
		return err
	}
	if err := cfg.Save(root); err != nil {
		return err
	}

	fmt.Printf("Switched preset to %s (%s).\n", cfg.Preset, cfg.Embedder.Model)
	fmt.Println(dimStyle.Render("The next scan indexes the workspace into " + cfg.CollectionName() + "."))
	return nil
}

func presetChoice(input string) string {
	names := config.PresetNames()
	for i, name := range names {
		if input == name || input == fmt.Sprint(i+1) {
			return name
		}
	}
	return config.DefaultPreset
}

func readLine(reader *bufio.Reader) string {
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}
