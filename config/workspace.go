package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/probehq/probe/internal/fileutil"
	"gopkg.in/yaml.v3"
)

const WorkspaceFileName = "workspace.yaml"

// Workspace is the identity of one working copy. The id is generated once
// and persisted beside the tree; it never depends on the machine or the
// checkout path, so moving the directory keeps its index.
type Workspace struct {
	WorkspaceID string    `yaml:"workspace_id"`
	RepoID      string    `yaml:"repo_id"`
	Preset      string    `yaml:"preset"`
	CreatedAt   time.Time `yaml:"created_at"`
}

func GetWorkspacePath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), WorkspaceFileName)
}

// LoadWorkspace reads .probe/workspace.yaml.
func LoadWorkspace(projectRoot string) (*Workspace, error) {
	data, err := os.ReadFile(GetWorkspacePath(projectRoot))
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace file: %w", err)
	}

	var ws Workspace
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("failed to parse workspace file: %w", err)
	}
	if _, err := uuid.Parse(ws.WorkspaceID); err != nil {
		return nil, fmt.Errorf("invalid workspace_id %q: %w", ws.WorkspaceID, err)
	}
	if ws.Preset == "" {
		ws.Preset = DefaultPreset
	}
	return &ws, nil
}

// InitWorkspace creates the workspace identity if it does not exist yet and
// returns it. An existing identity is returned unchanged.
func InitWorkspace(projectRoot, repoID, preset string) (*Workspace, bool, error) {
	if ws, err := LoadWorkspace(projectRoot); err == nil {
		return ws, false, nil
	}
	if preset == "" {
		preset = DefaultPreset
	}
	if _, ok := Presets[preset]; !ok {
		return nil, false, fmt.Errorf("unknown preset %q", preset)
	}

	ws := &Workspace{
		WorkspaceID: uuid.NewString(),
		RepoID:      repoID,
		Preset:      preset,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := ws.Save(projectRoot); err != nil {
		return nil, false, err
	}

	ensureGitignoreEntry(projectRoot, ConfigDir+"/")
	return ws, true, nil
}

func (w *Workspace) Save(projectRoot string) error {
	data, err := yaml.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal workspace: %w", err)
	}
	if err := fileutil.WriteFileAtomically(GetWorkspacePath(projectRoot), data, 0644); err != nil {
		return fmt.Errorf("failed to write workspace file: %w", err)
	}
	return nil
}

// ensureGitignoreEntry adds an entry to .gitignore if not already present.
func ensureGitignoreEntry(dir, entry string) {
	gitignorePath := filepath.Join(dir, ".gitignore")
	content, err := os.ReadFile(gitignorePath)
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if strings.TrimSpace(line) == entry || strings.TrimSpace(line) == strings.TrimSuffix(entry, "/") {
				return
			}
		}
	}
	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	if len(content) > 0 && content[len(content)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return
		}
	}
	_, _ = f.WriteString(entry + "\n")
}
