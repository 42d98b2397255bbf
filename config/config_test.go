package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearProbeEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PROBE_PRESET", "PROBE_BACKEND", "QDRANT_URL", "QDRANT_GRPC_PORT",
		"QDRANT_API_KEY", "DATABASE_URL", "TEI_EMBED_URL", "OPENAI_API_KEY",
	} {
		t.Setenv(key, "")
	}
	// RERANKER_URL is presence-sensitive, so it must be unset rather than empty.
	if v, ok := os.LookupEnv("RERANKER_URL"); ok {
		os.Unsetenv("RERANKER_URL")
		t.Cleanup(func() { os.Setenv("RERANKER_URL", v) })
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearProbeEnv(t)
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Preset != DefaultPreset {
		t.Errorf("expected preset %s, got %s", DefaultPreset, cfg.Preset)
	}
	if cfg.Watch.Debounce().Seconds() != 3 {
		t.Errorf("expected 3s debounce, got %v", cfg.Watch.Debounce())
	}
	if cfg.Watch.BurstThreshold != 50 {
		t.Errorf("expected burst threshold 50, got %d", cfg.Watch.BurstThreshold)
	}
	if cfg.Search.RRFK != 60 {
		t.Errorf("expected rrf k 60, got %d", cfg.Search.RRFK)
	}
	if cfg.CollectionName() != "chunks_lite" {
		t.Errorf("expected chunks_lite, got %s", cfg.CollectionName())
	}
	if cfg.RerankerConfigured() {
		t.Error("lite preset should not enable the reranker")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	clearProbeEnv(t)
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Store.Backend = "gob"
	cfg.Search.Oversample = 33
	if err := cfg.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Store.Backend != "gob" {
		t.Errorf("expected gob backend, got %s", loaded.Store.Backend)
	}
	if loaded.Search.Oversample != 33 {
		t.Errorf("expected oversample 33, got %d", loaded.Search.Oversample)
	}
}

func TestLoad_PartialFileGetsDefaults(t *testing.T) {
	clearProbeEnv(t)
	dir := t.TempDir()
	os.MkdirAll(GetConfigDir(dir), 0755)
	os.WriteFile(GetConfigPath(dir), []byte("version: 1\nstore:\n  backend: gob\n"), 0644)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Embedder.Provider != "tei" {
		t.Errorf("expected tei provider, got %s", cfg.Embedder.Provider)
	}
	if cfg.Indexer.ChunkLines != 150 || cfg.Indexer.ChunkOverlap != 30 {
		t.Errorf("expected 150/30 windows, got %d/%d", cfg.Indexer.ChunkLines, cfg.Indexer.ChunkOverlap)
	}
	if cfg.Indexer.ReservedForQueries != 1 {
		t.Errorf("expected one reserved query slot, got %d", cfg.Indexer.ReservedForQueries)
	}
}

func TestApplyEnv(t *testing.T) {
	clearProbeEnv(t)
	t.Setenv("PROBE_PRESET", "balanced")
	t.Setenv("QDRANT_URL", "https://qdrant.internal:6333")
	t.Setenv("TEI_EMBED_URL", "http://tei:8080/")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.Preset != "balanced" {
		t.Errorf("expected balanced preset, got %s", cfg.Preset)
	}
	if got := cfg.Embedder.GetDimensions(cfg.Preset); got != 2560 {
		t.Errorf("expected 2560 dims, got %d", got)
	}
	if cfg.Store.Qdrant.Endpoint != "qdrant.internal" || !cfg.Store.Qdrant.UseTLS {
		t.Errorf("unexpected qdrant settings: %+v", cfg.Store.Qdrant)
	}
	if cfg.Embedder.Endpoint != "http://tei:8080" {
		t.Errorf("expected trimmed TEI endpoint, got %s", cfg.Embedder.Endpoint)
	}
	if !cfg.RerankerConfigured() {
		t.Error("balanced preset should enable the reranker")
	}
}

func TestApplyEnv_EmptyRerankerURLDisables(t *testing.T) {
	clearProbeEnv(t)
	t.Setenv("PROBE_PRESET", "pro")
	t.Setenv("RERANKER_URL", "")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.RerankerConfigured() {
		t.Error("empty RERANKER_URL should disable the reranker")
	}
}

func TestApplyEnv_UnknownPreset(t *testing.T) {
	clearProbeEnv(t)
	t.Setenv("PROBE_PRESET", "huge")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Backend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for postgres without DSN")
	}

	cfg.Store.Postgres.DSN = "postgres://localhost/probe"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Store.Backend = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestInitWorkspace(t *testing.T) {
	dir := t.TempDir()

	ws, created, err := InitWorkspace(dir, "github.com/acme/widgets", "balanced")
	if err != nil {
		t.Fatalf("InitWorkspace failed: %v", err)
	}
	if !created {
		t.Error("expected a new workspace")
	}
	if ws.WorkspaceID == "" || ws.Preset != "balanced" {
		t.Errorf("unexpected workspace: %+v", ws)
	}

	again, created, err := InitWorkspace(dir, "other", "pro")
	if err != nil {
		t.Fatalf("second InitWorkspace failed: %v", err)
	}
	if created {
		t.Error("second init must not create a new identity")
	}
	if again.WorkspaceID != ws.WorkspaceID {
		t.Errorf("workspace id changed: %s -> %s", ws.WorkspaceID, again.WorkspaceID)
	}

	gitignore, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		t.Fatalf("failed to read .gitignore: %v", err)
	}
	if !strings.Contains(string(gitignore), ".probe/") {
		t.Error(".probe/ not added to .gitignore")
	}
}

func TestInitWorkspace_UnknownPreset(t *testing.T) {
	if _, _, err := InitWorkspace(t.TempDir(), "r", "tiny"); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}

func TestFindProjectRootFrom(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := InitWorkspace(dir, "r", ""); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(dir, "a", "b")
	os.MkdirAll(nested, 0755)

	root, err := FindProjectRootFrom(nested)
	if err != nil {
		t.Fatalf("FindProjectRootFrom failed: %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	if root != want {
		t.Errorf("expected %s, got %s", want, root)
	}

	if _, err := FindProjectRootFrom(t.TempDir()); err == nil {
		t.Error("expected error outside any workspace")
	}
}

func TestEnsureGitignoreEntry(t *testing.T) {
	t.Run("does not duplicate entry", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(".probe/\n"), 0644)

		ensureGitignoreEntry(dir, ".probe/")

		data, _ := os.ReadFile(filepath.Join(dir, ".gitignore"))
		if count := strings.Count(string(data), ".probe/"); count != 1 {
			t.Errorf("expected 1 occurrence, got %d", count)
		}
	})

	t.Run("appends after missing newline", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("node_modules"), 0644)

		ensureGitignoreEntry(dir, ".probe/")

		data, _ := os.ReadFile(filepath.Join(dir, ".gitignore"))
		if string(data) != "node_modules\n.probe/\n" {
			t.Errorf("unexpected .gitignore: %q", string(data))
		}
	})
}
