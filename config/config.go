package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/probehq/probe/internal/fileutil"
	"gopkg.in/yaml.v3"
)

const (
	ConfigDir        = ".probe"
	ConfigFileName   = "config.yaml"
	ManifestFileName = "manifest.sqlite"
	IndexFileName    = "index.gob"
	LogDirName       = "logs"
)

// Config holds the tunables of one workspace. Every threshold used by the
// watcher, the indexer and the retrieval pipeline lives here so that a
// workspace can be tuned without a rebuild.
type Config struct {
	Version  int            `yaml:"version"`
	Preset   string         `yaml:"preset"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Reranker RerankerConfig `yaml:"reranker"`
	Store    StoreConfig    `yaml:"store"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Watch    WatchConfig    `yaml:"watch"`
	Search   SearchConfig   `yaml:"search"`
	Ignore   []string       `yaml:"ignore"`
}

type EmbedderConfig struct {
	Provider   string `yaml:"provider"` // tei | openai
	Model      string `yaml:"model"`
	Endpoint   string `yaml:"endpoint,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	Dimensions *int   `yaml:"dimensions,omitempty"`
	BatchSize  int    `yaml:"batch_size"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

// GetDimensions returns the configured width, falling back to the preset's.
func (e *EmbedderConfig) GetDimensions(preset string) int {
	if e.Dimensions != nil {
		return *e.Dimensions
	}
	if p, ok := Presets[preset]; ok {
		return p.Dimensions
	}
	return Presets[DefaultPreset].Dimensions
}

type RerankerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Model     string `yaml:"model,omitempty"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type StoreConfig struct {
	Backend    string         `yaml:"backend"` // qdrant | postgres | gob
	Collection string         `yaml:"collection,omitempty"`
	Qdrant     QdrantConfig   `yaml:"qdrant,omitempty"`
	Postgres   PostgresConfig `yaml:"postgres,omitempty"`
}

type QdrantConfig struct {
	Endpoint string `yaml:"endpoint"`          // host, e.g. "127.0.0.1"
	Port     int    `yaml:"port,omitempty"`    // gRPC port, 6334
	APIKey   string `yaml:"api_key,omitempty"` // Qdrant Cloud
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type IndexerConfig struct {
	Workers            int   `yaml:"workers"`
	MaxInflight        int   `yaml:"max_inflight"`         // ceiling on outbound inference calls
	ReservedForQueries int   `yaml:"reserved_for_queries"` // slots background work can never take
	MaxFileBytes       int64 `yaml:"max_file_bytes"`
	BackendRetries     int   `yaml:"backend_retries"`
	ChunkLines         int   `yaml:"chunk_lines"`
	ChunkOverlap       int   `yaml:"chunk_overlap"`
}

type WatchConfig struct {
	DebounceMs       int `yaml:"debounce_ms"`
	MaxWaitMs        int `yaml:"max_wait_ms"`
	StableCheckMs    int `yaml:"stable_check_ms"`
	BurstThreshold   int `yaml:"burst_threshold"`
	BurstWindowMs    int `yaml:"burst_window_ms"`
	RescanMinutes    int `yaml:"rescan_minutes"`
	MaxRestarts      int `yaml:"max_restarts"`
	RestartBackoffMs int `yaml:"restart_backoff_ms"`
}

func (w WatchConfig) Debounce() time.Duration       { return ms(w.DebounceMs) }
func (w WatchConfig) MaxWait() time.Duration        { return ms(w.MaxWaitMs) }
func (w WatchConfig) StableCheck() time.Duration    { return ms(w.StableCheckMs) }
func (w WatchConfig) BurstWindow() time.Duration    { return ms(w.BurstWindowMs) }
func (w WatchConfig) RestartBackoff() time.Duration { return ms(w.RestartBackoffMs) }
func (w WatchConfig) RescanInterval() time.Duration {
	return time.Duration(w.RescanMinutes) * time.Minute
}

type SearchConfig struct {
	TopK             int `yaml:"top_k"`
	Oversample       int `yaml:"oversample"`
	RRFK             int `yaml:"rrf_k"`
	RerankCandidates int `yaml:"rerank_candidates"`
	NeighborTop      int `yaml:"neighbor_top"`
	MergeDistance    int `yaml:"merge_distance"`
	SnippetLines     int `yaml:"snippet_lines"`
	CacheSize        int `yaml:"cache_size"`
	CacheTTLSeconds  int `yaml:"cache_ttl_seconds"`
}

func (s SearchConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

func (r RerankerConfig) Timeout() time.Duration { return ms(r.TimeoutMs) }
func (e EmbedderConfig) Timeout() time.Duration { return ms(e.TimeoutMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func DefaultConfig() *Config {
	preset := Presets[DefaultPreset]
	return &Config{
		Version: 1,
		Preset:  preset.Name,
		Embedder: EmbedderConfig{
			Provider:  "tei",
			Model:     preset.EmbeddingModel,
			Endpoint:  "http://127.0.0.1:8080",
			BatchSize: 16,
			TimeoutMs: 30000,
		},
		Reranker: RerankerConfig{
			Enabled:   preset.Reranker,
			Endpoint:  "",
			TimeoutMs: 5000,
		},
		Store: StoreConfig{
			Backend: "qdrant",
			Qdrant: QdrantConfig{
				Endpoint: "127.0.0.1",
				Port:     6334,
			},
		},
		Indexer: IndexerConfig{
			Workers:            4,
			MaxInflight:        4,
			ReservedForQueries: 1,
			MaxFileBytes:       1 << 20,
			BackendRetries:     5,
			ChunkLines:         150,
			ChunkOverlap:       30,
		},
		Watch: WatchConfig{
			DebounceMs:       3000,
			MaxWaitMs:        30000,
			StableCheckMs:    300,
			BurstThreshold:   50,
			BurstWindowMs:    5000,
			RescanMinutes:    15,
			MaxRestarts:      3,
			RestartBackoffMs: 1000,
		},
		Search: SearchConfig{
			TopK:             12,
			Oversample:       40,
			RRFK:             60,
			RerankCandidates: 20,
			NeighborTop:      5,
			MergeDistance:    20,
			SnippetLines:     15,
			CacheSize:        256,
			CacheTTLSeconds:  300,
		},
		Ignore: []string{
			".git",
			ConfigDir,
			"__pycache__",
			"node_modules",
			".venv",
			"venv",
			"dist",
			"build",
			".eggs",
		},
	}
}

func GetConfigDir(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDir)
}

func GetConfigPath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), ConfigFileName)
}

func GetManifestPath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), ManifestFileName)
}

func GetIndexPath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), IndexFileName)
}

func GetLogDir(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), LogDirName)
}

// Load reads .probe/config.yaml, fills defaults and applies environment
// overrides. A missing file yields the defaults.
func Load(projectRoot string) (*Config, error) {
	configPath := GetConfigPath(projectRoot)

	cfg := &Config{}
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		cfg = DefaultConfig()
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills in missing configuration values so that older or
// hand-trimmed config files keep working.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Version == 0 {
		c.Version = defaults.Version
	}
	if c.Preset == "" {
		c.Preset = defaults.Preset
	}
	preset := Presets[c.Preset]

	if c.Embedder.Provider == "" {
		c.Embedder.Provider = defaults.Embedder.Provider
	}
	if c.Embedder.Model == "" && preset.EmbeddingModel != "" {
		c.Embedder.Model = preset.EmbeddingModel
	}
	if c.Embedder.Endpoint == "" {
		switch c.Embedder.Provider {
		case "openai":
			c.Embedder.Endpoint = "https://api.openai.com/v1"
		default:
			c.Embedder.Endpoint = defaults.Embedder.Endpoint
		}
	}
	if c.Embedder.BatchSize <= 0 {
		c.Embedder.BatchSize = defaults.Embedder.BatchSize
	}
	if c.Embedder.TimeoutMs <= 0 {
		c.Embedder.TimeoutMs = defaults.Embedder.TimeoutMs
	}

	if c.Reranker.TimeoutMs <= 0 {
		c.Reranker.TimeoutMs = defaults.Reranker.TimeoutMs
	}
	if c.Reranker.Enabled && c.Reranker.Endpoint == "" {
		c.Reranker.Endpoint = "http://127.0.0.1:8083"
	}

	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.Qdrant.Endpoint == "" {
		c.Store.Qdrant.Endpoint = defaults.Store.Qdrant.Endpoint
	}
	if c.Store.Qdrant.Port <= 0 {
		c.Store.Qdrant.Port = defaults.Store.Qdrant.Port
	}

	d := defaults.Indexer
	fillInt(&c.Indexer.Workers, d.Workers)
	fillInt(&c.Indexer.MaxInflight, d.MaxInflight)
	fillInt(&c.Indexer.BackendRetries, d.BackendRetries)
	fillInt(&c.Indexer.ChunkLines, d.ChunkLines)
	fillInt(&c.Indexer.ChunkOverlap, d.ChunkOverlap)
	if c.Indexer.MaxFileBytes <= 0 {
		c.Indexer.MaxFileBytes = d.MaxFileBytes
	}
	if c.Indexer.ReservedForQueries < 0 || c.Indexer.ReservedForQueries >= c.Indexer.MaxInflight {
		c.Indexer.ReservedForQueries = 0
		if c.Indexer.MaxInflight > 1 {
			c.Indexer.ReservedForQueries = 1
		}
	}

	w := defaults.Watch
	fillInt(&c.Watch.DebounceMs, w.DebounceMs)
	fillInt(&c.Watch.MaxWaitMs, w.MaxWaitMs)
	fillInt(&c.Watch.StableCheckMs, w.StableCheckMs)
	fillInt(&c.Watch.BurstThreshold, w.BurstThreshold)
	fillInt(&c.Watch.BurstWindowMs, w.BurstWindowMs)
	fillInt(&c.Watch.RescanMinutes, w.RescanMinutes)
	fillInt(&c.Watch.MaxRestarts, w.MaxRestarts)
	fillInt(&c.Watch.RestartBackoffMs, w.RestartBackoffMs)

	s := defaults.Search
	fillInt(&c.Search.TopK, s.TopK)
	fillInt(&c.Search.Oversample, s.Oversample)
	fillInt(&c.Search.RRFK, s.RRFK)
	fillInt(&c.Search.RerankCandidates, s.RerankCandidates)
	fillInt(&c.Search.NeighborTop, s.NeighborTop)
	fillInt(&c.Search.MergeDistance, s.MergeDistance)
	fillInt(&c.Search.SnippetLines, s.SnippetLines)
	fillInt(&c.Search.CacheSize, s.CacheSize)
	fillInt(&c.Search.CacheTTLSeconds, s.CacheTTLSeconds)

	if c.Ignore == nil {
		c.Ignore = defaults.Ignore
	}
}

func fillInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// ApplyEnv applies environment overrides on top of the file configuration.
// RERANKER_URL set to an empty string disables the reranker.
func (c *Config) ApplyEnv() error {
	if preset := os.Getenv("PROBE_PRESET"); preset != "" {
		if err := c.SetPreset(preset); err != nil {
			return err
		}
	}
	if backend := os.Getenv("PROBE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if raw := os.Getenv("QDRANT_URL"); raw != "" {
		host, err := hostOf(raw)
		if err != nil {
			return fmt.Errorf("invalid QDRANT_URL: %w", err)
		}
		c.Store.Qdrant.Endpoint = host
		c.Store.Qdrant.UseTLS = strings.HasPrefix(raw, "https://")
	}
	if raw := os.Getenv("QDRANT_GRPC_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid QDRANT_GRPC_PORT: %w", err)
		}
		c.Store.Qdrant.Port = port
	}
	if key := os.Getenv("QDRANT_API_KEY"); key != "" {
		c.Store.Qdrant.APIKey = key
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Store.Postgres.DSN = dsn
	}
	if endpoint := os.Getenv("TEI_EMBED_URL"); endpoint != "" {
		c.Embedder.Endpoint = strings.TrimRight(endpoint, "/")
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Embedder.Provider == "openai" {
		c.Embedder.APIKey = key
	}
	if endpoint, ok := os.LookupEnv("RERANKER_URL"); ok {
		c.Reranker.Endpoint = strings.TrimRight(endpoint, "/")
		c.Reranker.Enabled = endpoint != ""
	}
	return nil
}

// SetPreset switches the preset and the embedding model, width and reranker
// default that come with it.
func (c *Config) SetPreset(name string) error {
	p, ok := Presets[name]
	if !ok {
		return fmt.Errorf("unknown preset %q (valid: %s)", name, strings.Join(PresetNames(), ", "))
	}
	c.Preset = p.Name
	c.Embedder.Model = p.EmbeddingModel
	c.Embedder.Dimensions = nil
	c.Reranker.Enabled = p.Reranker
	if p.Reranker && c.Reranker.Endpoint == "" {
		c.Reranker.Endpoint = "http://127.0.0.1:8083"
	}
	return nil
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "qdrant", "gob":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("postgres backend requires store.postgres.dsn or DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Store.Backend)
	}
	switch c.Embedder.Provider {
	case "tei", "openai":
	default:
		return fmt.Errorf("unknown embedding provider: %s", c.Embedder.Provider)
	}
	if _, ok := Presets[c.Preset]; !ok {
		return fmt.Errorf("unknown preset %q", c.Preset)
	}
	return nil
}

// CollectionName returns the index collection/table this workspace writes to.
func (c *Config) CollectionName() string {
	if c.Store.Collection != "" {
		return c.Store.Collection
	}
	return "chunks_" + c.Preset
}

// RerankerConfigured reports whether quality mode has a reranker to call.
func (c *Config) RerankerConfigured() bool {
	return c.Reranker.Enabled && c.Reranker.Endpoint != ""
}

func (c *Config) Save(projectRoot string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := fileutil.WriteFileAtomically(GetConfigPath(projectRoot), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func Exists(projectRoot string) bool {
	_, err := os.Stat(GetWorkspacePath(projectRoot))
	return err == nil
}

// FindProjectRoot walks up from the working directory to the nearest
// directory holding an initialized .probe workspace.
func FindProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return FindProjectRootFrom(cwd)
}

func FindProjectRootFrom(start string) (string, error) {
	// Resolve symlinks so containment checks compare real paths.
	dir, err := filepath.EvalSymlinks(start)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}

	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("no probe workspace found (run 'probe init' first)")
}

func hostOf(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	return u.Hostname(), nil
}
