// Package service assembles one workspace: manifest, storage backend,
// inference clients, indexer, watcher and searcher. The MCP server and the
// CLI talk to a Service and never to the parts directly.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/probehq/probe/config"
	"github.com/probehq/probe/embedder"
	"github.com/probehq/probe/indexer"
	"github.com/probehq/probe/manifest"
	"github.com/probehq/probe/reranker"
	"github.com/probehq/probe/search"
	"github.com/probehq/probe/store"
	"github.com/probehq/probe/watcher"
)

const superviseInterval = 10 * time.Second

// Components are the opened dependencies of a Service. Open builds them
// from the workspace configuration; tests build them by hand.
type Components struct {
	Root      string
	Config    *config.Config
	Workspace *config.Workspace
	Manifest  *manifest.Manifest
	Backend   store.Backend
	Embedder  embedder.Embedder
	Reranker  *reranker.Client
}

type Service struct {
	root     string
	cfg      *config.Config
	ws       *config.Workspace
	manifest *manifest.Manifest
	backend  store.Backend
	embedder embedder.Embedder
	reranker *reranker.Client
	limiter  *indexer.Limiter
	indexer  *indexer.Indexer
	searcher *search.Searcher

	mu      sync.Mutex
	watcher *watcher.Watcher
}

// Open loads the workspace at projectRoot and connects to its services.
// Nothing is contacted yet beyond opening clients; call Start.
func Open(ctx context.Context, projectRoot string) (*Service, error) {
	cfg, err := config.Load(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	ws, err := config.LoadWorkspace(projectRoot)
	if err != nil {
		return nil, err
	}
	if ws.Preset != "" && ws.Preset != cfg.Preset {
		// The workspace preset beats the config file; PROBE_PRESET still
		// beats both.
		if err := cfg.SetPreset(ws.Preset); err != nil {
			return nil, err
		}
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
	}

	m, err := manifest.Open(ctx, config.GetManifestPath(projectRoot))
	if err != nil {
		return nil, err
	}

	backend, err := store.NewFromConfig(ctx, cfg, projectRoot)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to open storage backend: %w", err)
	}

	emb, err := embedder.NewFromConfig(cfg)
	if err != nil {
		backend.Close()
		m.Close()
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	var rr *reranker.Client
	if cfg.RerankerConfigured() {
		rr = reranker.New(cfg.Reranker.Endpoint,
			reranker.WithModel(cfg.Reranker.Model),
			reranker.WithTimeout(cfg.Reranker.Timeout()))
	}

	svc, err := New(Components{
		Root:      projectRoot,
		Config:    cfg,
		Workspace: ws,
		Manifest:  m,
		Backend:   backend,
		Embedder:  emb,
		Reranker:  rr,
	})
	if err != nil {
		emb.Close()
		backend.Close()
		m.Close()
		return nil, err
	}
	return svc, nil
}

// New wires already opened components.
func New(c Components) (*Service, error) {
	cfg := c.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	limiter := indexer.NewLimiter(cfg.Indexer.MaxInflight, cfg.Indexer.ReservedForQueries)

	ignore, err := indexer.NewIgnoreMatcher(c.Root, cfg.Ignore)
	if err != nil {
		return nil, fmt.Errorf("failed to load ignore rules: %w", err)
	}

	idx := indexer.NewIndexer(c.Root, indexer.Options{
		WorkspaceID:    c.Workspace.WorkspaceID,
		RepoID:         c.Workspace.RepoID,
		Preset:         cfg.Preset,
		EmbeddingModel: cfg.Embedder.Model,
		Workers:        cfg.Indexer.Workers,
		MaxFileBytes:   cfg.Indexer.MaxFileBytes,
		BackendRetries: cfg.Indexer.BackendRetries,
	}, c.Manifest, c.Backend, c.Embedder,
		indexer.NewChunker(cfg.Indexer.ChunkLines, cfg.Indexer.ChunkOverlap),
		ignore, limiter)

	// A nil *reranker.Client must not become a non-nil interface.
	var rr search.Reranker
	if c.Reranker != nil {
		rr = c.Reranker
	}
	searcher := search.New(c.Root, search.Options{
		WorkspaceID:      c.Workspace.WorkspaceID,
		TopK:             cfg.Search.TopK,
		Oversample:       cfg.Search.Oversample,
		RRFK:             cfg.Search.RRFK,
		RerankCandidates: cfg.Search.RerankCandidates,
		RerankTimeout:    cfg.Reranker.Timeout(),
		NeighborTop:      cfg.Search.NeighborTop,
		MergeDistance:    cfg.Search.MergeDistance,
		SnippetLines:     cfg.Search.SnippetLines,
		CacheSize:        cfg.Search.CacheSize,
		CacheTTL:         cfg.Search.CacheTTL(),
	}, c.Backend, c.Embedder, rr, c.Manifest, limiter)

	return &Service{
		root:     c.Root,
		cfg:      cfg,
		ws:       c.Workspace,
		manifest: c.Manifest,
		backend:  c.Backend,
		embedder: c.Embedder,
		reranker: c.Reranker,
		limiter:  limiter,
		indexer:  idx,
		searcher: searcher,
	}, nil
}

func (s *Service) Root() string                  { return s.root }
func (s *Service) Config() *config.Config        { return s.cfg }
func (s *Service) Workspace() *config.Workspace  { return s.ws }
func (s *Service) Indexer() *indexer.Indexer     { return s.indexer }
func (s *Service) Searcher() *search.Searcher    { return s.searcher }
func (s *Service) Manifest() *manifest.Manifest  { return s.manifest }
func (s *Service) Backend() store.Backend        { return s.backend }
func (s *Service) Embedder() embedder.Embedder   { return s.embedder }
func (s *Service) Reranker() *reranker.Client    { return s.reranker }
func (s *Service) Limiter() *indexer.Limiter     { return s.limiter }

// Start connects the indexer to the backend. An unreachable backend is not
// fatal: indexing stays paused until Run's supervisor sees it come back,
// while searches report the backend as unavailable. A dimension mismatch
// is not fatal either; it is reported by searches and index_status.
func (s *Service) Start(ctx context.Context) error {
	err := s.indexer.Start(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, indexer.ErrPaused):
		log.Printf("Warning: %v", err)
		return nil
	case errors.Is(err, indexer.ErrMismatch):
		log.Printf("Warning: %v", err)
		return nil
	}
	return err
}

// Scan runs one full reconciliation pass.
func (s *Service) Scan(ctx context.Context) (*indexer.BatchStats, error) {
	return s.indexer.RunBatch(ctx, indexer.Batch{Full: true, Reason: "scan"})
}

// Rebuild drops the workspace's points and manifest records, then runs a
// full scan.
func (s *Service) Rebuild(ctx context.Context) (*indexer.BatchStats, error) {
	if err := s.indexer.Clean(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear index: %w", err)
	}
	return s.indexer.RunBatch(ctx, indexer.Batch{Full: true, Reason: "rebuild"})
}

// Run keeps the index current until ctx is done: an initial full scan, the
// backend supervisor and, when watch is set, the filesystem watcher.
func (s *Service) Run(ctx context.Context, watch bool) error {
	var w *watcher.Watcher
	if watch {
		w = watcher.New(s.root, s.indexer.Ignore(), s.indexer, watcher.Options{
			Scheduler: watcher.SchedulerOptions{
				Debounce:       s.cfg.Watch.Debounce(),
				MaxWait:        s.cfg.Watch.MaxWait(),
				StableCheck:    s.cfg.Watch.StableCheck(),
				BurstThreshold: s.cfg.Watch.BurstThreshold,
				BurstWindow:    s.cfg.Watch.BurstWindow(),
			},
			RescanInterval: s.cfg.Watch.RescanInterval(),
			MaxRestarts:    s.cfg.Watch.MaxRestarts,
			RestartBackoff: s.cfg.Watch.RestartBackoff(),
		})
		s.mu.Lock()
		s.watcher = w
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.watcher = nil
			s.mu.Unlock()
		}()
	}

	onRecovered := func() {
		if w != nil {
			w.RequestFull("backend recovered")
			return
		}
		if _, err := s.Scan(ctx); err != nil {
			log.Printf("Scan after backend recovery failed: %v", err)
		}
	}
	go s.indexer.Supervise(ctx, superviseInterval, onRecovered)

	if w == nil {
		if _, err := s.Scan(ctx); err != nil && !errors.Is(err, indexer.ErrPaused) {
			log.Printf("Initial scan failed: %v", err)
		}
		<-ctx.Done()
		return nil
	}

	w.RequestFull("startup")
	return w.Run(ctx)
}

// Search answers one query.
func (s *Service) Search(ctx context.Context, req search.Request) ([]search.Result, error) {
	return s.searcher.Search(ctx, req)
}

// OpenFile reads exact lines of a workspace file.
func (s *Service) OpenFile(path string, start, end int) (*search.FileLines, error) {
	return s.searcher.OpenFile(path, start, end)
}

// Prune deletes workspaces not seen for longer than age from the backend.
func (s *Service) Prune(ctx context.Context, age time.Duration) ([]string, error) {
	return store.PruneOlderThan(ctx, s.backend, age, time.Now())
}

func (s *Service) currentWatcher() *watcher.Watcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watcher
}

// Close releases every client. A local index writes its pending changes
// when its backend closes.
func (s *Service) Close() error {
	var errs []error
	if err := s.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.embedder.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.manifest.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
