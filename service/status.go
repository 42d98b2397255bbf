package service

import (
	"context"
	"fmt"
	"time"

	"github.com/probehq/probe/indexer"
	"github.com/probehq/probe/manifest"
	"github.com/probehq/probe/watcher"
	"golang.org/x/sync/errgroup"
)

const probeTimeout = 2 * time.Second

// Progress is the running batch as index_status reports it.
type Progress struct {
	Reason      string    `json:"reason,omitempty"`
	Total       int       `json:"total"`
	Done        int       `json:"done"`
	CurrentFile string    `json:"current_file,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// Status is the answer of index_status.
type Status struct {
	WorkspaceID string `json:"workspace_id"`
	RepoID      string `json:"repo_id"`
	Preset      string `json:"current_preset"`
	Model       string `json:"embedding_model"`
	Backend     string `json:"backend"`

	WatcherRunning   bool       `json:"watcher_running"`
	WatcherState     string     `json:"watcher_state"`
	WatcherRestarts  int        `json:"watcher_restarts,omitempty"`
	WatcherError     string     `json:"watcher_error,omitempty"`
	PendingPaths     int        `json:"pending_paths,omitempty"`
	LastScanTime     *time.Time `json:"last_scan_time"`
	FilesIndexed     int        `json:"files_indexed"`
	ChunksIndexed    int        `json:"chunks_indexed"`
	FilesWithErrors  int        `json:"files_with_errors"`
	IndexGeneration  int64      `json:"index_generation"`
	BackendReachable bool       `json:"backend_reachable"`
	LastError        string     `json:"last_error,omitempty"`
	IndexingPaused   bool       `json:"indexing_paused"`
	MismatchWarning  string     `json:"mismatch_warning,omitempty"`

	DenseAvailable     bool `json:"dense_available"`
	BM25Available      bool `json:"bm25_available"`
	RerankerConfigured bool `json:"reranker_configured"`
	RerankerAvailable  bool `json:"reranker_available"`

	IndexingInProgress bool      `json:"indexing_in_progress"`
	IndexingProgress   *Progress `json:"indexing_progress,omitempty"`
}

// IndexStatus gathers the health of every part. It never fails: parts that
// cannot be asked are reported as unavailable.
func (s *Service) IndexStatus(ctx context.Context) Status {
	st := Status{
		WorkspaceID:        s.ws.WorkspaceID,
		RepoID:             s.ws.RepoID,
		Preset:             s.cfg.Preset,
		Model:              s.cfg.Embedder.Model,
		Backend:            s.cfg.Store.Backend,
		WatcherState:       string(watcher.HealthStopped),
		RerankerConfigured: s.reranker != nil,
	}

	if w := s.currentWatcher(); w != nil {
		h := w.Health()
		st.WatcherState = string(h.State)
		st.WatcherRunning = h.State == watcher.HealthRunning || h.State == watcher.HealthRestarting
		st.WatcherRestarts = h.Restarts
		st.WatcherError = h.LastError
		st.PendingPaths = h.Pending
	}

	if stats, err := s.manifest.Stats(ctx); err == nil {
		st.FilesIndexed = stats.Files
		st.ChunksIndexed = stats.Chunks
		st.FilesWithErrors = stats.FilesWithErrors
	}
	if gen, err := s.manifest.Generation(ctx); err == nil {
		st.IndexGeneration = gen
	}
	if v, err := s.manifest.Meta(ctx, manifest.MetaLastScan); err == nil && v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			st.LastScanTime = &t
		}
	}

	ist := s.indexer.Status(ctx)
	st.IndexingPaused = ist.Paused
	st.MismatchWarning = ist.Mismatch
	st.LastError = ist.BackendErr
	if ist.Progress.Running {
		st.IndexingInProgress = true
		st.IndexingProgress = progressOf(ist.Progress)
	}

	probes := s.probe(ctx)
	st.BackendReachable = probes.backend == nil
	if probes.backend != nil {
		st.LastError = probes.backend.Error()
	}
	st.BM25Available = st.BackendReachable
	st.DenseAvailable = probes.embedder == nil
	st.RerankerAvailable = s.reranker != nil && probes.reranker == nil
	return st
}

func progressOf(p indexer.Progress) *Progress {
	return &Progress{
		Reason:      p.Reason,
		Total:       p.Total,
		Done:        p.Done,
		CurrentFile: p.CurrentFile,
		StartedAt:   p.StartedAt,
	}
}

type probeResults struct {
	backend  error
	embedder error
	reranker error
}

// probe checks the backend and the inference services concurrently, each
// bounded by probeTimeout.
func (s *Service) probe(ctx context.Context) probeResults {
	var res probeResults
	var g errgroup.Group

	g.Go(func() error {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		res.backend = s.backend.Health(ctx)
		return nil
	})
	g.Go(func() error {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		res.embedder = s.embedder.Ping(ctx)
		return nil
	})
	if s.reranker != nil {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			res.reranker = s.reranker.Ping(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// Check is one line of `probe doctor`.
type Check struct {
	Name   string
	OK     bool
	Detail string
}

// Doctor checks every dependency and the consistency of the index.
func (s *Service) Doctor(ctx context.Context) []Check {
	probes := s.probe(ctx)

	checks := []Check{
		checkOf("storage backend ("+s.cfg.Store.Backend+")", probes.backend, s.cfg.CollectionName()),
		checkOf("embedding service ("+s.cfg.Embedder.Provider+")", probes.embedder,
			fmt.Sprintf("%s, %d dimensions", s.cfg.Embedder.Model, s.embedder.Dimensions())),
	}
	if s.reranker != nil {
		checks = append(checks, checkOf("reranker", probes.reranker, s.reranker.Endpoint()))
	} else {
		checks = append(checks, Check{Name: "reranker", OK: true, Detail: "not configured (quality mode falls back to fast)"})
	}

	if probes.backend == nil {
		size, err := s.backend.VectorSize(ctx)
		switch {
		case err != nil:
			checks = append(checks, Check{Name: "collection", Detail: err.Error()})
		case size == 0:
			checks = append(checks, Check{Name: "collection", OK: true, Detail: "not created yet"})
		case size != s.embedder.Dimensions():
			checks = append(checks, Check{Name: "collection", Detail: fmt.Sprintf(
				"has %d dimensions but the embedder produces %d; run 'probe init --preset' with a matching preset or rebuild the index",
				size, s.embedder.Dimensions())})
		default:
			checks = append(checks, Check{Name: "collection", OK: true, Detail: fmt.Sprintf("%d dimensions", size)})
		}
	}

	if stats, err := s.manifest.Stats(ctx); err != nil {
		checks = append(checks, Check{Name: "manifest", Detail: err.Error()})
	} else {
		detail := fmt.Sprintf("%d files, %d chunks", stats.Files, stats.Chunks)
		if stats.FilesWithErrors > 0 {
			detail += fmt.Sprintf(", %d files with errors", stats.FilesWithErrors)
		}
		checks = append(checks, Check{Name: "manifest", OK: stats.FilesWithErrors == 0, Detail: detail})
	}
	return checks
}

func checkOf(name string, err error, detail string) Check {
	if err != nil {
		return Check{Name: name, Detail: err.Error()}
	}
	return Check{Name: name, OK: true, Detail: detail}
}
