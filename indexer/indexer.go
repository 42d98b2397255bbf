package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/probehq/probe/embedder"
	"github.com/probehq/probe/manifest"
	"github.com/probehq/probe/store"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPaused is returned by RunBatch while the backend is unreachable.
	ErrPaused = errors.New("indexing paused: backend unavailable")

	// ErrMismatch is returned when the embedder width differs from the
	// width the collection was created with. Indexing stays disabled until
	// the configuration is fixed or the collection is dropped.
	ErrMismatch = errors.New("embedding dimension mismatch")
)

// Outcome is what IndexFile did with one path.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeTouched
	OutcomeIndexed
	OutcomeRemoved
	OutcomeExcluded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeTouched:
		return "touched"
	case OutcomeIndexed:
		return "indexed"
	case OutcomeRemoved:
		return "removed"
	case OutcomeExcluded:
		return "excluded"
	default:
		return "failed"
	}
}

// Options identifies the workspace and bounds the work of an Indexer.
type Options struct {
	WorkspaceID    string
	RepoID         string
	Preset         string
	EmbeddingModel string
	Workers        int
	MaxFileBytes   int64
	BackendRetries int
}

// Batch is one unit of indexing work. A full batch walks the whole tree and
// also removes files that disappeared; otherwise only Paths are checked.
type Batch struct {
	Paths  []string
	Full   bool
	Reason string
}

type BatchStats struct {
	Checked    int
	Indexed    int
	Touched    int
	Removed    int
	Excluded   int
	Failed     int
	Chunks     int
	Generation int64
	Duration   time.Duration
}

// Progress is a snapshot of the batch currently running.
type Progress struct {
	Running     bool
	Reason      string
	Total       int
	Done        int
	CurrentFile string
	StartedAt   time.Time
}

// Status summarizes the indexer for index_status.
type Status struct {
	Paused     bool
	BackendErr string
	Mismatch   string
	Progress   Progress
	LastBatch  *BatchStats
}

type Indexer struct {
	root     string
	opts     Options
	manifest *manifest.Manifest
	detector *manifest.Detector
	backend  store.Backend
	embedder embedder.Embedder
	chunker  *Chunker
	ignore   *IgnoreMatcher
	limiter  *Limiter

	batchMu sync.Mutex

	mu         sync.Mutex
	progress   Progress
	lastBatch  *BatchStats
	backendErr error
	paused     atomic.Bool
}

func NewIndexer(
	root string,
	opts Options,
	m *manifest.Manifest,
	backend store.Backend,
	emb embedder.Embedder,
	chunker *Chunker,
	ignore *IgnoreMatcher,
	limiter *Limiter,
) *Indexer {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = 1 << 20
	}
	if limiter == nil {
		limiter = NewLimiter(4, 1)
	}
	return &Indexer{
		root:     root,
		opts:     opts,
		manifest: m,
		detector: manifest.NewDetector(root, m),
		backend:  backend,
		embedder: emb,
		chunker:  chunker,
		ignore:   ignore,
		limiter:  limiter,
	}
}

func (idx *Indexer) Root() string                 { return idx.root }
func (idx *Indexer) Manifest() *manifest.Manifest { return idx.manifest }
func (idx *Indexer) Limiter() *Limiter            { return idx.limiter }
func (idx *Indexer) Ignore() *IgnoreMatcher       { return idx.ignore }

// Start waits for the backend, checks that the collection matches the
// embedder and registers the workspace. When the backend stays unreachable
// the indexer is left paused and ErrPaused is returned; Supervise resumes it.
func (idx *Indexer) Start(ctx context.Context) error {
	if err := idx.waitForBackend(ctx); err != nil {
		idx.pause(err)
		log.Printf("Backend unavailable, indexing paused: %v", err)
		return fmt.Errorf("%w: %v", ErrPaused, err)
	}
	if err := idx.embedder.Ping(ctx); err != nil {
		log.Printf("Warning: embedder ping failed, using configured width %d: %v", idx.embedder.Dimensions(), err)
	}
	if err := idx.CheckCompatibility(ctx); err != nil {
		return err
	}
	if err := idx.touchRegistry(ctx); err != nil {
		return err
	}
	return idx.reconcileIfBehind(ctx)
}

// reconcileIfBehind checks a local index against the manifest when its
// stamp is older than the manifest generation: the index file was restored,
// replaced or lost writes.
func (idx *Indexer) reconcileIfBehind(ctx context.Context) error {
	inv, ok := idx.backend.(store.Inventory)
	if !ok {
		return nil
	}
	gen, err := idx.manifest.Generation(ctx)
	if err != nil {
		return err
	}
	if err := inv.Sync(ctx); err != nil {
		return fmt.Errorf("failed to sync index: %w", err)
	}
	stamp := inv.Stamp(idx.opts.WorkspaceID)
	if stamp >= gen {
		return nil
	}

	n, err := idx.Reconcile(ctx)
	if err != nil {
		return err
	}
	log.Printf("Index is at generation %d, manifest at %d: %d files will be indexed again", stamp, gen, n)
	inv.SetStamp(idx.opts.WorkspaceID, gen)
	if p, ok := idx.backend.(store.Persister); ok {
		return p.Persist(ctx)
	}
	return nil
}

// Reconcile compares the manifest with the points a local backend holds.
// Files with missing points are forgotten by the manifest, so the next
// full batch embeds them again; points of files the manifest does not know
// are deleted. It returns the number of files affected.
func (idx *Indexer) Reconcile(ctx context.Context) (int, error) {
	inv, ok := idx.backend.(store.Inventory)
	if !ok {
		return 0, nil
	}
	present, err := inv.PointFiles(ctx, idx.opts.WorkspaceID)
	if err != nil {
		return 0, fmt.Errorf("failed to list stored points: %w", err)
	}
	files, err := idx.manifest.ListFiles(ctx)
	if err != nil {
		return 0, err
	}

	affected := 0
	known := make(map[string]bool, len(files))
	for _, f := range files {
		known[f.Path] = true
		chunks, err := idx.manifest.ChunksForFile(ctx, f.Path)
		if err != nil {
			return affected, err
		}
		missing := false
		for _, c := range chunks {
			if _, ok := present[c.PointID]; !ok {
				missing = true
				break
			}
		}
		if !missing {
			continue
		}
		if err := idx.backend.DeleteByFile(ctx, idx.opts.WorkspaceID, f.Path); err != nil {
			return affected, fmt.Errorf("failed to delete points of %s: %w", f.Path, err)
		}
		if err := idx.manifest.DeleteFile(ctx, f.Path); err != nil {
			return affected, err
		}
		affected++
	}

	orphans := make(map[string]bool)
	for _, path := range present {
		if !known[path] {
			orphans[path] = true
		}
	}
	for path := range orphans {
		if err := idx.backend.DeleteByFile(ctx, idx.opts.WorkspaceID, path); err != nil {
			return affected, fmt.Errorf("failed to delete points of %s: %w", path, err)
		}
		affected++
	}
	return affected, nil
}

func (idx *Indexer) waitForBackend(ctx context.Context) error {
	retries := idx.opts.BackendRetries
	if retries <= 0 {
		retries = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := idx.backend.Health(ctx)
		if err != nil {
			log.Printf("Backend health check %d/%d failed: %v", attempt, retries, err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries-1)), ctx))
}

// CheckCompatibility creates the collection when it does not exist yet and
// otherwise compares its width with the embedder's. A mismatch is recorded
// in the manifest so queries can report it.
func (idx *Indexer) CheckCompatibility(ctx context.Context) error {
	width := idx.embedder.Dimensions()
	size, err := idx.backend.VectorSize(ctx)
	if err != nil {
		return fmt.Errorf("failed to read collection width: %w", err)
	}

	if size > 0 && size != width {
		msg := fmt.Sprintf("collection has %d dimensions but embedder %q produces %d", size, idx.opts.EmbeddingModel, width)
		if err := idx.manifest.SetMeta(ctx, manifest.MetaMismatch, msg); err != nil {
			return err
		}
		log.Printf("Indexing disabled: %s", msg)
		return fmt.Errorf("%w: %s", ErrMismatch, msg)
	}

	if err := idx.backend.EnsureCollection(ctx, width); err != nil {
		return fmt.Errorf("failed to ensure collection: %w", err)
	}
	if err := idx.manifest.DeleteMeta(ctx, manifest.MetaMismatch); err != nil {
		return err
	}
	if err := idx.manifest.SetMeta(ctx, manifest.MetaVectorSize, strconv.Itoa(width)); err != nil {
		return err
	}
	return idx.manifest.SetMeta(ctx, manifest.MetaEmbeddingModel, idx.opts.EmbeddingModel)
}

func (idx *Indexer) mismatch(ctx context.Context) (string, error) {
	return idx.manifest.Meta(ctx, manifest.MetaMismatch)
}

func (idx *Indexer) touchRegistry(ctx context.Context) error {
	now := time.Now()
	err := idx.backend.Touch(ctx, store.WorkspaceRecord{
		WorkspaceID:    idx.opts.WorkspaceID,
		RepoID:         idx.opts.RepoID,
		Root:           idx.root,
		Preset:         idx.opts.Preset,
		EmbeddingModel: idx.opts.EmbeddingModel,
		VectorSize:     idx.embedder.Dimensions(),
		CreatedAt:      now,
		LastSeen:       now,
	})
	if err != nil {
		return fmt.Errorf("failed to register workspace: %w", err)
	}
	return nil
}

// Supervise probes a paused backend every interval. When it answers again
// indexing resumes and onRecovered is called, typically to schedule a full
// scan that catches up with changes made during the outage.
func (idx *Indexer) Supervise(ctx context.Context, interval time.Duration, onRecovered func()) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !idx.paused.Load() {
			continue
		}
		if err := idx.backend.Health(ctx); err != nil {
			idx.pause(err)
			continue
		}
		if err := idx.CheckCompatibility(ctx); err != nil {
			log.Printf("Backend is back but the collection is unusable: %v", err)
			continue
		}
		if err := idx.touchRegistry(ctx); err != nil {
			log.Printf("Warning: %v", err)
		}
		idx.resume()
		log.Printf("Backend available again, indexing resumed")
		if onRecovered != nil {
			onRecovered()
		}
	}
}

func (idx *Indexer) pause(err error) {
	idx.mu.Lock()
	idx.backendErr = err
	idx.mu.Unlock()
	idx.paused.Store(true)
}

func (idx *Indexer) resume() {
	idx.mu.Lock()
	idx.backendErr = nil
	idx.mu.Unlock()
	idx.paused.Store(false)
}

// Paused reports whether indexing waits for the backend.
func (idx *Indexer) Paused() bool { return idx.paused.Load() }

func (idx *Indexer) Status(ctx context.Context) Status {
	idx.mu.Lock()
	st := Status{Paused: idx.paused.Load(), Progress: idx.progress}
	if idx.backendErr != nil {
		st.BackendErr = idx.backendErr.Error()
	}
	if idx.lastBatch != nil {
		last := *idx.lastBatch
		st.LastBatch = &last
	}
	idx.mu.Unlock()

	if msg, err := idx.mismatch(ctx); err == nil {
		st.Mismatch = msg
	}
	return st
}

// RunBatch checks every path of b, indexes what changed, removes what
// disappeared and then advances the generation exactly once. Failures of
// single files are recorded in the manifest and never abort the batch.
func (idx *Indexer) RunBatch(ctx context.Context, b Batch) (*BatchStats, error) {
	idx.batchMu.Lock()
	defer idx.batchMu.Unlock()

	if idx.paused.Load() {
		return nil, ErrPaused
	}
	if msg, err := idx.mismatch(ctx); err != nil {
		return nil, err
	} else if msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrMismatch, msg)
	}

	start := time.Now()
	paths, err := idx.batchPaths(ctx, b)
	if err != nil {
		return nil, err
	}

	idx.setProgress(Progress{Running: true, Reason: b.Reason, Total: len(paths), StartedAt: start})
	defer idx.setProgress(Progress{})

	stats := &BatchStats{}
	var statsMu sync.Mutex
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.opts.Workers)
	for _, p := range paths {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			out, chunks, err := idx.indexFile(gctx, p)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				log.Printf("Failed to index %s: %v", p, err)
			}

			statsMu.Lock()
			stats.Checked++
			stats.Chunks += chunks
			switch out {
			case OutcomeIndexed:
				stats.Indexed++
			case OutcomeTouched:
				stats.Touched++
			case OutcomeRemoved:
				stats.Removed++
			case OutcomeExcluded:
				stats.Excluded++
			case OutcomeFailed:
				stats.Failed++
			}
			statsMu.Unlock()

			idx.advanceProgress(int(done.Add(1)), p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("batch interrupted: %w", err)
	}

	if p, ok := idx.backend.(store.Persister); ok {
		if inv, ok := idx.backend.(store.Inventory); ok {
			cur, err := idx.manifest.Generation(ctx)
			if err != nil {
				return nil, err
			}
			// Stamped with the generation this batch publishes, so a file
			// written before the advance below never looks behind.
			inv.SetStamp(idx.opts.WorkspaceID, cur+1)
		}
		if err := p.Persist(ctx); err != nil {
			return nil, fmt.Errorf("failed to persist index: %w", err)
		}
	}
	if b.Full {
		if err := idx.manifest.SetMeta(ctx, manifest.MetaLastScan, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return nil, err
		}
	}

	gen, err := idx.manifest.AdvanceGeneration(ctx)
	if err != nil {
		return nil, err
	}
	stats.Generation = gen
	stats.Duration = time.Since(start)

	if err := idx.touchRegistry(ctx); err != nil {
		log.Printf("Warning: %v", err)
	}

	idx.mu.Lock()
	last := *stats
	idx.lastBatch = &last
	idx.mu.Unlock()

	return stats, nil
}

// batchPaths resolves the set of paths a batch has to check, sorted and
// without duplicates.
func (idx *Indexer) batchPaths(ctx context.Context, b Batch) ([]string, error) {
	set := make(map[string]struct{})

	if b.Full {
		seen, err := idx.Walk(ctx)
		if err != nil {
			return nil, err
		}
		for p := range seen {
			set[p] = struct{}{}
		}
		gone, err := idx.detector.Deleted(ctx, seen)
		if err != nil {
			return nil, err
		}
		for _, p := range gone {
			set[p] = struct{}{}
		}
	}

	var prefixes []string
	for _, p := range b.Paths {
		p = filepath.ToSlash(filepath.Clean(p))
		if p == "." || p == "" || strings.HasPrefix(p, "../") {
			continue
		}
		set[p] = struct{}{}
		prefixes = append(prefixes, p+"/")
	}

	// A removed or renamed directory only produces an event for itself;
	// the files recorded under it have to be checked too.
	if len(prefixes) > 0 && !b.Full {
		files, err := idx.manifest.ListFiles(ctx)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			for _, prefix := range prefixes {
				if strings.HasPrefix(f.Path, prefix) {
					set[f.Path] = struct{}{}
					break
				}
			}
		}
	}

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Walk returns every indexable file under the root, as slash-separated
// relative paths. Symlinks are not followed.
func (idx *Indexer) Walk(ctx context.Context) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	err := filepath.WalkDir(idx.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Printf("Warning: cannot access %s: %v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(idx.root, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if idx.ignore != nil && idx.ignore.ShouldSkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if idx.ignore != nil && idx.ignore.ShouldIgnore(rel) {
			return nil
		}
		seen[rel] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", idx.root, err)
	}
	return seen, nil
}

// IndexFile brings the index of one path in line with the file on disk.
func (idx *Indexer) IndexFile(ctx context.Context, relPath string) (Outcome, error) {
	out, _, err := idx.indexFile(ctx, relPath)
	return out, err
}

func (idx *Indexer) indexFile(ctx context.Context, relPath string) (Outcome, int, error) {
	if idx.ignore != nil && idx.ignore.ShouldIgnore(relPath) {
		// Paths that became ignored lose their points like deleted ones.
		rec, err := idx.manifest.GetFile(ctx, relPath)
		if err != nil {
			return OutcomeFailed, 0, err
		}
		if rec == nil {
			return OutcomeUnchanged, 0, nil
		}
		if err := idx.removeFile(ctx, relPath); err != nil {
			return OutcomeFailed, 0, err
		}
		return OutcomeRemoved, 0, nil
	}

	verdict, state, err := idx.detector.CheckFile(ctx, relPath)
	if err != nil {
		return OutcomeFailed, 0, err
	}

	switch verdict {
	case manifest.Unchanged:
		return OutcomeUnchanged, 0, nil
	case manifest.ChangedMetadataOnly:
		if err := idx.manifest.TouchFile(ctx, relPath, state.ModTime, state.Size); err != nil {
			return OutcomeFailed, 0, err
		}
		return OutcomeTouched, 0, nil
	case manifest.Deleted:
		if err := idx.removeFile(ctx, relPath); err != nil {
			return OutcomeFailed, 0, err
		}
		return OutcomeRemoved, 0, nil
	}

	if reason := idx.excluded(state); reason != "" {
		// Keep a record without chunks so the file is not rehashed on
		// every pass while it stays the same.
		if err := idx.replacePoints(ctx, relPath, nil); err != nil {
			return OutcomeFailed, 0, idx.fail(ctx, relPath, err)
		}
		if err := idx.manifest.CommitFile(ctx, idx.fileRecord(state), nil); err != nil {
			return OutcomeFailed, 0, err
		}
		log.Printf("Skipping %s: %s", relPath, reason)
		return OutcomeExcluded, 0, nil
	}

	n, err := idx.indexContent(ctx, state)
	if err != nil {
		return OutcomeFailed, 0, idx.fail(ctx, relPath, err)
	}
	return OutcomeIndexed, n, nil
}

func (idx *Indexer) excluded(state *manifest.FileState) string {
	switch {
	case state.Size > idx.opts.MaxFileBytes:
		return fmt.Sprintf("larger than %d bytes", idx.opts.MaxFileBytes)
	case IsBinary(state.Content):
		return "binary content"
	case !utf8.Valid(state.Content):
		return "not valid UTF-8"
	}
	return ""
}

func (idx *Indexer) fileRecord(state *manifest.FileState) manifest.FileRecord {
	return manifest.FileRecord{
		Path:          state.Path,
		ModTime:       state.ModTime,
		Size:          state.Size,
		Hash:          state.Hash,
		LastIndexedAt: time.Now(),
	}
}

// indexContent chunks and embeds the file first, so a failing embedder
// leaves the previous points in place, then swaps the points and commits the
// manifest rows.
func (idx *Indexer) indexContent(ctx context.Context, state *manifest.FileState) (int, error) {
	chunks := idx.chunker.Chunk(ctx, state.Path, string(state.Content))

	var vectors [][]float32
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}

		release, err := idx.limiter.AcquireBackground(ctx)
		if err != nil {
			return 0, err
		}
		vectors, err = idx.embedder.EmbedBatch(ctx, texts)
		release()
		if err != nil {
			return 0, fmt.Errorf("failed to embed chunks: %w", err)
		}
		if len(vectors) != len(chunks) {
			return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
		}
	}

	now := time.Now()
	points := make([]store.Point, len(chunks))
	records := make([]manifest.ChunkRecord, len(chunks))
	for i, c := range chunks {
		id := manifest.PointID(idx.opts.WorkspaceID, state.Path, c.StartLine, c.EndLine)
		points[i] = store.Point{
			ID:          id,
			RepoID:      idx.opts.RepoID,
			WorkspaceID: idx.opts.WorkspaceID,
			FilePath:    state.Path,
			Language:    c.Language,
			ChunkKind:   string(c.Kind),
			FileHash:    state.Hash,
			ChunkHash:   c.Hash,
			Symbol:      c.Symbol,
			StartLine:   c.StartLine,
			EndLine:     c.EndLine,
			ChunkIdx:    i,
			IndexedAt:   now,
			Content:     c.Content,
			Vector:      vectors[i],
		}
		records[i] = manifest.ChunkRecord{
			FilePath:  state.Path,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
			Hash:      c.Hash,
			PointID:   id,
			Seq:       i,
		}
	}

	if err := idx.replacePoints(ctx, state.Path, points); err != nil {
		return 0, err
	}
	if err := idx.manifest.CommitFile(ctx, idx.fileRecord(state), records); err != nil {
		return 0, err
	}
	return len(points), nil
}

// replacePoints removes every point of path before upserting the new ones,
// so chunks whose range moved never linger.
func (idx *Indexer) replacePoints(ctx context.Context, path string, points []store.Point) error {
	if err := idx.backend.DeleteByFile(ctx, idx.opts.WorkspaceID, path); err != nil {
		return fmt.Errorf("failed to delete old points: %w", err)
	}
	if len(points) == 0 {
		return nil
	}
	if err := idx.backend.Upsert(ctx, points); err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (idx *Indexer) removeFile(ctx context.Context, path string) error {
	if err := idx.backend.DeleteByFile(ctx, idx.opts.WorkspaceID, path); err != nil {
		return idx.fail(ctx, path, fmt.Errorf("failed to delete points: %w", err))
	}
	return idx.manifest.DeleteFile(ctx, path)
}

// fail records err as the file's last error so the next pass retries it,
// and pauses indexing when the backend itself went away.
func (idx *Indexer) fail(ctx context.Context, path string, err error) error {
	if errors.Is(err, store.ErrBackendUnavailable) {
		idx.pause(err)
	}
	if errors.Is(err, store.ErrDimensionMismatch) {
		if serr := idx.manifest.SetMeta(ctx, manifest.MetaMismatch, err.Error()); serr != nil {
			log.Printf("Warning: failed to record mismatch: %v", serr)
		}
	}
	if rerr := idx.manifest.RecordError(ctx, path, err.Error()); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

func (idx *Indexer) setProgress(p Progress) {
	idx.mu.Lock()
	idx.progress = p
	idx.mu.Unlock()
}

func (idx *Indexer) advanceProgress(done int, current string) {
	idx.mu.Lock()
	if done > idx.progress.Done {
		idx.progress.Done = done
	}
	idx.progress.CurrentFile = current
	idx.mu.Unlock()
}

// Clean removes every point of the workspace from the backend and forgets
// every file in the manifest, so the next full batch indexes from scratch.
func (idx *Indexer) Clean(ctx context.Context) error {
	if err := idx.backend.DeleteWorkspace(ctx, idx.opts.WorkspaceID); err != nil {
		return fmt.Errorf("failed to delete workspace points: %w", err)
	}
	files, err := idx.manifest.ListFiles(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := idx.manifest.DeleteFile(ctx, f.Path); err != nil {
			return err
		}
	}
	if p, ok := idx.backend.(store.Persister); ok {
		return p.Persist(ctx)
	}
	return nil
}
