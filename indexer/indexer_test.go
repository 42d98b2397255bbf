package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/probehq/probe/embedder/embeddertest"
	"github.com/probehq/probe/manifest"
	"github.com/probehq/probe/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkspace = "ws-test"

type fixture struct {
	root    string
	m       *manifest.Manifest
	backend store.Backend
	gob     *store.GOBStore
	emb     *embeddertest.Fake
	idx     *Indexer
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	return newFixtureWithBackend(t, files, nil)
}

func newFixtureWithBackend(t *testing.T, files map[string]string, wrap func(store.Backend) store.Backend) *fixture {
	t.Helper()
	ctx := context.Background()

	root := t.TempDir()
	writeTree(t, root, files)

	m, err := manifest.Open(ctx, filepath.Join(t.TempDir(), "manifest.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	gob := store.NewGOBStore("")
	var backend store.Backend = gob
	if wrap != nil {
		backend = wrap(gob)
	}

	ignore, err := NewIgnoreMatcher(root, nil)
	require.NoError(t, err)

	emb := embeddertest.New(8)
	idx := NewIndexer(root, Options{
		WorkspaceID:    testWorkspace,
		RepoID:         "repo-test",
		EmbeddingModel: "fake",
		Workers:        2,
		MaxFileBytes:   4096,
		BackendRetries: 1,
	}, m, backend, emb, NewChunker(150, 30), ignore, NewLimiter(2, 1))
	require.NoError(t, idx.Start(ctx))

	return &fixture{root: root, m: m, backend: backend, gob: gob, emb: emb, idx: idx}
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	writeTree(t, f.root, map[string]string{rel: content})
}

func (f *fixture) pointsFor(t *testing.T, path string) []store.Hit {
	t.Helper()
	resp, err := f.gob.Search(context.Background(), store.Query{
		Vector: unitVector(f.emb.Dims),
		Limit:  1000,
		Filter: store.Filter{WorkspaceID: testWorkspace},
	})
	require.NoError(t, err)
	var out []store.Hit
	for _, h := range resp.Dense {
		if h.FilePath == path {
			out = append(out, h)
		}
	}
	return out
}

func unitVector(n int) []float32 {
	v := make([]float32, n)
	v[0] = 1
	return v
}

func TestRunBatch_FullScanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"main.go":         "package main\n\nfunc main() {}\n",
		"util/strings.go": "package util\n\nfunc Reverse(s string) string { return s }\n",
		"README.md":       "# Demo\n\nA demo project.\n",
	})

	stats, err := f.idx.RunBatch(ctx, Batch{Full: true, Reason: "initial"})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Indexed)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, int64(1), stats.Generation)
	assert.Equal(t, stats.Chunks, f.gob.Len())

	calls := f.emb.Calls()
	points := f.gob.Len()

	stats, err = f.idx.RunBatch(ctx, Batch{Full: true, Reason: "rescan"})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Indexed)
	assert.Equal(t, 3, stats.Checked)
	assert.Equal(t, int64(2), stats.Generation)
	assert.Equal(t, calls, f.emb.Calls(), "unchanged files must not be re-embedded")
	assert.Equal(t, points, f.gob.Len())

	gen, err := f.m.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), gen)

	last, err := f.m.Meta(ctx, manifest.MetaLastScan)
	require.NoError(t, err)
	assert.NotEmpty(t, last)
}

func TestRunBatch_ContentChangeReplacesPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"a.txt": "alpha\n"})

	_, err := f.idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	before, err := f.m.ChunksForFile(ctx, "a.txt")
	require.NoError(t, err)
	require.Len(t, before, 1)

	f.write(t, "a.txt", strings.Repeat("beta line\n", 200))
	stats, err := f.idx.RunBatch(ctx, Batch{Paths: []string{"a.txt"}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)

	after, err := f.m.ChunksForFile(ctx, "a.txt")
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, 1, after[0].StartLine)
	assert.Equal(t, 150, after[0].EndLine)

	hashes := map[string]bool{after[0].Hash: true, after[1].Hash: true}
	hits := f.pointsFor(t, "a.txt")
	assert.Len(t, hits, 2)
	for _, h := range hits {
		assert.NotEqual(t, before[0].PointID, h.ID, "the old single-chunk point must be gone")
		assert.True(t, hashes[h.ChunkHash])
	}
}

func TestRunBatch_MetadataOnlyChangeIsNotReembedded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"a.txt": "alpha\n"})

	_, err := f.idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	calls := f.emb.Calls()

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(f.root, "a.txt"), later, later))

	stats, err := f.idx.RunBatch(ctx, Batch{Paths: []string{"a.txt"}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Touched)
	assert.Equal(t, calls, f.emb.Calls())
}

func TestRunBatch_DeletionRemovesPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"keep.txt":    "keep\n",
		"gone.txt":    "gone\n",
		"pkg/one.txt": "one\n",
		"pkg/two.txt": "two\n",
	})
	_, err := f.idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	require.Equal(t, 4, f.gob.Len())

	require.NoError(t, os.Remove(filepath.Join(f.root, "gone.txt")))
	stats, err := f.idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)
	assert.Equal(t, 3, f.gob.Len())

	rec, err := f.m.GetFile(ctx, "gone.txt")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// A removed directory only reports itself.
	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "pkg")))
	stats, err = f.idx.RunBatch(ctx, Batch{Paths: []string{"pkg"}})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Removed)
	assert.Equal(t, 1, f.gob.Len())
}

func TestRunBatch_EmbedderFailureIsRecordedAndRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"a.txt": "alpha\n", "b.txt": "bravo\n"})

	f.emb.SetError(errors.New("model crashed"))
	stats, err := f.idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err, "a failing file never aborts the batch")
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, int64(1), stats.Generation)

	failed, err := f.m.ListErrors(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	f.emb.SetError(nil)
	stats, err = f.idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Indexed)

	failed, err = f.m.ListErrors(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestRunBatch_FailedReindexKeepsPreviousPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"a.txt": "alpha\n"})
	_, err := f.idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)

	f.write(t, "a.txt", "alpha and more\n")
	f.emb.SetError(errors.New("timeout"))
	stats, err := f.idx.RunBatch(ctx, Batch{Paths: []string{"a.txt"}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	hits := f.pointsFor(t, "a.txt")
	require.Len(t, hits, 1)
	assert.Equal(t, manifest.ChunkHash([]string{"alpha"}), hits[0].ChunkHash)
}

func TestRunBatch_ExcludesLargeAndBinaryFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"big.txt":  strings.Repeat("x", 5000),
		"blob.txt": "abc\x00\x01\x02def",
		"ok.txt":   "fine\n",
	})

	stats, err := f.idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Excluded)
	assert.Equal(t, 1, stats.Indexed)
	assert.Equal(t, 1, f.gob.Len())

	// Excluded files keep a record so they are not rehashed every pass.
	rec, err := f.m.GetFile(ctx, "big.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)

	stats, err = f.idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Excluded)
}

func TestRunBatch_NewlyIgnoredPathIsRemoved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"notes.log": "log line\n"})
	_, err := f.idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	require.Equal(t, 1, f.gob.Len())

	ignore, err := NewIgnoreMatcher(f.root, []string{"*.log"})
	require.NoError(t, err)
	f.idx.ignore = ignore

	stats, err := f.idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)
	assert.Equal(t, 0, f.gob.Len())
}

type flakyBackend struct {
	store.Backend
	down bool
}

func (b *flakyBackend) Upsert(ctx context.Context, points []store.Point) error {
	if b.down {
		return store.ErrBackendUnavailable
	}
	return b.Backend.Upsert(ctx, points)
}

func (b *flakyBackend) Health(ctx context.Context) error {
	if b.down {
		return store.ErrBackendUnavailable
	}
	return nil
}

func TestRunBatch_BackendOutagePausesIndexing(t *testing.T) {
	ctx := context.Background()
	var flaky *flakyBackend
	f := newFixtureWithBackend(t, map[string]string{"a.txt": "alpha\n"}, func(b store.Backend) store.Backend {
		flaky = &flakyBackend{Backend: b}
		return flaky
	})

	flaky.down = true
	stats, err := f.idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.True(t, f.idx.Paused())

	_, err = f.idx.RunBatch(ctx, Batch{Full: true})
	assert.ErrorIs(t, err, ErrPaused)

	gen, err := f.m.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen, "a refused batch does not advance the generation")

	flaky.down = false
	recovered := make(chan struct{})
	superviseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.idx.Supervise(superviseCtx, 10*time.Millisecond, func() { close(recovered) })

	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not resume indexing")
	}
	cancel()

	stats, err = f.idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
}

func TestStart_DimensionMismatchDisablesIndexing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"a.txt": "alpha\n"})

	// Same collection, different embedder width.
	f.emb.Dims = 16
	err := f.idx.CheckCompatibility(ctx)
	require.ErrorIs(t, err, ErrMismatch)

	_, err = f.idx.RunBatch(ctx, Batch{Full: true})
	assert.ErrorIs(t, err, ErrMismatch)

	st := f.idx.Status(ctx)
	assert.Contains(t, st.Mismatch, "8 dimensions")

	f.emb.Dims = 8
	require.NoError(t, f.idx.CheckCompatibility(ctx))
	_, err = f.idx.RunBatch(ctx, Batch{Full: true})
	assert.NoError(t, err)
}

func TestIndexFile_PointPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"src/app.py": "def hello():\n    return 1\n"})

	out, err := f.idx.IndexFile(ctx, "src/app.py")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIndexed, out)

	hits := f.pointsFor(t, "src/app.py")
	require.Len(t, hits, 1)
	p := hits[0].Point
	assert.Equal(t, manifest.PointID(testWorkspace, "src/app.py", 1, 2), p.ID)
	assert.Equal(t, testWorkspace, p.WorkspaceID)
	assert.Equal(t, "repo-test", p.RepoID)
	assert.Equal(t, "python", p.Language)
	assert.Equal(t, string(KindCode), p.ChunkKind)
	assert.Equal(t, manifest.ChunkHash([]string{"def hello():", "    return 1"}), p.ChunkHash)
	assert.NotEmpty(t, p.FileHash)
	assert.Equal(t, 0, p.ChunkIdx)
}

func TestLimiter_ReservesQuerySlots(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(2, 1)

	release, err := l.AcquireBackground(ctx)
	require.NoError(t, err)
	defer release()

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.AcquireBackground(blocked)
	assert.Error(t, err, "background work cannot take the reserved slot")

	qrelease, err := l.AcquireQuery(ctx)
	require.NoError(t, err)
	qrelease()
}

func TestStart_ReconcilesIndexBehindManifest(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.go": "package a\n\nfunc A() {}\n"})

	m, err := manifest.Open(ctx, filepath.Join(t.TempDir(), "manifest.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	indexPath := filepath.Join(t.TempDir(), "index.gob")
	emb := embeddertest.New(8)
	open := func() (*Indexer, *store.GOBStore) {
		gob := store.NewGOBStore(indexPath)
		require.NoError(t, gob.Load(ctx))
		ignore, err := NewIgnoreMatcher(root, nil)
		require.NoError(t, err)
		idx := NewIndexer(root, Options{
			WorkspaceID:    testWorkspace,
			EmbeddingModel: "fake",
			Workers:        1,
			BackendRetries: 1,
		}, m, gob, emb, NewChunker(150, 30), ignore, NewLimiter(2, 1))
		require.NoError(t, idx.Start(ctx))
		return idx, gob
	}

	idx, _ := open()
	_, err = idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	snapshot, err := os.ReadFile(indexPath)
	require.NoError(t, err)

	writeTree(t, root, map[string]string{"b.go": "package a\n\nfunc B() {}\n"})
	stats, err := idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Indexed)

	// The index file loses the second batch.
	require.NoError(t, os.WriteFile(indexPath, snapshot, 0644))

	idx, gob := open()
	rec, err := m.GetFile(ctx, "b.go")
	require.NoError(t, err)
	assert.Nil(t, rec, "b.go has no points and must be forgotten")

	stats, err = idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
	files, err := gob.PointFiles(ctx, testWorkspace)
	require.NoError(t, err)
	assert.Contains(t, values(files), "b.go")

	// In step again: nothing to reconcile or re-embed.
	calls := emb.Calls()
	idx, _ = open()
	stats, err = idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Indexed)
	assert.Equal(t, calls, emb.Calls())
}

func TestReconcile_DropsOrphanPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{"a.go": "package a\n\nfunc A() {}\n"})
	_, err := f.idx.RunBatch(ctx, Batch{Full: true})
	require.NoError(t, err)

	require.NoError(t, f.gob.Upsert(ctx, []store.Point{{
		ID:          "orphan",
		WorkspaceID: testWorkspace,
		FilePath:    "gone.go",
		Vector:      unitVector(f.emb.Dims),
	}}))

	n, err := f.idx.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.pointsFor(t, "gone.go"))
	assert.NotEmpty(t, f.pointsFor(t, "a.go"))
}

func values(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
