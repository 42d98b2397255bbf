package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/probehq/probe/embedder/embeddertest"
	"github.com/probehq/probe/indexer"
	"github.com/probehq/probe/manifest"
	"github.com/probehq/probe/reranker"
	"github.com/probehq/probe/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkspace = "ws-search"

var testFiles = map[string]string{
	"config.go": "package demo\n\nfunc ParseConfig(path string) error {\n\treturn nil\n}\n",
	"token.go":  "package demo\n\nfunc RotateZanzibarToken(secret string) string {\n\treturn secret\n}\n",
	"README.md": "# Demo\n\nConfiguration parsing and token rotation.\n",
}

type fixture struct {
	root    string
	m       *manifest.Manifest
	gob     *store.GOBStore
	emb     *embeddertest.Fake
	idx     *indexer.Indexer
	limiter *indexer.Limiter
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, testFiles, indexer.NewChunker(150, 30))
}

func newFixtureWith(t *testing.T, files map[string]string, chunker *indexer.Chunker) *fixture {
	t.Helper()
	ctx := context.Background()

	root := t.TempDir()
	for rel, content := range files {
		writeFile(t, root, rel, content)
	}

	m, err := manifest.Open(ctx, filepath.Join(t.TempDir(), "manifest.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	ignore, err := indexer.NewIgnoreMatcher(root, nil)
	require.NoError(t, err)

	gob := store.NewGOBStore("")
	emb := embeddertest.New(16)
	limiter := indexer.NewLimiter(2, 1)
	idx := indexer.NewIndexer(root, indexer.Options{
		WorkspaceID:    testWorkspace,
		RepoID:         "repo",
		EmbeddingModel: "fake",
		Workers:        2,
		BackendRetries: 1,
	}, m, gob, emb, chunker, ignore, limiter)
	require.NoError(t, idx.Start(ctx))

	_, err = idx.RunBatch(ctx, indexer.Batch{Full: true, Reason: "test"})
	require.NoError(t, err)

	return &fixture{root: root, m: m, gob: gob, emb: emb, idx: idx, limiter: limiter}
}

func (f *fixture) searcher(backend store.Backend, rr Reranker, opts Options) *Searcher {
	if backend == nil {
		backend = f.gob
	}
	opts.WorkspaceID = testWorkspace
	return New(f.root, opts, backend, f.emb, rr, f.m, f.limiter)
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func paths(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Path
	}
	return out
}

func TestSearch_UniqueTermRanksFirst(t *testing.T) {
	f := newFixture(t)
	s := f.searcher(nil, nil, Options{})

	results, err := s.Search(context.Background(), Request{Query: "RotateZanzibarToken", Mode: ModeFast})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	top := results[0]
	assert.Equal(t, "token.go", top.Path)
	assert.Equal(t, 1, top.StartLine)
	assert.Equal(t, 5, top.EndLine)
	assert.False(t, top.Stale)
	assert.Equal(t, "token.go#L1-L5", top.Source)
	assert.Equal(t, 1, top.Signals.BM25Rank)
	assert.Nil(t, top.Signals.RerankScore)
	assert.Contains(t, top.Snippet, "func RotateZanzibarToken")
	assert.Equal(t, "go", top.Language)
}

func TestSearch_EditedFileIsStale(t *testing.T) {
	f := newFixture(t)
	s := f.searcher(nil, nil, Options{})
	ctx := context.Background()

	_, err := s.Search(ctx, Request{Query: "RotateZanzibarToken"})
	require.NoError(t, err)

	writeFile(t, f.root, "token.go", "package demo\n\nfunc RotateZanzibarToken(secret string) string {\n\treturn \"changed\"\n}\n")

	// Same generation: the ranking comes from the cache but staleness is
	// checked against the file as it is now.
	results, err := s.Search(ctx, Request{Query: "RotateZanzibarToken"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "token.go", results[0].Path)
	assert.True(t, results[0].Stale)
	assert.Contains(t, results[0].Snippet, "changed")

	// Reindexing clears it.
	_, err = f.idx.RunBatch(ctx, indexer.Batch{Paths: []string{"token.go"}})
	require.NoError(t, err)
	results, err = s.Search(ctx, Request{Query: "RotateZanzibarToken"})
	require.NoError(t, err)
	assert.False(t, results[0].Stale)
}

func TestSearch_DeletedFileDisappears(t *testing.T) {
	f := newFixture(t)
	s := f.searcher(nil, nil, Options{})
	ctx := context.Background()

	results, err := s.Search(ctx, Request{Query: "RotateZanzibarToken"})
	require.NoError(t, err)
	require.Contains(t, paths(results), "token.go")

	require.NoError(t, os.Remove(filepath.Join(f.root, "token.go")))
	_, err = f.idx.RunBatch(ctx, indexer.Batch{Paths: []string{"token.go"}})
	require.NoError(t, err)

	results, err = s.Search(ctx, Request{Query: "RotateZanzibarToken"})
	require.NoError(t, err)
	assert.NotContains(t, paths(results), "token.go")
}

func TestSearch_CacheFollowsGeneration(t *testing.T) {
	f := newFixture(t)
	s := f.searcher(nil, nil, Options{})
	ctx := context.Background()

	before := f.emb.Calls()
	_, err := s.Search(ctx, Request{Query: "ParseConfig"})
	require.NoError(t, err)
	_, err = s.Search(ctx, Request{Query: "ParseConfig"})
	require.NoError(t, err)
	assert.Equal(t, before+1, f.emb.Calls(), "second query should be served from cache")

	// A different top_k is a different key.
	_, err = s.Search(ctx, Request{Query: "ParseConfig", TopK: 1})
	require.NoError(t, err)
	assert.Equal(t, before+2, f.emb.Calls())

	_, err = f.idx.RunBatch(ctx, indexer.Batch{Paths: []string{"config.go"}})
	require.NoError(t, err)

	mid := f.emb.Calls()
	_, err = s.Search(ctx, Request{Query: "ParseConfig"})
	require.NoError(t, err)
	assert.Equal(t, mid+1, f.emb.Calls(), "a new generation must miss the cache")
}

func TestSearch_GlobAndLanguageFilters(t *testing.T) {
	f := newFixture(t)
	s := f.searcher(nil, nil, Options{})
	ctx := context.Background()

	results, err := s.Search(ctx, Request{
		Query:   "token rotation",
		Filters: Filters{ExcludeGlobs: []string{"token.go"}},
	})
	require.NoError(t, err)
	assert.NotContains(t, paths(results), "token.go")

	results, err = s.Search(ctx, Request{
		Query:   "token rotation",
		Filters: Filters{IncludeGlobs: []string{"*.md"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md"}, paths(results))

	results, err = s.Search(ctx, Request{
		Query:   "token",
		Filters: Filters{Languages: []string{"go"}},
	})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, "go", r.Language)
	}
}

func TestSearch_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.searcher(nil, nil, Options{})
	_, err := s.Search(ctx, Request{Query: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	down := f.searcher(unavailableBackend{f.gob}, nil, Options{})
	results, err := down.Search(ctx, Request{Query: "ParseConfig"})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Nil(t, results)

	require.NoError(t, f.m.SetMeta(ctx, manifest.MetaMismatch, "collection has 1024 dimensions but embedder produces 16"))
	_, err = s.Search(ctx, Request{Query: "ParseConfig"})
	assert.ErrorIs(t, err, ErrIndexMismatch)
	assert.Contains(t, err.Error(), "1024")
}

type unavailableBackend struct {
	store.Backend
}

func (unavailableBackend) Search(ctx context.Context, q store.Query) (*store.SearchResponse, error) {
	return nil, store.ErrBackendUnavailable
}

func rerankServer(t *testing.T, delay time.Duration, favour string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Documents []string `json:"documents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		scores := make([]reranker.Score, len(req.Documents))
		for i, doc := range req.Documents {
			scores[i] = reranker.Score{Index: i, Score: 0.1}
			if strings.Contains(doc, favour) {
				scores[i].Score = 0.9
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"results": scores})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearch_RerankReorders(t *testing.T) {
	f := newFixture(t)
	srv := rerankServer(t, 0, "ParseConfig")
	s := f.searcher(nil, reranker.New(srv.URL), Options{})

	results, err := s.Search(context.Background(), Request{Query: "RotateZanzibarToken", Mode: ModeAuto})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "config.go", results[0].Path)
	require.NotNil(t, results[0].Signals.RerankScore)
	assert.InDelta(t, 0.9, *results[0].Signals.RerankScore, 1e-9)
	assert.InDelta(t, 0.9, results[0].Score, 1e-9)
}

func ranges(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = fmt.Sprintf("%s:%d-%d", r.Path, r.StartLine, r.EndLine)
	}
	return out
}

func TestSearch_RerankTimeoutKeepsFusedOrder(t *testing.T) {
	f := newFixture(t)
	srv := rerankServer(t, 2*time.Second, "ParseConfig")
	s := f.searcher(nil, reranker.New(srv.URL), Options{RerankTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	fused, err := s.Search(ctx, Request{Query: "RotateZanzibarToken", Mode: ModeFast})
	require.NoError(t, err)
	require.NotEmpty(t, fused)

	start := time.Now()
	results, err := s.Search(ctx, Request{Query: "RotateZanzibarToken", Mode: ModeQuality})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, ranges(fused), ranges(results))
	for _, r := range results {
		assert.Nil(t, r.Signals.RerankScore)
	}
}

func TestSearch_FailedRerankIsNotCached(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int32
	stalled := rerankServer(t, 2*time.Second, "ParseConfig")
	healthy := rerankServer(t, 0, "ParseConfig")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			stalled.Config.Handler.ServeHTTP(w, r)
			return
		}
		healthy.Config.Handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	s := f.searcher(nil, reranker.New(srv.URL), Options{RerankTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	req := Request{Query: "RotateZanzibarToken", Mode: ModeQuality}

	first, err := s.Search(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Nil(t, first[0].Signals.RerankScore)

	second, err := s.Search(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, second)
	assert.Equal(t, int32(2), calls.Load(), "the reranker must be asked again")
	require.NotNil(t, second[0].Signals.RerankScore)
	assert.Equal(t, "config.go", second[0].Path)

	// A successful rerank is cached.
	_, err = s.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearch_RerankedScoresDescend(t *testing.T) {
	f := newFixture(t)
	srv := rerankServer(t, 0, "ParseConfig")
	ctx := context.Background()

	s := f.searcher(nil, reranker.New(srv.URL), Options{})
	results, err := s.Search(ctx, Request{Query: "token", Mode: ModeQuality})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for i, r := range results {
		require.NotNil(t, r.Signals.RerankScore, "result %d", i)
		if i > 0 {
			assert.LessOrEqual(t, r.Score, results[i-1].Score)
		}
	}

	// Candidates beyond the reranked head are not returned.
	one := f.searcher(nil, reranker.New(srv.URL), Options{RerankCandidates: 1})
	results, err = one.Search(ctx, Request{Query: "token", Mode: ModeQuality})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearch_FastModeSkipsReranker(t *testing.T) {
	f := newFixture(t)
	srv := rerankServer(t, 0, "ParseConfig")
	s := f.searcher(nil, reranker.New(srv.URL), Options{})

	results, err := s.Search(context.Background(), Request{Query: "RotateZanzibarToken", Mode: ModeFast})
	require.NoError(t, err)
	assert.Equal(t, "token.go", results[0].Path)
}

func TestSearch_NeighborsAreRelated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	writeFile(t, f.root, "guide.md", strings.Join([]string{
		"# Intro",
		"",
		"Some introduction.",
		"",
		"# Quokka",
		"",
		"The QuokkaHandler lives here.",
		"",
		"# Outro",
		"",
		"Closing words.",
	}, "\n")+"\n")
	_, err := f.idx.RunBatch(ctx, indexer.Batch{Paths: []string{"guide.md"}})
	require.NoError(t, err)

	chunks, err := f.m.ChunksForFile(ctx, "guide.md")
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	s := f.searcher(nil, nil, Options{MergeDistance: 0})
	results, err := s.Search(ctx, Request{Query: "QuokkaHandler", TopK: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "guide.md#L5-L8", results[0].Source)

	require.Len(t, results[0].Related, 2)
	assert.Equal(t, 1, results[0].Related[0].StartLine)
	assert.Equal(t, 9, results[0].Related[1].StartLine)
	for _, rel := range results[0].Related {
		assert.Equal(t, "guide.md", rel.Path)
		assert.False(t, rel.Stale)
	}
}

const twoFunctions = `package demo

func LoadSettings(path string) error {
	_ = path
	return nil
}

func FrobnicateQuokka(v uint) uint {
	return ^v
}
`

func TestSearch_SecondFunctionRanksAboveFirst(t *testing.T) {
	f := newFixtureWith(t, map[string]string{"two.go": twoFunctions}, indexer.NewChunker(7, 0))
	ctx := context.Background()

	chunks, err := f.m.ChunksForFile(ctx, "two.go")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)

	s := f.searcher(nil, nil, Options{MergeDistance: 20})
	results, err := s.Search(ctx, Request{Query: "FrobnicateQuokka", Mode: ModeFast})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	top := results[0]
	assert.Equal(t, "two.go", top.Path)
	assert.GreaterOrEqual(t, top.StartLine, 7)
	assert.Contains(t, top.Snippet, "func FrobnicateQuokka")
	assert.NotContains(t, top.Snippet, "func LoadSettings")
	assert.Equal(t, fmt.Sprintf("two.go#L%d-L%d", top.StartLine, top.EndLine), top.Source)
	assert.False(t, top.Stale)

	// The first function is either merged into the top result, listed after
	// its own range, or a later result.
	firstLine := 3
	var after bool
	for _, m := range top.Merged {
		if m.StartLine <= firstLine && firstLine <= m.EndLine {
			after = true
		}
	}
	for _, r := range results[1:] {
		if r.Path == "two.go" && r.StartLine <= firstLine && firstLine <= r.EndLine {
			after = true
		}
	}
	assert.True(t, after, "first function should rank below the second: %+v", results)
	if top.Span != nil {
		assert.LessOrEqual(t, top.Span.StartLine, firstLine)
		assert.GreaterOrEqual(t, top.Span.EndLine, top.EndLine)
	}

	writeFile(t, f.root, "two.go", strings.Replace(twoFunctions, "return ^v", "return v + 1", 1))
	results, err = s.Search(ctx, Request{Query: "FrobnicateQuokka", Mode: ModeFast})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "two.go", results[0].Path)
	assert.True(t, results[0].Stale)
}

func TestSearch_LongFileKeepsMatchInSnippet(t *testing.T) {
	var b strings.Builder
	b.WriteString("package demo\n")
	for i := 2; i <= 300; i++ {
		if i == 280 {
			b.WriteString("func ZorblatFrobnicate() int { return 42 }\n")
			continue
		}
		fmt.Fprintf(&b, "var v%d = %d\n", i, i)
	}
	f := newFixtureWith(t, map[string]string{"big.go": b.String()}, indexer.NewChunker(150, 30))

	s := f.searcher(nil, nil, Options{MergeDistance: 20})
	results, err := s.Search(context.Background(), Request{Query: "ZorblatFrobnicate", Mode: ModeFast})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	top := results[0]
	assert.Equal(t, "big.go", top.Path)
	assert.LessOrEqual(t, top.StartLine, 280)
	assert.GreaterOrEqual(t, top.EndLine, 280)
	assert.Less(t, top.EndLine-top.StartLine, 299, "the best chunk, not the whole file")
	require.Contains(t, top.Snippet, "ZorblatFrobnicate")

	line := top.SnippetLine
	for _, text := range strings.Split(top.Snippet, "\n") {
		if text == "..." {
			continue
		}
		if strings.Contains(text, "ZorblatFrobnicate") {
			assert.Equal(t, 280, line)
			break
		}
		line++
	}
}

func TestFocusOffset(t *testing.T) {
	lines := make([]string, 40)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	lines[30] = "func Needle() {}"

	assert.Equal(t, 0, focusOffset(lines, nil, 15))
	assert.Equal(t, 0, focusOffset(lines, []string{"missing"}, 15))
	assert.Equal(t, 30-snippetContext, focusOffset(lines, []string{"needle"}, 15))

	lines[38] = "Needle again"
	lines[30] = "line 31"
	assert.Equal(t, 25, focusOffset(lines, []string{"needle"}, 15))

	lines[5] = "needle early"
	assert.Equal(t, 0, focusOffset(lines, []string{"needle"}, 15))
}

func TestSearch_InvalidGlob(t *testing.T) {
	f := newFixture(t)
	s := f.searcher(nil, nil, Options{})
	_, err := s.Search(context.Background(), Request{Query: "token", Filters: Filters{IncludeGlobs: []string{"["}}})
	assert.ErrorContains(t, err, "invalid glob")
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeAuto, "auto": ModeAuto, "FAST": ModeFast, "quality": ModeQuality} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("turbo")
	assert.Error(t, err)
}
