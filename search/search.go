// Package search answers hybrid queries over the index: dense and lexical
// candidates fused by reciprocal rank, optionally reranked, stitched with
// their neighbours and checked against the files on disk.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/probehq/probe/embedder"
	"github.com/probehq/probe/manifest"
	"github.com/probehq/probe/reranker"
	"github.com/probehq/probe/store"
)

var (
	// ErrBackendUnavailable means the index cannot be searched right now.
	// It is never reported as an empty result list.
	ErrBackendUnavailable = errors.New("search backend unavailable")

	// ErrIndexMismatch means the index was built with a different
	// embedding width than the one configured; scores would be meaningless.
	ErrIndexMismatch = errors.New("index does not match the embedding configuration")

	ErrEmptyQuery = errors.New("query is empty")
)

type Mode string

const (
	ModeFast    Mode = "fast"
	ModeQuality Mode = "quality"
	ModeAuto    Mode = "auto"
)

// ParseMode accepts "", "fast", "quality" and "auto"; "" means auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeFast:
		return ModeFast, nil
	case ModeQuality:
		return ModeQuality, nil
	}
	return "", fmt.Errorf("unknown search mode %q (want fast, quality or auto)", s)
}

// Filters narrow a search. Languages and chunk kinds are applied by the
// backend; globs are applied to the candidate paths.
type Filters struct {
	Languages    []string `json:"languages,omitempty"`
	ChunkKinds   []string `json:"chunk_kinds,omitempty"`
	IncludeGlobs []string `json:"include_globs,omitempty"`
	ExcludeGlobs []string `json:"exclude_globs,omitempty"`
}

type Request struct {
	Query       string
	TopK        int
	Mode        Mode
	Instruction string
	Filters     Filters
}

// Signals explain where a result's rank came from. Ranks are 1-based; a
// zero rank means the result was not in that list.
type Signals struct {
	DenseRank   int      `json:"dense_rank,omitempty"`
	BM25Rank    int      `json:"bm25_rank,omitempty"`
	RRFScore    float64  `json:"rrf_score"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

type Related struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Snippet   string `json:"snippet"`
	Stale     bool   `json:"stale"`
}

// LineRange is an inclusive, 1-based range of lines in one file.
type LineRange struct {
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// Result is one hit. StartLine and EndLine are the range of the best
// ranked chunk; when nearby chunks of the same file were merged into it,
// Span covers all of them and Merged lists the others in rank order.
// SnippetLine is the line number of the first snippet line.
type Result struct {
	Path        string      `json:"path"`
	StartLine   int         `json:"start_line"`
	EndLine     int         `json:"end_line"`
	Snippet     string      `json:"snippet"`
	SnippetLine int         `json:"snippet_line"`
	Score       float64     `json:"score"`
	Stale       bool        `json:"stale"`
	Source      string      `json:"source"`
	Symbol      string      `json:"symbol,omitempty"`
	Language    string      `json:"language,omitempty"`
	Signals     Signals     `json:"signals"`
	Span        *LineRange  `json:"span,omitempty"`
	Merged      []LineRange `json:"merged,omitempty"`
	Related     []Related   `json:"related,omitempty"`
}

// Reranker scores documents against a query; *reranker.Client satisfies it.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, instruction string) ([]reranker.Score, error)
}

// QueryLimiter hands out slots of the shared inference budget.
type QueryLimiter interface {
	AcquireQuery(ctx context.Context) (func(), error)
}

type Options struct {
	WorkspaceID      string
	TopK             int
	Oversample       int
	RRFK             int
	RerankCandidates int
	RerankTimeout    time.Duration
	NeighborTop      int
	MergeDistance    int
	SnippetLines     int
	CacheSize        int
	CacheTTL         time.Duration
}

func (o *Options) applyDefaults() {
	if o.TopK <= 0 {
		o.TopK = 12
	}
	if o.Oversample <= 0 {
		o.Oversample = 40
	}
	if o.RRFK <= 0 {
		o.RRFK = DefaultRRFK
	}
	if o.RerankCandidates <= 0 {
		o.RerankCandidates = 20
	}
	if o.RerankTimeout <= 0 {
		o.RerankTimeout = 5 * time.Second
	}
	if o.NeighborTop < 0 {
		o.NeighborTop = 0
	} else if o.NeighborTop == 0 {
		o.NeighborTop = 5
	}
	if o.MergeDistance < 0 {
		o.MergeDistance = 0
	}
	if o.SnippetLines <= 0 {
		o.SnippetLines = 15
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 256
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
}

const (
	maxTopK = 100

	// snippetContext is how many lines are kept above the first line that
	// mentions the query when a snippet does not start at its chunk.
	snippetContext = 3
)

type Searcher struct {
	root     string
	opts     Options
	backend  store.Backend
	embedder embedder.Embedder
	reranker Reranker
	manifest *manifest.Manifest
	limiter  QueryLimiter
	cache    *expirable.LRU[string, *cachedQuery]
}

// New builds a Searcher. rr and limiter may be nil.
func New(root string, opts Options, backend store.Backend, emb embedder.Embedder, rr Reranker, m *manifest.Manifest, limiter QueryLimiter) *Searcher {
	opts.applyDefaults()
	return &Searcher{
		root:     root,
		opts:     opts,
		backend:  backend,
		embedder: emb,
		reranker: rr,
		manifest: m,
		limiter:  limiter,
		cache:    expirable.NewLRU[string, *cachedQuery](opts.CacheSize, nil, opts.CacheTTL),
	}
}

// RerankerConfigured reports whether quality mode can rerank.
func (s *Searcher) RerankerConfigured() bool { return s.reranker != nil }

// Search runs the retrieval pipeline for req.
func (s *Searcher) Search(ctx context.Context, req Request) ([]Result, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}
	if req.TopK <= 0 {
		req.TopK = s.opts.TopK
	}
	if req.TopK > maxTopK {
		req.TopK = maxTopK
	}
	if req.Mode == "" {
		req.Mode = ModeAuto
	}
	for _, g := range append(append([]string(nil), req.Filters.IncludeGlobs...), req.Filters.ExcludeGlobs...) {
		if !validGlob(g) {
			return nil, fmt.Errorf("invalid glob %q", g)
		}
	}

	if msg, err := s.manifest.Meta(ctx, manifest.MetaMismatch); err != nil {
		return nil, fmt.Errorf("failed to read index state: %w", err)
	} else if msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrIndexMismatch, msg)
	}

	gen, err := s.manifest.Generation(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read generation: %w", err)
	}
	key := s.cacheKey(gen, req)
	entry, ok := s.cache.Get(key)
	if !ok {
		entry, err = s.retrieve(ctx, req)
		if err != nil {
			return nil, err
		}
		// A ranking that fell back from a failed rerank is served once;
		// the next identical query asks the reranker again.
		if !entry.degraded {
			s.cache.Add(key, entry)
		}
	}

	// Snippets and staleness always reflect the files as they are now, so
	// they are rebuilt even for cached rankings.
	files := newFileReader(s.root)
	terms := queryTerms(req.Query)
	results := make([]Result, len(entry.groups))
	for i, g := range entry.groups {
		results[i] = s.buildResult(ctx, g, entry.reranked, files, terms)
	}
	s.attachNeighbors(ctx, results, entry.groups, files)
	return results, nil
}

// cachedQuery is the ranking of one query at one generation. degraded is
// set when a requested rerank failed and the fused order was kept.
type cachedQuery struct {
	groups   []*group
	reranked map[string]float64
	degraded bool
}

func (s *Searcher) retrieve(ctx context.Context, req Request) (*cachedQuery, error) {
	vector, err := s.embedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	limit := s.opts.Oversample
	if limit < req.TopK {
		limit = req.TopK
	}
	resp, err := s.backend.Search(ctx, store.Query{
		Vector: vector,
		Text:   req.Query,
		Limit:  limit,
		Filter: store.Filter{
			WorkspaceID: s.opts.WorkspaceID,
			Languages:   req.Filters.Languages,
			ChunkKinds:  req.Filters.ChunkKinds,
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDimensionMismatch):
			return nil, fmt.Errorf("%w: %v", ErrIndexMismatch, err)
		case errors.Is(err, store.ErrBackendUnavailable):
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}

	dense := filterHits(resp.Dense, req.Filters)
	lexical := filterHits(resp.Lexical, req.Filters)
	ranked := fuse(dense, lexical, s.opts.RRFK)
	ranked, reranked, ok := s.rerank(ctx, req, ranked, newFileReader(s.root))

	// Only the final ranking is merged, so candidates that did not make
	// the cut cannot stretch a result.
	if len(ranked) > req.TopK {
		ranked = ranked[:req.TopK]
	}
	groups := mergeCandidates(ranked, s.opts.MergeDistance)
	return &cachedQuery{groups: groups, reranked: reranked, degraded: !ok}, nil
}

func (s *Searcher) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if s.limiter != nil {
		release, err := s.limiter.AcquireQuery(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	vector, err := s.embedder.Embed(ctx, embedder.FormatQuery(query))
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return vector, nil
}

func filterHits(hits []store.Hit, f Filters) []store.Hit {
	if len(f.IncludeGlobs) == 0 && len(f.ExcludeGlobs) == 0 {
		return hits
	}
	out := hits[:0:0]
	for _, h := range hits {
		if f.allowed(h.FilePath) {
			out = append(out, h)
		}
	}
	return out
}

// rerank scores the first RerankCandidates of ranked when the effective
// mode is quality and returns them ordered by rerank score. Candidates the
// reranker did not score are dropped, so scores fall down the list. When a
// requested rerank times out or fails, ranked comes back unchanged with ok
// false.
func (s *Searcher) rerank(ctx context.Context, req Request, ranked []candidate, files *fileReader) ([]candidate, map[string]float64, bool) {
	mode := req.Mode
	if mode == ModeAuto {
		mode = ModeFast
		if s.reranker != nil {
			mode = ModeQuality
		}
	}
	if mode != ModeQuality || s.reranker == nil || len(ranked) == 0 {
		return ranked, nil, true
	}

	n := s.opts.RerankCandidates
	if n > len(ranked) {
		n = len(ranked)
	}
	head := ranked[:n]
	docs := make([]string, n)
	for i, c := range head {
		docs[i] = strings.Join(files.lines(c.FilePath, c.StartLine, c.EndLine), "\n")
	}

	rctx, cancel := context.WithTimeout(ctx, s.opts.RerankTimeout)
	defer cancel()

	if s.limiter != nil {
		release, err := s.limiter.AcquireQuery(rctx)
		if err != nil {
			log.Printf("Rerank skipped: %v", err)
			return ranked, nil, false
		}
		defer release()
	}

	scores, err := s.reranker.Rerank(rctx, req.Query, docs, req.Instruction)
	if err != nil {
		log.Printf("Rerank failed, keeping fused order: %v", err)
		return ranked, nil, false
	}

	type scored struct {
		c     candidate
		score float64
		pos   int
	}
	seen := make(map[int]bool, len(scores))
	items := make([]scored, 0, len(scores))
	for _, sc := range scores {
		if sc.Index < 0 || sc.Index >= n || seen[sc.Index] {
			continue
		}
		seen[sc.Index] = true
		items = append(items, scored{c: head[sc.Index], score: sc.Score, pos: sc.Index})
	}
	if len(items) == 0 {
		log.Printf("Rerank returned no usable scores, keeping fused order")
		return ranked, nil, false
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].pos < items[j].pos
	})

	out := make([]candidate, len(items))
	byID := make(map[string]float64, len(items))
	for i, it := range items {
		out[i] = it.c
		out[i].Score = it.score
		byID[it.c.ID] = it.score
	}
	return out, byID, true
}

func (s *Searcher) buildResult(ctx context.Context, g *group, reranked map[string]float64, files *fileReader, terms []string) Result {
	best := g.best
	r := Result{
		Path:      best.FilePath,
		StartLine: best.StartLine,
		EndLine:   best.EndLine,
		Score:     best.Score,
		Source:    fmt.Sprintf("%s#L%d-L%d", best.FilePath, best.StartLine, best.EndLine),
		Symbol:    best.Symbol,
		Language:  best.Language,
		Signals: Signals{
			DenseRank: best.DenseRank,
			BM25Rank:  best.BM25Rank,
			RRFScore:  best.RRFScore,
		},
	}
	if score, ok := reranked[best.ID]; ok {
		r.Signals.RerankScore = &score
	}

	if len(g.parts) > 1 {
		r.Span = &LineRange{StartLine: g.start, EndLine: g.end}
		for _, p := range g.ranked() {
			if p.start == best.StartLine && p.end == best.EndLine {
				continue
			}
			r.Merged = append(r.Merged, LineRange{StartLine: p.start, EndLine: p.end})
		}
	}

	for _, p := range g.parts {
		if s.isStale(ctx, files, best.FilePath, p) {
			r.Stale = true
			break
		}
	}
	r.Snippet, r.SnippetLine = s.snippet(files, best.FilePath, best.StartLine, best.EndLine, terms)
	return r
}

// isStale hashes the current lines of a range and compares them with the
// hash recorded when the range was indexed.
func (s *Searcher) isStale(ctx context.Context, files *fileReader, path string, p span) bool {
	if !files.readable(path) {
		return true
	}
	expected := p.hash
	if rec, err := s.manifest.ChunkByRange(ctx, path, p.start, p.end); err == nil && rec != nil {
		expected = rec.Hash
	}
	if expected == "" {
		return false
	}
	return manifest.ChunkHash(files.lines(path, p.start, p.end)) != expected
}

// snippet returns at most SnippetLines lines of path between start and end
// and the number of its first line. A long range is cut around the first
// line that mentions a query term; cuts are marked with "...".
func (s *Searcher) snippet(files *fileReader, path string, start, end int, terms []string) (string, int) {
	if !files.readable(path) {
		return "(file not found or unreadable)", start
	}
	lines := files.lines(path, start, end)
	n := s.opts.SnippetLines
	if len(lines) <= n {
		return strings.Join(lines, "\n"), start
	}

	offset := focusOffset(lines, terms, n)
	out := make([]string, 0, n+2)
	if offset > 0 {
		out = append(out, "...")
	}
	out = append(out, lines[offset:offset+n]...)
	if offset+n < len(lines) {
		out = append(out, "...")
	}
	return strings.Join(out, "\n"), start + offset
}

// focusOffset is the index where an n-line window of lines should begin to
// show the first line containing one of terms.
func focusOffset(lines, terms []string, n int) int {
	if len(terms) == 0 {
		return 0
	}
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, t := range terms {
			if !strings.Contains(lower, t) {
				continue
			}
			if i < n {
				return 0
			}
			off := i - snippetContext
			if off+n > len(lines) {
				off = len(lines) - n
			}
			if off < 0 {
				off = 0
			}
			return off
		}
	}
	return 0
}

// queryTerms are the lowercased query tokens long enough to be worth
// looking for in a snippet.
func queryTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, t := range store.Tokenize(query) {
		if len(t) < 3 || seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
	}
	return terms
}

// attachNeighbors adds the chunks right before and after the best chunk of
// the first NeighborTop results, skipping ranges already shown.
func (s *Searcher) attachNeighbors(ctx context.Context, results []Result, groups []*group, files *fileReader) {
	n := s.opts.NeighborTop
	if n > len(results) {
		n = len(results)
	}
	for i := 0; i < n; i++ {
		best := groups[i].best
		seq := best.ChunkIdx
		if rec, err := s.manifest.ChunkByRange(ctx, best.FilePath, best.StartLine, best.EndLine); err == nil && rec != nil {
			seq = rec.Seq
		}
		neighbors, err := s.manifest.Neighbors(ctx, best.FilePath, seq)
		if err != nil {
			log.Printf("Failed to load neighbors of %s:%d: %v", best.FilePath, best.StartLine, err)
			continue
		}
		for _, nb := range neighbors {
			if covered(results, nb.FilePath, nb.StartLine, nb.EndLine) {
				continue
			}
			snippet, _ := s.snippet(files, nb.FilePath, nb.StartLine, nb.EndLine, nil)
			results[i].Related = append(results[i].Related, Related{
				Path:      nb.FilePath,
				StartLine: nb.StartLine,
				EndLine:   nb.EndLine,
				Snippet:   snippet,
				Stale:     s.isStale(ctx, files, nb.FilePath, span{start: nb.StartLine, end: nb.EndLine, hash: nb.Hash}),
			})
		}
	}
}

func covered(results []Result, path string, start, end int) bool {
	for _, r := range results {
		if r.Path != path {
			continue
		}
		lo, hi := r.StartLine, r.EndLine
		if r.Span != nil {
			lo, hi = r.Span.StartLine, r.Span.EndLine
		}
		if start >= lo && end <= hi {
			return true
		}
	}
	return false
}

func (s *Searcher) cacheKey(gen int64, req Request) string {
	norm := func(v []string) string {
		c := append([]string(nil), v...)
		sort.Strings(c)
		return strings.Join(c, ",")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%s|%d|%s|%s", s.opts.WorkspaceID, gen, req.Query, req.TopK, req.Mode, req.Instruction)
	fmt.Fprintf(&b, "|lang:%s|kind:%s|inc:%s|exc:%s",
		norm(req.Filters.Languages), norm(req.Filters.ChunkKinds),
		norm(req.Filters.IncludeGlobs), norm(req.Filters.ExcludeGlobs))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// fileReader reads each file at most once per query.
type fileReader struct {
	root  string
	files map[string][]string
	bad   map[string]bool
}

func newFileReader(root string) *fileReader {
	return &fileReader{root: root, files: make(map[string][]string), bad: make(map[string]bool)}
}

func (f *fileReader) load(path string) ([]string, bool) {
	if lines, ok := f.files[path]; ok {
		return lines, true
	}
	if f.bad[path] {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(path)))
	if err != nil || !utf8.Valid(data) {
		f.bad[path] = true
		return nil, false
	}
	lines := manifest.SplitLines(string(data))
	f.files[path] = lines
	return lines, true
}

func (f *fileReader) readable(path string) bool {
	_, ok := f.load(path)
	return ok
}

func (f *fileReader) lines(path string, start, end int) []string {
	all, ok := f.load(path)
	if !ok {
		return nil
	}
	return append([]string(nil), manifest.LineRange(all, start, end)...)
}
