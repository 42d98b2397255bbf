package indexer

import (
	"context"
	"strings"

	"github.com/probehq/probe/manifest"
)

const (
	DefaultChunkLines   = 150
	DefaultChunkOverlap = 30

	// Semantic units longer than maxSemanticLines are cut into
	// splitLines-line windows overlapping by DefaultChunkOverlap.
	maxSemanticLines = 250
	splitLines       = 200

	headerSymbol = "(header)"
	introSymbol  = "(intro)"
)

// ChunkInfo is one line range of a file handed to the embedder.
type ChunkInfo struct {
	FilePath  string
	StartLine int // 1-based, inclusive
	EndLine   int // inclusive
	Content   string
	Symbol    string
	Language  string
	Kind      Kind
	Hash      string
}

// semanticSplitter splits source into syntax-aware spans. It returns nil when
// it does not handle the language or finds no semantic units.
type semanticSplitter interface {
	Split(ctx context.Context, language string, src []byte, lines []string) []span
	Supports(language string) bool
}

type span struct {
	start, end int
	symbol     string
}

// Chunker turns file text into ordered chunks: tree-sitter units when the
// language is supported, heading sections for markdown, and overlapping line
// windows otherwise.
type Chunker struct {
	windowLines int
	overlap     int
	semantic    semanticSplitter
}

func NewChunker(windowLines, overlap int) *Chunker {
	if windowLines <= 0 {
		windowLines = DefaultChunkLines
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= windowLines {
		overlap = windowLines / 5
	}
	return &Chunker{
		windowLines: windowLines,
		overlap:     overlap,
		semantic:    newSemanticSplitter(),
	}
}

// Chunk splits content of path into chunks ordered by start line. The chunk
// hash covers exactly the lines of the range.
func (c *Chunker) Chunk(ctx context.Context, path, content string) []ChunkInfo {
	lines := manifest.SplitLines(content)
	if strings.TrimSpace(content) == "" {
		return nil
	}

	language := DetectLanguage(path, []byte(content))
	kind := DetectKind(path)

	var spans []span
	if c.semantic != nil && c.semantic.Supports(language) {
		spans = c.semantic.Split(ctx, language, []byte(content), lines)
	}
	if len(spans) == 0 && language == "markdown" {
		spans = markdownSpans([]byte(content), lines)
	}
	if len(spans) == 0 {
		spans = windowSpans(1, len(lines), c.windowLines, c.overlap, "")
	}

	chunks := make([]ChunkInfo, 0, len(spans))
	for _, s := range spans {
		sel := manifest.LineRange(lines, s.start, s.end)
		if len(sel) == 0 {
			continue
		}
		text := strings.Join(sel, "\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		chunks = append(chunks, ChunkInfo{
			FilePath:  path,
			StartLine: s.start,
			EndLine:   s.end,
			Content:   text,
			Symbol:    s.symbol,
			Language:  language,
			Kind:      kind,
			Hash:      manifest.ChunkHash(sel),
		})
	}
	return chunks
}

// windowSpans covers first..last with windows of size lines overlapping by
// overlap lines. A range that fits in one window is returned whole.
func windowSpans(first, last, size, overlap int, symbol string) []span {
	if last < first {
		return nil
	}
	if last-first+1 <= size {
		return []span{{start: first, end: last, symbol: symbol}}
	}

	var out []span
	for i := first; ; {
		end := i + size - 1
		if end > last {
			end = last
		}
		out = append(out, span{start: i, end: end, symbol: symbol})
		if end >= last {
			break
		}
		i = end - overlap + 1
	}
	return out
}

// fillGaps turns the semantic units found in a file into a complete,
// non-overlapping cover: lines before the first unit become the header chunk,
// code between units becomes its own chunk, and oversized units are split.
func fillGaps(units []span, lines []string) []span {
	if len(units) == 0 {
		return nil
	}

	var out []span
	cursor := 1
	addGap := func(from, to int, symbol string) {
		if to < from || blank(lines, from, to) {
			return
		}
		out = append(out, windowSpans(from, to, splitLines, DefaultChunkOverlap, symbol)...)
	}

	for i, u := range units {
		if u.start < cursor {
			// nested or overlapping unit, already covered
			continue
		}
		symbol := ""
		if i == 0 {
			symbol = headerSymbol
		}
		addGap(cursor, u.start-1, symbol)

		if u.end-u.start+1 > maxSemanticLines {
			part := ""
			if u.symbol != "" {
				part = u.symbol + "[part]"
			}
			out = append(out, windowSpans(u.start, u.end, splitLines, DefaultChunkOverlap, part)...)
		} else {
			out = append(out, u)
		}
		cursor = u.end + 1
	}
	addGap(cursor, len(lines), "")
	return out
}

func blank(lines []string, from, to int) bool {
	for _, l := range manifest.LineRange(lines, from, to) {
		if strings.TrimSpace(l) != "" {
			return false
		}
	}
	return true
}
