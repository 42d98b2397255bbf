package indexer

import (
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// markdownSpans splits a markdown document at its top-level headings. Each
// section runs from its heading to the line before the next heading; text
// before the first heading is the intro section. Headings inside fenced code
// are not headings to goldmark, so they never split a section.
func markdownSpans(src []byte, lines []string) []span {
	if len(lines) == 0 {
		return nil
	}

	doc := goldmark.New().Parser().Parse(text.NewReader(src))
	lineStarts := buildLineStarts(string(src))

	type heading struct {
		line  int
		title string
	}
	var headings []heading
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		seg := h.Lines().At(0)
		var title strings.Builder
		for i := 0; i < h.Lines().Len(); i++ {
			s := h.Lines().At(i)
			title.Write(s.Value(src))
		}
		line := getLineNumber(lineStarts, seg.Start)
		// setext headings: the underline follows the text line, the
		// section still starts at the text line.
		headings = append(headings, heading{line: line, title: strings.TrimSpace(title.String())})
	}
	if len(headings) == 0 {
		return nil
	}
	sort.Slice(headings, func(i, j int) bool { return headings[i].line < headings[j].line })

	var out []span
	if headings[0].line > 1 {
		out = append(out, span{start: 1, end: headings[0].line - 1, symbol: introSymbol})
	}
	for i, h := range headings {
		end := len(lines)
		if i+1 < len(headings) {
			end = headings[i+1].line - 1
		}
		if end < h.line {
			continue
		}
		out = append(out, windowSpans(h.line, end, splitLines, DefaultChunkOverlap, h.title)...)
	}
	return out
}

// buildLineStarts returns the byte offset at which each line starts.
func buildLineStarts(content string) []int {
	starts := []int{0}
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// getLineNumber converts a byte offset into a 1-based line number.
func getLineNumber(lineStarts []int, pos int) int {
	idx := sort.Search(len(lineStarts), func(i int) bool { return lineStarts[i] > pos })
	if idx == 0 {
		return 1
	}
	return idx
}
