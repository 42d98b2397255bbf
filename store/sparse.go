package store

import (
	"hash/fnv"
	"sort"
	"strings"
	"unicode"
)

// BM25 document-side parameters. Qdrant applies the IDF factor server-side
// through the collection's IDF modifier; the GOB backend computes it itself.
const (
	bm25K1     = 1.2
	bm25B      = 0.75
	bm25AvgLen = 150.0
)

// SparseVector is a term vector keyed by token hash, sorted by index.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// Tokenize lowercases text and splits it into identifier tokens. Nothing is
// stemmed and no stop words are removed. Compound identifiers yield the
// whole identifier followed by its snake_case and camelCase parts, so
// "parseHTTPHeader" matches both itself and "header".
func Tokenize(text string) []string {
	var tokens []string
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, f := range fields {
		f = strings.Trim(f, "_")
		if f == "" {
			continue
		}
		tokens = append(tokens, strings.ToLower(f))
		parts := splitIdentifier(f)
		if len(parts) > 1 {
			for _, p := range parts {
				tokens = append(tokens, strings.ToLower(p))
			}
		}
	}
	return tokens
}

// splitIdentifier splits on underscores and lower-to-upper case changes.
// Runs of capitals stay together ("HTTPServer" -> "HTTP", "Server").
func splitIdentifier(s string) []string {
	var parts []string
	for _, piece := range strings.Split(s, "_") {
		if piece == "" {
			continue
		}
		runes := []rune(piece)
		start := 0
		for i := 1; i < len(runes); i++ {
			prev, cur := runes[i-1], runes[i]
			split := unicode.IsLower(prev) && unicode.IsUpper(cur)
			if !split && unicode.IsUpper(prev) && unicode.IsUpper(cur) && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
				split = true
			}
			if !split && unicode.IsDigit(prev) != unicode.IsDigit(cur) {
				split = true
			}
			if split {
				parts = append(parts, string(runes[start:i]))
				start = i
			}
		}
		parts = append(parts, string(runes[start:]))
	}
	return parts
}

func tokenIndex(token string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return h.Sum32()
}

// EncodeDocument returns the BM25 term-frequency vector of a chunk.
func EncodeDocument(text string) SparseVector {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return SparseVector{}
	}

	tf := make(map[uint32]float64, len(tokens))
	for _, t := range tokens {
		tf[tokenIndex(t)]++
	}

	norm := bm25K1 * (1 - bm25B + bm25B*float64(len(tokens))/bm25AvgLen)
	weights := make(map[uint32]float32, len(tf))
	for idx, f := range tf {
		weights[idx] = float32(f * (bm25K1 + 1) / (f + norm))
	}
	return sortedVector(weights)
}

// EncodeQuery returns the query-side vector: each distinct token weighs 1.
func EncodeQuery(text string) SparseVector {
	weights := make(map[uint32]float32)
	for _, t := range Tokenize(text) {
		weights[tokenIndex(t)] = 1
	}
	return sortedVector(weights)
}

func sortedVector(weights map[uint32]float32) SparseVector {
	v := SparseVector{
		Indices: make([]uint32, 0, len(weights)),
		Values:  make([]float32, 0, len(weights)),
	}
	for idx := range weights {
		v.Indices = append(v.Indices, idx)
	}
	sort.Slice(v.Indices, func(i, j int) bool { return v.Indices[i] < v.Indices[j] })
	for _, idx := range v.Indices {
		v.Values = append(v.Values, weights[idx])
	}
	return v
}

// Dot returns the sum of products over shared indices.
func (v SparseVector) Dot(other SparseVector, weight func(uint32) float64) float64 {
	var sum float64
	i, j := 0, 0
	for i < len(v.Indices) && j < len(other.Indices) {
		switch {
		case v.Indices[i] < other.Indices[j]:
			i++
		case v.Indices[i] > other.Indices[j]:
			j++
		default:
			w := 1.0
			if weight != nil {
				w = weight(v.Indices[i])
			}
			sum += float64(v.Values[i]) * float64(other.Values[j]) * w
			i++
			j++
		}
	}
	return sum
}
