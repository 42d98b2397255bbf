package search

import (
	"sort"

	"github.com/probehq/probe/store"
)

// DefaultRRFK is the rank constant of reciprocal rank fusion.
const DefaultRRFK = 60

// candidate is one point after fusion. Ranks are 1-based; 0 means the point
// was absent from that list.
type candidate struct {
	store.Hit
	DenseRank int
	BM25Rank  int
	RRFScore  float64
}

// fuse merges the dense and lexical lists with reciprocal rank fusion in a
// single pass: every point scores the sum of 1/(k+rank) over the lists it
// appears in. Ties keep the better best-rank first, then path order, so the
// result depends on the ranks alone.
func fuse(dense, lexical []store.Hit, k int) []candidate {
	if k <= 0 {
		k = DefaultRRFK
	}

	byID := make(map[string]*candidate, len(dense)+len(lexical))
	order := make([]*candidate, 0, len(dense)+len(lexical))
	lists := [2][]store.Hit{dense, lexical}
	for li, list := range lists {
		for i, h := range list {
			rank := i + 1
			c, ok := byID[h.ID]
			if !ok {
				c = &candidate{Hit: h}
				byID[h.ID] = c
				order = append(order, c)
			}
			if li == 0 {
				c.DenseRank = rank
			} else {
				c.BM25Rank = rank
			}
			c.RRFScore += 1.0 / float64(k+rank)
		}
	}

	out := make([]candidate, len(order))
	for i, c := range order {
		out[i] = *c
		out[i].Score = c.RRFScore
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RRFScore != out[j].RRFScore {
			return out[i].RRFScore > out[j].RRFScore
		}
		if bi, bj := bestRank(out[i]), bestRank(out[j]); bi != bj {
			return bi < bj
		}
		if out[i].FilePath != out[j].FilePath {
			return out[i].FilePath < out[j].FilePath
		}
		return out[i].StartLine < out[j].StartLine
	})
	return out
}

func bestRank(c candidate) int {
	switch {
	case c.DenseRank == 0:
		return c.BM25Rank
	case c.BM25Rank == 0:
		return c.DenseRank
	case c.DenseRank < c.BM25Rank:
		return c.DenseRank
	default:
		return c.BM25Rank
	}
}
