package search

import (
	"testing"

	"github.com/probehq/probe/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(id, path string, start, end int, hash string) candidate {
	return candidate{Hit: store.Hit{Point: store.Point{ID: id, FilePath: path, StartLine: start, EndLine: end, ChunkHash: hash}}}
}

func TestMergeCandidates_NearbyRangesMerge(t *testing.T) {
	ranked := []candidate{
		cand("1", "a.go", 100, 120, "h1"),
		cand("2", "b.go", 1, 30, "h2"),
		cand("3", "a.go", 130, 150, "h3"),
		cand("4", "a.go", 400, 420, "h4"),
	}

	groups := mergeCandidates(ranked, 20)
	require.Len(t, groups, 3)

	assert.Equal(t, "1", groups[0].best.ID)
	assert.Equal(t, 100, groups[0].start)
	assert.Equal(t, 150, groups[0].end)
	assert.Len(t, groups[0].parts, 2)

	assert.Equal(t, "b.go", groups[1].best.FilePath)
	assert.Equal(t, 400, groups[2].start)
}

func TestMergeCandidates_IdenticalRangesCollapse(t *testing.T) {
	ranked := []candidate{
		cand("1", "a.go", 1, 10, "h"),
		cand("1b", "a.go", 1, 10, "h"),
	}
	groups := mergeCandidates(ranked, 0)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].parts, 1)
}

func TestMergeCandidates_BridgingKeepsBetterGroup(t *testing.T) {
	ranked := []candidate{
		cand("top", "a.go", 200, 220, "h1"),
		cand("mid", "a.go", 100, 120, "h2"),
		cand("bridge", "a.go", 122, 198, "h3"),
	}
	groups := mergeCandidates(ranked, 5)
	require.Len(t, groups, 1)
	assert.Equal(t, "top", groups[0].best.ID)
	assert.Equal(t, 100, groups[0].start)
	assert.Equal(t, 220, groups[0].end)
	assert.Len(t, groups[0].parts, 3)
}

func TestMergeCandidates_DistanceZeroKeepsGaps(t *testing.T) {
	ranked := []candidate{
		cand("1", "a.go", 1, 10, "h1"),
		cand("2", "a.go", 12, 20, "h2"),
	}
	assert.Len(t, mergeCandidates(ranked, 0), 2)
	assert.Len(t, mergeCandidates(ranked, 2), 1)
}

func TestMergeCandidates_PartsKeepRankOrder(t *testing.T) {
	ranked := []candidate{
		cand("best", "a.go", 50, 60, "h1"),
		cand("second", "a.go", 10, 20, "h2"),
		cand("third", "a.go", 30, 40, "h3"),
	}
	groups := mergeCandidates(ranked, 20)
	require.Len(t, groups, 1)

	parts := groups[0].ranked()
	require.Len(t, parts, 3)
	assert.Equal(t, 50, parts[0].start)
	assert.Equal(t, 10, parts[1].start)
	assert.Equal(t, 30, parts[2].start)
	assert.Equal(t, 10, groups[0].start)
	assert.Equal(t, 60, groups[0].end)
}
