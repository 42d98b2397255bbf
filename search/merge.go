package search

import "sort"

// span is one indexed range that ended up inside a result, with the chunk
// hash recorded when it was indexed and its position in the ranking.
type span struct {
	start, end int
	hash       string
	rank       int
}

// group is a result before snippets are read: the best candidate of a file
// region plus every range merged into it.
type group struct {
	best  candidate
	start int
	end   int
	parts []span
}

// mergeCandidates walks the final ranked candidates and folds each into an earlier
// group of the same file when the two ranges overlap or lie within distance
// lines of each other. Identical ranges collapse. Groups keep the rank and
// score of their best member; growing a group can make it touch another
// group of the same file, which is merged as well.
func mergeCandidates(ranked []candidate, distance int) []*group {
	var groups []*group
	byFile := make(map[string][]*group)

	for i, c := range ranked {
		part := span{start: c.StartLine, end: c.EndLine, hash: c.ChunkHash, rank: i}

		var target *group
		for _, g := range byFile[c.FilePath] {
			if near(g.start, g.end, c.StartLine, c.EndLine, distance) {
				target = g
				break
			}
		}
		if target == nil {
			g := &group{best: c, start: c.StartLine, end: c.EndLine, parts: []span{part}}
			groups = append(groups, g)
			byFile[c.FilePath] = append(byFile[c.FilePath], g)
			continue
		}

		target.add(part)
		groups = absorb(groups, byFile, target, distance)
	}
	return groups
}

func near(aStart, aEnd, bStart, bEnd, distance int) bool {
	return bStart <= aEnd+distance && bEnd >= aStart-distance
}

func (g *group) add(p span) {
	for _, existing := range g.parts {
		if existing.start == p.start && existing.end == p.end {
			return
		}
	}
	g.parts = append(g.parts, p)
	if p.start < g.start {
		g.start = p.start
	}
	if p.end > g.end {
		g.end = p.end
	}
}

// ranked returns the parts of g best first.
func (g *group) ranked() []span {
	out := append([]span(nil), g.parts...)
	sort.Slice(out, func(i, j int) bool { return out[i].rank < out[j].rank })
	return out
}

// absorb merges groups of target's file that target now reaches. The
// better ranked group of each pair survives.
func absorb(groups []*group, byFile map[string][]*group, target *group, distance int) []*group {
	path := target.best.FilePath
	for {
		merged := false
		for _, g := range byFile[path] {
			if g == target || !near(target.start, target.end, g.start, g.end, distance) {
				continue
			}
			keep, drop := target, g
			if indexOf(groups, g) < indexOf(groups, target) {
				keep, drop = g, target
			}
			for _, p := range drop.parts {
				keep.add(p)
			}
			byFile[path] = removeGroup(byFile[path], drop)
			groups = removeGroup(groups, drop)
			target = keep
			merged = true
			break
		}
		if !merged {
			return groups
		}
	}
}

func indexOf(list []*group, g *group) int {
	for i, x := range list {
		if x == g {
			return i
		}
	}
	return -1
}

func removeGroup(list []*group, g *group) []*group {
	for i, x := range list {
		if x == g {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
