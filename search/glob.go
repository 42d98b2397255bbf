package search

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// matchGlob reports whether the slash-separated relPath matches pattern.
// "**" matches any number of directories. A pattern without a slash matches
// the base name anywhere in the tree, so "*.go" selects every Go file.
// Malformed patterns match nothing.
func matchGlob(pattern, relPath string) bool {
	pattern = strings.TrimPrefix(pattern, "./")
	if !strings.Contains(pattern, "/") {
		if ok, _ := doublestar.Match(pattern, path.Base(relPath)); ok {
			return true
		}
	}
	ok, _ := doublestar.Match(pattern, relPath)
	return ok
}

// validGlob reports whether pattern is well formed.
func validGlob(pattern string) bool {
	return doublestar.ValidatePattern(strings.TrimPrefix(pattern, "./"))
}

// allowed applies include and exclude globs: a path must match one include
// (when any are given) and no exclude.
func (f Filters) allowed(relPath string) bool {
	if len(f.IncludeGlobs) > 0 {
		ok := false
		for _, g := range f.IncludeGlobs {
			if matchGlob(g, relPath) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, g := range f.ExcludeGlobs {
		if matchGlob(g, relPath) {
			return false
		}
	}
	return true
}
