package indexer

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName holds extra patterns that apply on top of .gitignore and
// may re-include files with "!" patterns.
const IgnoreFileName = ".probeignore"

// DefaultIgnoreDirs are skipped anywhere in the tree.
var DefaultIgnoreDirs = []string{
	".git", ".probe", "__pycache__", "node_modules", ".venv", "venv",
	"dist", "build", ".eggs",
}

var binaryExtensions = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
	".dat": true, ".pyc": true, ".o": true, ".a": true, ".class": true,
	".jar": true, ".zip": true, ".gz": true, ".tar": true, ".png": true,
	".jpg": true, ".jpeg": true, ".gif": true, ".ico": true, ".pdf": true,
	".woff": true, ".woff2": true, ".ttf": true, ".sqlite": true,
}

// nestedMatcher holds a gitignore matcher and its base directory
type nestedMatcher struct {
	matcher *ignore.GitIgnore
	baseDir string // relative path from project root (empty for root .gitignore)
}

// overrideMatcher is a compiled .probeignore. "full" keeps negations and
// decides; "any" turns every pattern positive and only tells whether the
// file has an opinion about a path.
type overrideMatcher struct {
	full    *ignore.GitIgnore
	any     *ignore.GitIgnore
	baseDir string
}

// IgnoreMatcher decides which paths of a workspace are never indexed.
type IgnoreMatcher struct {
	projectRoot  string
	gitMatchers  []nestedMatcher
	ignoreDirs   map[string]bool
	overrides    []overrideMatcher
	hasNegations bool
}

// NewIgnoreMatcher loads every .gitignore and .probeignore below projectRoot.
// extra holds additional gitignore-style patterns from the config.
func NewIgnoreMatcher(projectRoot string, extra []string) (*IgnoreMatcher, error) {
	m := &IgnoreMatcher{
		projectRoot: projectRoot,
		ignoreDirs:  make(map[string]bool, len(DefaultIgnoreDirs)),
	}
	for _, d := range DefaultIgnoreDirs {
		m.ignoreDirs[d] = true
	}

	err := filepath.Walk(projectRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths
		}

		if info.IsDir() {
			if path != projectRoot && m.isIgnoredDirName(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		name := info.Name()
		if name != ".gitignore" && name != IgnoreFileName {
			return nil
		}

		relDir, err := filepath.Rel(projectRoot, filepath.Dir(path))
		if err != nil {
			return nil
		}
		if relDir == "." {
			relDir = ""
		}
		relDir = filepath.ToSlash(relDir)

		if name == ".gitignore" {
			gi, err := ignore.CompileIgnoreFile(path)
			if err != nil {
				return nil // Skip invalid .gitignore files
			}
			m.gitMatchers = append(m.gitMatchers, nestedMatcher{matcher: gi, baseDir: relDir})
			return nil
		}

		om, hasNegations, err := compileOverrideFile(path)
		if err != nil {
			return nil
		}
		om.baseDir = relDir
		m.overrides = append(m.overrides, om)
		m.hasNegations = m.hasNegations || hasNegations
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(extra) > 0 {
		m.gitMatchers = append(m.gitMatchers, nestedMatcher{
			matcher: ignore.CompileIgnoreLines(extra...),
			baseDir: "",
		})
	}

	return m, nil
}

// isIgnoredDirName reports the fixed directory rules: the default list and
// hidden directories.
func (m *IgnoreMatcher) isIgnoredDirName(name string) bool {
	if m.ignoreDirs[name] {
		return true
	}
	if strings.HasSuffix(name, ".egg-info") {
		return true
	}
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

// ShouldIgnore reports whether the workspace-relative path must not be
// indexed. Files inside ignored directories are ignored as well.
func (m *IgnoreMatcher) ShouldIgnore(relPath string) bool {
	normalized := filepath.ToSlash(relPath)

	parts := strings.Split(normalized, "/")
	for _, dir := range parts[:len(parts)-1] {
		if m.isIgnoredDirName(dir) {
			return true
		}
	}
	if binaryExtensions[strings.ToLower(filepath.Ext(normalized))] {
		return true
	}

	if result, hasOpinion, overrideBase := m.evalOverride(normalized); hasOpinion {
		if result {
			return true
		}
		// A deeper .gitignore still wins over a shallower re-include.
		if ignored, gitBase := m.evalGitIgnore(normalized); ignored && len(gitBase) > len(overrideBase) {
			return true
		}
		return false
	}

	ignored, _ := m.evalGitIgnore(normalized)
	return ignored
}

// ShouldSkipDir reports whether a walk can skip the directory entirely. A
// directory ignored only by .gitignore is still entered when a .probeignore
// could re-include files inside it.
func (m *IgnoreMatcher) ShouldSkipDir(relPath string) bool {
	normalized := filepath.ToSlash(relPath)
	if m.isIgnoredDirName(filepath.Base(normalized)) {
		return true
	}
	if !m.ShouldIgnore(normalized) {
		return false
	}
	if result, hasOpinion, _ := m.evalOverride(normalized); hasOpinion {
		return result
	}
	return !m.hasNegations
}

// evalOverride returns the decision of the most specific .probeignore that
// has an opinion about the path.
func (m *IgnoreMatcher) evalOverride(normalized string) (bool, bool, string) {
	var best *overrideMatcher
	bestLen := -1

	for i := range m.overrides {
		om := &m.overrides[i]
		rel := matcherRelPath(normalized, om.baseDir)
		if rel == "" {
			continue
		}
		if om.any.MatchesPath(rel) || om.any.MatchesPath(rel+"/") {
			if len(om.baseDir) > bestLen {
				best = om
				bestLen = len(om.baseDir)
			}
		}
	}
	if best == nil {
		return false, false, ""
	}

	rel := matcherRelPath(normalized, best.baseDir)
	matchPlain := best.full.MatchesPath(rel)
	matchSlash := best.full.MatchesPath(rel + "/")
	if matchPlain && !matchSlash {
		return false, true, best.baseDir
	}
	return matchPlain || matchSlash, true, best.baseDir
}

// evalGitIgnore returns whether any .gitignore or config pattern ignores the
// path, and the deepest matching base directory.
func (m *IgnoreMatcher) evalGitIgnore(normalized string) (bool, string) {
	found := false
	deepest := ""

	for _, nm := range m.gitMatchers {
		rel := matcherRelPath(normalized, nm.baseDir)
		if rel == "" {
			continue
		}
		if nm.matcher.MatchesPath(rel) || nm.matcher.MatchesPath(rel+"/") {
			if !found || len(nm.baseDir) > len(deepest) {
				deepest = nm.baseDir
				found = true
			}
		}
	}
	return found, deepest
}

// matcherRelPath computes the path relative to a matcher's base directory.
// Returns empty string if the path is outside the matcher's scope.
func matcherRelPath(normalized, baseDir string) string {
	if baseDir == "" {
		return normalized
	}
	if normalized == baseDir {
		return "."
	}
	if strings.HasPrefix(normalized, baseDir+"/") {
		return strings.TrimPrefix(normalized, baseDir+"/")
	}
	return ""
}

func compileOverrideFile(path string) (overrideMatcher, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return overrideMatcher{}, false, err
	}

	var fullLines, anyLines []string
	hasNegations := false
	for _, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fullLines = append(fullLines, trimmed)
		if strings.HasPrefix(trimmed, "!") {
			hasNegations = true
			anyLines = append(anyLines, strings.TrimPrefix(trimmed, "!"))
		} else {
			anyLines = append(anyLines, trimmed)
		}
	}

	return overrideMatcher{
		full: ignore.CompileIgnoreLines(fullLines...),
		any:  ignore.CompileIgnoreLines(anyLines...),
	}, hasNegations, nil
}
