package search

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/probehq/probe/manifest"
)

var (
	// ErrPathEscapes is returned when a path, after resolving symlinks,
	// points outside the workspace root.
	ErrPathEscapes = errors.New("path escapes workspace root")

	ErrFileNotFound = errors.New("file not found")
	ErrNotText      = errors.New("file is not valid UTF-8")
)

// FileLines is the answer of OpenFile. Content holds "N: line" rows.
type FileLines struct {
	Path      string    `json:"path"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
	Content   string    `json:"content"`
	FileHash  string    `json:"file_hash"`
	ModTime   time.Time `json:"mtime"`
}

// OpenFile reads lines start..end (1-based, inclusive, clamped) of a
// workspace-relative file.
func (s *Searcher) OpenFile(relPath string, start, end int) (*FileLines, error) {
	return OpenFile(s.root, relPath, start, end)
}

// OpenFile is the root-bound implementation behind Searcher.OpenFile.
func OpenFile(root, relPath string, start, end int) (*FileLines, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	realRoot, err = filepath.Abs(realRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	if filepath.IsAbs(relPath) {
		return nil, fmt.Errorf("%w: %s", ErrPathEscapes, relPath)
	}
	requested := filepath.Join(realRoot, filepath.FromSlash(relPath))
	real, err := filepath.EvalSymlinks(requested)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, relPath)
		}
		return nil, fmt.Errorf("failed to resolve %s: %w", relPath, err)
	}
	if !within(realRoot, real) {
		return nil, fmt.Errorf("%w: %s", ErrPathEscapes, relPath)
	}

	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", relPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", relPath)
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s", ErrNotText, relPath)
	}

	lines := manifest.SplitLines(string(data))
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		if i > start {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d: %s", i, lines[i-1])
	}

	return &FileLines{
		Path:      filepath.ToSlash(relPath),
		StartLine: start,
		EndLine:   end,
		Content:   b.String(),
		FileHash:  manifest.FileHash(data),
		ModTime:   info.ModTime(),
	}, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
