package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Verdict is the outcome of comparing a file on disk with its record.
type Verdict int

const (
	Unchanged Verdict = iota
	ChangedMetadataOnly
	ChangedContent
	New
	Deleted
)

func (v Verdict) String() string {
	switch v {
	case Unchanged:
		return "unchanged"
	case ChangedMetadataOnly:
		return "changed_metadata_only"
	case ChangedContent:
		return "changed_content"
	case New:
		return "new"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// NeedsIndex reports whether the verdict requires re-chunking.
func (v Verdict) NeedsIndex() bool {
	return v == New || v == ChangedContent
}

// ErrSkipped wraps per-file failures that were recorded as the file's last
// error. Callers skip the file and carry on with the scan.
var ErrSkipped = errors.New("file skipped")

// FileState is what the detector observed on disk. Content is populated
// whenever the file had to be read for hashing.
type FileState struct {
	Path    string
	ModTime time.Time
	Size    int64
	Hash    string
	Content []byte
}

// Detector compares the working tree under root with the manifest.
type Detector struct {
	root     string
	manifest *Manifest
}

func NewDetector(root string, m *Manifest) *Detector {
	return &Detector{root: root, manifest: m}
}

// CheckFile classifies relPath (slash-separated, relative to root).
//
// mtime and size are compared first; the file is only read and hashed when
// either differs, or when its previous attempt failed. A missing path with no
// record is Unchanged: there is nothing to remove.
func (d *Detector) CheckFile(ctx context.Context, relPath string) (Verdict, *FileState, error) {
	rec, err := d.manifest.GetFile(ctx, relPath)
	if err != nil {
		return Unchanged, nil, err
	}

	abs := filepath.Join(d.root, filepath.FromSlash(relPath))
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		if rec == nil {
			return Unchanged, nil, nil
		}
		return Deleted, nil, nil
	}
	if err != nil {
		return Unchanged, nil, d.skip(ctx, relPath, fmt.Errorf("stat: %w", err))
	}
	if info.IsDir() {
		if rec == nil {
			return Unchanged, nil, nil
		}
		return Deleted, nil, nil
	}

	state := &FileState{Path: relPath, ModTime: info.ModTime(), Size: info.Size()}

	retry := rec != nil && rec.LastError != ""
	if rec != nil && !retry && rec.ModTime.Equal(state.ModTime) && rec.Size == state.Size {
		state.Hash = rec.Hash
		return Unchanged, state, nil
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return Unchanged, nil, d.skip(ctx, relPath, fmt.Errorf("read: %w", err))
	}
	state.Content = content
	state.Hash = FileHash(content)

	switch {
	case rec == nil || rec.Hash == "":
		return New, state, nil
	case retry:
		return ChangedContent, state, nil
	case rec.Hash == state.Hash:
		return ChangedMetadataOnly, state, nil
	default:
		return ChangedContent, state, nil
	}
}

// Deleted returns the recorded paths that are absent from seen, the set of
// paths found by a completed walk of the tree.
func (d *Detector) Deleted(ctx context.Context, seen map[string]struct{}) ([]string, error) {
	files, err := d.manifest.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	var gone []string
	for _, f := range files {
		if _, ok := seen[f.Path]; !ok {
			gone = append(gone, f.Path)
		}
	}
	return gone, nil
}

func (d *Detector) skip(ctx context.Context, relPath string, cause error) error {
	if err := d.manifest.RecordError(ctx, relPath, cause.Error()); err != nil {
		return errors.Join(fmt.Errorf("%w: %s: %v", ErrSkipped, relPath, cause), err)
	}
	return fmt.Errorf("%w: %s: %v", ErrSkipped, relPath, cause)
}
