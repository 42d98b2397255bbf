// Package store holds the vector and lexical index of every workspace and
// the registry of known workspaces. All backends keep both in the same
// durable place so that orphan cleanup does not depend on local state.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Named vectors and payload keys shared by every backend.
const (
	DenseVectorName  = "dense"
	SparseVectorName = "sparse_bm25"

	RegistryName = "probe_workspaces"
)

var (
	// ErrBackendUnavailable means the storage service could not be reached.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrDimensionMismatch means a vector does not fit the collection.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Point is one chunk in the index. ID is deterministic from the workspace,
// path and line range; Content feeds the lexical index and is not returned
// by searches.
type Point struct {
	ID          string
	RepoID      string
	WorkspaceID string
	FilePath    string
	Language    string
	ChunkKind   string
	FileHash    string
	ChunkHash   string
	Symbol      string
	StartLine   int
	EndLine     int
	ChunkIdx    int
	IndexedAt   time.Time
	Content     string
	Vector      []float32
}

// Filter narrows a search to one workspace and optional payload values.
type Filter struct {
	WorkspaceID string
	Languages   []string
	ChunkKinds  []string
}

// Query carries both halves of a hybrid search. Limit applies to each list.
type Query struct {
	Vector []float32
	Text   string
	Limit  int
	Filter Filter
}

// Hit is a point returned by a search, best first within its list.
type Hit struct {
	Point
	Score float64
}

// SearchResponse holds the dense and lexical candidate lists of one query,
// fetched in a single round trip.
type SearchResponse struct {
	Dense   []Hit
	Lexical []Hit
}

// WorkspaceRecord is the registry entry of one workspace.
type WorkspaceRecord struct {
	WorkspaceID    string    `json:"workspace_id"`
	RepoID         string    `json:"repo_id"`
	Root           string    `json:"root"`
	Preset         string    `json:"preset"`
	EmbeddingModel string    `json:"embedding_model"`
	VectorSize     int       `json:"vector_size"`
	CreatedAt      time.Time `json:"created_at"`
	LastSeen       time.Time `json:"last_seen"`
}

// Registry is the durable record of known workspaces.
type Registry interface {
	// Touch creates or refreshes the record, setting LastSeen.
	Touch(ctx context.Context, rec WorkspaceRecord) error

	ListWorkspaces(ctx context.Context) ([]WorkspaceRecord, error)

	// RemoveWorkspace deletes the registry record only.
	RemoveWorkspace(ctx context.Context, workspaceID string) error
}

// Backend is the storage service used by the indexer and the searcher.
type Backend interface {
	Registry

	// EnsureCollection creates the chunk collection with the given dense
	// width if it does not exist yet. An existing collection is left as is.
	EnsureCollection(ctx context.Context, vectorSize int) error

	// VectorSize reports the dense width of the existing collection, or 0
	// when there is none.
	VectorSize(ctx context.Context) (int, error)

	// Upsert writes points by id, replacing any point with the same id.
	Upsert(ctx context.Context, points []Point) error

	// DeleteByFile removes every point of one file of one workspace.
	DeleteByFile(ctx context.Context, workspaceID, filePath string) error

	// DeleteWorkspace removes every point of a workspace.
	DeleteWorkspace(ctx context.Context, workspaceID string) error

	// Search returns the dense and lexical candidates of q.
	Search(ctx context.Context, q Query) (*SearchResponse, error)

	Health(ctx context.Context) error

	Close() error
}

// PruneOlderThan deletes the points and registry records of workspaces not
// seen for longer than age. It returns the pruned workspace ids.
func PruneOlderThan(ctx context.Context, b Backend, age time.Duration, now time.Time) ([]string, error) {
	records, err := b.ListWorkspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}

	cutoff := now.Add(-age)
	var pruned []string
	for _, rec := range records {
		if !rec.LastSeen.Before(cutoff) {
			continue
		}
		if err := b.DeleteWorkspace(ctx, rec.WorkspaceID); err != nil {
			return pruned, fmt.Errorf("failed to delete points of workspace %s: %w", rec.WorkspaceID, err)
		}
		if err := b.RemoveWorkspace(ctx, rec.WorkspaceID); err != nil {
			return pruned, fmt.Errorf("failed to remove workspace %s: %w", rec.WorkspaceID, err)
		}
		pruned = append(pruned, rec.WorkspaceID)
	}
	return pruned, nil
}

func checkDimensions(points []Point, size int) error {
	if size <= 0 {
		return nil
	}
	for i, p := range points {
		if len(p.Vector) != size {
			return fmt.Errorf("%w: point %d (%s) has %d dimensions, expected %d",
				ErrDimensionMismatch, i, p.FilePath, len(p.Vector), size)
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (f Filter) match(p *Point) bool {
	if f.WorkspaceID != "" && p.WorkspaceID != f.WorkspaceID {
		return false
	}
	if len(f.Languages) > 0 && !contains(f.Languages, p.Language) {
		return false
	}
	if len(f.ChunkKinds) > 0 && !contains(f.ChunkKinds, p.ChunkKind) {
		return false
	}
	return true
}
