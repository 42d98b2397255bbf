// Package manifest is the durable per-workspace record of what is indexed:
// one row per file (metadata, content hash, last error) and one row per chunk
// (line range, chunk hash, point id, sequence index). It also decides, via
// Detector, what a file needs on the next pass.
//
// The indexer is the only writer. Retrieval reads chunk hashes and neighbors.
package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/probehq/probe/internal/fileutil"
	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// Workspace meta keys.
const (
	MetaGeneration     = "generation"
	MetaEmbeddingModel = "embedding_model"
	MetaVectorSize     = "vector_size"
	MetaMismatch       = "mismatch_warning"
	MetaLastScan       = "last_scan_at"
)

// FileRecord is the stored state of one file.
type FileRecord struct {
	Path          string
	ModTime       time.Time
	Size          int64
	Hash          string
	LastIndexedAt time.Time
	LastError     string
}

// ChunkRecord is one indexed line range of a file.
type ChunkRecord struct {
	FilePath  string
	StartLine int
	EndLine   int
	Hash      string
	PointID   string
	Seq       int
}

// Stats summarizes the manifest for status reporting.
type Stats struct {
	Files           int
	Chunks          int
	FilesWithErrors int
	LastIndexedAt   time.Time
}

// Manifest wraps the SQLite database at .probe/manifest.sqlite.
type Manifest struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the manifest at path and migrates it.
func Open(ctx context.Context, path string) (*Manifest, error) {
	dsn := path
	if path != ":memory:" {
		if err := fileutil.EnsureParentDir(path); err != nil {
			return nil, fmt.Errorf("failed to create manifest directory: %w", err)
		}
		dsn = "file:" + path
	}

	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}

	// A single connection serializes writers; WAL lets other processes
	// (probe status, probe search) read while serve writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Manifest{db: db, path: path}, nil
}

func (m *Manifest) Close() error {
	return m.db.Close()
}

// GetFile returns the record for path, or nil when the path is unknown.
func (m *Manifest) GetFile(ctx context.Context, path string) (*FileRecord, error) {
	row := m.db.QueryRowContext(ctx, `
SELECT file_path, mtime_ns, size, file_hash, last_indexed_at, COALESCE(last_error, '')
FROM files WHERE file_path = ?`, path)

	rec, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file record %s: %w", path, err)
	}
	return rec, nil
}

// ListFiles returns every file record ordered by path.
func (m *Manifest) ListFiles(ctx context.Context) ([]FileRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT file_path, mtime_ns, size, file_hash, last_indexed_at, COALESCE(last_error, '')
FROM files ORDER BY file_path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListErrors returns files whose last attempt failed.
func (m *Manifest) ListErrors(ctx context.Context) ([]FileRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT file_path, mtime_ns, size, file_hash, last_indexed_at, COALESCE(last_error, '')
FROM files WHERE last_error IS NOT NULL ORDER BY file_path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list errors: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(s scanner) (*FileRecord, error) {
	var (
		rec       FileRecord
		mtimeNS   int64
		indexedAt int64
	)
	if err := s.Scan(&rec.Path, &mtimeNS, &rec.Size, &rec.Hash, &indexedAt, &rec.LastError); err != nil {
		return nil, err
	}
	rec.ModTime = time.Unix(0, mtimeNS)
	if indexedAt > 0 {
		rec.LastIndexedAt = time.Unix(indexedAt, 0)
	}
	return &rec, nil
}

// UpsertFile stores a successful index of path and clears its last error.
func (m *Manifest) UpsertFile(ctx context.Context, rec FileRecord) error {
	indexedAt := rec.LastIndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now()
	}
	_, err := m.db.ExecContext(ctx, `
INSERT INTO files (file_path, mtime_ns, size, file_hash, last_indexed_at, last_error)
VALUES (?, ?, ?, ?, ?, NULL)
ON CONFLICT(file_path) DO UPDATE SET
    mtime_ns = excluded.mtime_ns,
    size = excluded.size,
    file_hash = excluded.file_hash,
    last_indexed_at = excluded.last_indexed_at,
    last_error = NULL`,
		rec.Path, rec.ModTime.UnixNano(), rec.Size, rec.Hash, indexedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert file %s: %w", rec.Path, err)
	}
	return nil
}

// TouchFile refreshes mtime and size of a file whose content did not change.
func (m *Manifest) TouchFile(ctx context.Context, path string, modTime time.Time, size int64) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE files SET mtime_ns = ?, size = ? WHERE file_path = ?`,
		modTime.UnixNano(), size, path)
	if err != nil {
		return fmt.Errorf("failed to touch file %s: %w", path, err)
	}
	return nil
}

// RecordError stores msg as the last error of path. Unknown paths get a stub
// record with an empty hash so the next pass treats them as new.
func (m *Manifest) RecordError(ctx context.Context, path, msg string) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO files (file_path, mtime_ns, size, file_hash, last_error)
VALUES (?, 0, -1, '', ?)
ON CONFLICT(file_path) DO UPDATE SET last_error = excluded.last_error`,
		path, msg)
	if err != nil {
		return fmt.Errorf("failed to record error for %s: %w", path, err)
	}
	return nil
}

// DeleteFile removes path and, through the foreign key, all of its chunks.
func (m *Manifest) DeleteFile(ctx context.Context, path string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM files WHERE file_path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete file %s: %w", path, err)
	}
	return nil
}

// DeleteChunks removes every chunk record of path, keeping the file row.
func (m *Manifest) DeleteChunks(ctx context.Context, path string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM chunks WHERE file_path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", path, err)
	}
	return nil
}

// CommitFile atomically replaces the chunk set of rec.Path and stores rec as
// its new file state. Chunks are never diffed: the old set is dropped whole.
func (m *Manifest) CommitFile(ctx context.Context, rec FileRecord, chunks []ChunkRecord) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	indexedAt := rec.LastIndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO files (file_path, mtime_ns, size, file_hash, last_indexed_at, last_error)
VALUES (?, ?, ?, ?, ?, NULL)
ON CONFLICT(file_path) DO UPDATE SET
    mtime_ns = excluded.mtime_ns,
    size = excluded.size,
    file_hash = excluded.file_hash,
    last_indexed_at = excluded.last_indexed_at,
    last_error = NULL`,
		rec.Path, rec.ModTime.UnixNano(), rec.Size, rec.Hash, indexedAt.Unix()); err != nil {
		return fmt.Errorf("failed to upsert file %s: %w", rec.Path, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_path = ?`, rec.Path); err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", rec.Path, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunks (file_path, start_line, end_line, chunk_hash, point_id, chunk_idx)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(file_path, start_line, end_line) DO UPDATE SET
    chunk_hash = excluded.chunk_hash,
    point_id = excluded.point_id,
    chunk_idx = excluded.chunk_idx`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, rec.Path, c.StartLine, c.EndLine, c.Hash, c.PointID, c.Seq); err != nil {
			return fmt.Errorf("failed to insert chunk %s:%d-%d: %w", rec.Path, c.StartLine, c.EndLine, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", rec.Path, err)
	}
	return nil
}

// ChunksForFile returns the chunks of path ordered by sequence index.
func (m *Manifest) ChunksForFile(ctx context.Context, path string) ([]ChunkRecord, error) {
	return m.queryChunks(ctx, `
SELECT file_path, start_line, end_line, chunk_hash, point_id, chunk_idx
FROM chunks WHERE file_path = ? ORDER BY chunk_idx`, path)
}

// ChunkByRange returns the chunk of path covering exactly start..end, or nil.
func (m *Manifest) ChunkByRange(ctx context.Context, path string, start, end int) (*ChunkRecord, error) {
	chunks, err := m.queryChunks(ctx, `
SELECT file_path, start_line, end_line, chunk_hash, point_id, chunk_idx
FROM chunks WHERE file_path = ? AND start_line = ? AND end_line = ?`, path, start, end)
	if err != nil || len(chunks) == 0 {
		return nil, err
	}
	return &chunks[0], nil
}

// Neighbors returns the chunks of path whose sequence index is seq-1 or seq+1.
func (m *Manifest) Neighbors(ctx context.Context, path string, seq int) ([]ChunkRecord, error) {
	return m.queryChunks(ctx, `
SELECT file_path, start_line, end_line, chunk_hash, point_id, chunk_idx
FROM chunks WHERE file_path = ? AND chunk_idx IN (?, ?) ORDER BY chunk_idx`, path, seq-1, seq+1)
}

func (m *Manifest) queryChunks(ctx context.Context, query string, args ...any) ([]ChunkRecord, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var out []ChunkRecord
	for rows.Next() {
		var c ChunkRecord
		if err := rows.Scan(&c.FilePath, &c.StartLine, &c.EndLine, &c.Hash, &c.PointID, &c.Seq); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Stats returns file, chunk and error counts.
func (m *Manifest) Stats(ctx context.Context) (Stats, error) {
	var (
		s         Stats
		indexedAt sql.NullInt64
	)
	err := m.db.QueryRowContext(ctx, `
SELECT
    (SELECT COUNT(*) FROM files WHERE file_hash != ''),
    (SELECT COUNT(*) FROM chunks),
    (SELECT COUNT(*) FROM files WHERE last_error IS NOT NULL),
    (SELECT MAX(last_indexed_at) FROM files)`).Scan(&s.Files, &s.Chunks, &s.FilesWithErrors, &indexedAt)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read manifest stats: %w", err)
	}
	if indexedAt.Valid && indexedAt.Int64 > 0 {
		s.LastIndexedAt = time.Unix(indexedAt.Int64, 0)
	}
	return s, nil
}

// Meta returns the workspace meta value for key, or "" when unset.
func (m *Manifest) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := m.db.QueryRowContext(ctx, `SELECT value FROM workspace WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return v, nil
}

func (m *Manifest) SetMeta(ctx context.Context, key, value string) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO workspace (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

func (m *Manifest) DeleteMeta(ctx context.Context, key string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM workspace WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete meta %s: %w", key, err)
	}
	return nil
}

// Generation returns the persisted generation counter.
func (m *Manifest) Generation(ctx context.Context) (int64, error) {
	v, err := m.Meta(ctx, MetaGeneration)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt generation %q: %w", v, err)
	}
	return n, nil
}

// AdvanceGeneration increments the generation counter by one and returns
// the new value.
func (m *Manifest) AdvanceGeneration(ctx context.Context) (int64, error) {
	var v string
	err := m.db.QueryRowContext(ctx, `
INSERT INTO workspace (key, value) VALUES (?, '1')
ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(workspace.value AS INTEGER) + 1 AS TEXT)
RETURNING value`, MetaGeneration).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to advance generation: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt generation %q: %w", v, err)
	}
	return n, nil
}
