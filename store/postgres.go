package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresStore keeps chunks in a pgvector table with a generated tsvector
// column for the lexical half. The 'simple' text search configuration
// neither stems nor drops stop words.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

func NewPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

func (s *PostgresStore) Health(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: postgres: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) EnsureCollection(ctx context.Context, vectorSize int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id           TEXT PRIMARY KEY,
			repo_id      TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			file_path    TEXT NOT NULL,
			language     TEXT NOT NULL DEFAULT '',
			chunk_kind   TEXT NOT NULL DEFAULT '',
			file_hash    TEXT NOT NULL,
			chunk_hash   TEXT NOT NULL,
			symbol       TEXT NOT NULL DEFAULT '',
			start_line   INTEGER NOT NULL,
			end_line     INTEGER NOT NULL,
			chunk_idx    INTEGER NOT NULL,
			indexed_at   TIMESTAMPTZ NOT NULL,
			content      TEXT NOT NULL,
			embedding    vector(%d) NOT NULL,
			tsv          tsvector GENERATED ALWAYS AS (to_tsvector('simple', content)) STORED
		)`, s.table, vectorSize),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_ws_file_idx ON %[1]s (workspace_id, file_path)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_tsv_idx ON %[1]s USING GIN (tsv)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_embedding_idx ON %[1]s USING hnsw (embedding vector_cosine_ops)`, s.table),
		`CREATE TABLE IF NOT EXISTS ` + RegistryName + ` (
			workspace_id    TEXT PRIMARY KEY,
			repo_id         TEXT NOT NULL,
			root            TEXT NOT NULL DEFAULT '',
			preset          TEXT NOT NULL DEFAULT '',
			embedding_model TEXT NOT NULL DEFAULT '',
			vector_size     INTEGER NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL,
			last_seen       TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return s.wrap("failed to create schema", err)
		}
	}
	return nil
}

// VectorSize reads the declared width of the embedding column. For the
// vector type atttypmod holds the dimension.
func (s *PostgresStore) VectorSize(ctx context.Context) (int, error) {
	var size *int
	err := s.pool.QueryRow(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		WHERE a.attrelid = to_regclass($1) AND a.attname = 'embedding'`, s.table).Scan(&size)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, s.wrap("failed to read vector size", err)
	}
	if size == nil {
		return 0, nil
	}
	return *size, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, repo_id, workspace_id, file_path, language, chunk_kind, file_hash,
			chunk_hash, symbol, start_line, end_line, chunk_idx, indexed_at, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			repo_id = EXCLUDED.repo_id,
			file_hash = EXCLUDED.file_hash,
			chunk_hash = EXCLUDED.chunk_hash,
			language = EXCLUDED.language,
			chunk_kind = EXCLUDED.chunk_kind,
			symbol = EXCLUDED.symbol,
			chunk_idx = EXCLUDED.chunk_idx,
			indexed_at = EXCLUDED.indexed_at,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding`, s.table)
	for _, p := range points {
		batch.Queue(query, p.ID, p.RepoID, p.WorkspaceID, p.FilePath, p.Language, p.ChunkKind,
			p.FileHash, p.ChunkHash, p.Symbol, p.StartLine, p.EndLine, p.ChunkIdx, p.IndexedAt,
			p.Content, pgvector.NewVector(p.Vector))
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22000" && strings.Contains(pgErr.Message, "dimensions") {
			return fmt.Errorf("%w: %s", ErrDimensionMismatch, pgErr.Message)
		}
		return s.wrap("failed to upsert points", err)
	}
	return nil
}

func (s *PostgresStore) DeleteByFile(ctx context.Context, workspaceID, filePath string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE workspace_id = $1 AND file_path = $2`, s.table),
		workspaceID, filePath)
	if err != nil {
		return s.wrap("failed to delete points", err)
	}
	return nil
}

func (s *PostgresStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE workspace_id = $1`, s.table), workspaceID)
	if err != nil {
		return s.wrap("failed to delete workspace points", err)
	}
	return nil
}

// Search runs both candidate lists in one statement; the signal column tells
// them apart.
func (s *PostgresStore) Search(ctx context.Context, q Query) (*SearchResponse, error) {
	resp := &SearchResponse{}

	terms := uniqueTokens(q.Text)
	hasDense := len(q.Vector) > 0
	if !hasDense && len(terms) == 0 {
		return resp, nil
	}

	var vec any
	if hasDense {
		vec = pgvector.NewVector(q.Vector)
	}

	query := fmt.Sprintf(`
		WITH scope AS (
			SELECT * FROM %s
			WHERE workspace_id = $1
			  AND (cardinality($2::text[]) = 0 OR language = ANY($2))
			  AND (cardinality($3::text[]) = 0 OR chunk_kind = ANY($3))
		),
		dense AS (
			SELECT 'dense' AS signal, id, repo_id, workspace_id, file_path, language, chunk_kind,
				file_hash, chunk_hash, symbol, start_line, end_line, chunk_idx, indexed_at,
				1 - (embedding <=> $4::vector) AS score
			FROM scope
			WHERE $4::vector IS NOT NULL
			ORDER BY embedding <=> $4::vector
			LIMIT $6
		),
		lexical AS (
			SELECT 'lexical' AS signal, id, repo_id, workspace_id, file_path, language, chunk_kind,
				file_hash, chunk_hash, symbol, start_line, end_line, chunk_idx, indexed_at,
				ts_rank_cd(tsv, to_tsquery('simple', $5)) AS score
			FROM scope
			WHERE $5 <> '' AND tsv @@ to_tsquery('simple', $5)
			ORDER BY score DESC
			LIMIT $6
		)
		SELECT * FROM dense
		UNION ALL
		SELECT * FROM lexical`, s.table)

	rows, err := s.pool.Query(ctx, query, q.Filter.WorkspaceID, nonNil(q.Filter.Languages),
		nonNil(q.Filter.ChunkKinds), vec, strings.Join(terms, " | "), q.Limit)
	if err != nil {
		return nil, s.wrap("failed to search", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			signal string
			h      Hit
		)
		if err := rows.Scan(&signal, &h.ID, &h.RepoID, &h.WorkspaceID, &h.FilePath, &h.Language,
			&h.ChunkKind, &h.FileHash, &h.ChunkHash, &h.Symbol, &h.StartLine, &h.EndLine,
			&h.ChunkIdx, &h.IndexedAt, &h.Score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if signal == "dense" {
			resp.Dense = append(resp.Dense, h)
		} else {
			resp.Lexical = append(resp.Lexical, h)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("failed to read rows", err)
	}
	return resp, nil
}

// uniqueTokens returns the lexical terms of text. Tokens only hold letters,
// digits and underscores, so they are safe inside a tsquery.
func uniqueTokens(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range Tokenize(text) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *PostgresStore) Touch(ctx context.Context, rec WorkspaceRecord) error {
	if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.LastSeen
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+RegistryName+` (workspace_id, repo_id, root, preset, embedding_model, vector_size, created_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workspace_id) DO UPDATE SET
			repo_id = EXCLUDED.repo_id,
			root = EXCLUDED.root,
			preset = EXCLUDED.preset,
			embedding_model = EXCLUDED.embedding_model,
			vector_size = EXCLUDED.vector_size,
			last_seen = EXCLUDED.last_seen`,
		rec.WorkspaceID, rec.RepoID, rec.Root, rec.Preset, rec.EmbeddingModel, rec.VectorSize,
		rec.CreatedAt, rec.LastSeen)
	if err != nil {
		return s.wrap("failed to touch workspace", err)
	}
	return nil
}

func (s *PostgresStore) ListWorkspaces(ctx context.Context) ([]WorkspaceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT workspace_id, repo_id, root, preset, embedding_model, vector_size, created_at, last_seen
		FROM `+RegistryName+` ORDER BY workspace_id`)
	if err != nil {
		return nil, s.wrap("failed to list workspaces", err)
	}
	defer rows.Close()

	var out []WorkspaceRecord
	for rows.Next() {
		var rec WorkspaceRecord
		if err := rows.Scan(&rec.WorkspaceID, &rec.RepoID, &rec.Root, &rec.Preset,
			&rec.EmbeddingModel, &rec.VectorSize, &rec.CreatedAt, &rec.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RemoveWorkspace(ctx context.Context, workspaceID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM `+RegistryName+` WHERE workspace_id = $1`, workspaceID); err != nil {
		return s.wrap("failed to remove workspace", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// wrap marks everything that is not a server-side SQL error as
// ErrBackendUnavailable.
func (s *PostgresStore) wrap(msg string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%s: %w: %v", msg, ErrBackendUnavailable, err)
}
