package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// CurrentSchemaVersion is the schema version written by this build.
const CurrentSchemaVersion = "1.1.0"

type migration struct {
	version string
	up      string
}

var migrations = []migration{
	{
		version: "1.0.0",
		up: `
CREATE TABLE IF NOT EXISTS files (
    file_path       TEXT PRIMARY KEY,
    mtime_ns        INTEGER NOT NULL,
    size            INTEGER NOT NULL,
    file_hash       TEXT NOT NULL,
    last_indexed_at INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT
);

CREATE TABLE IF NOT EXISTS chunks (
    file_path  TEXT NOT NULL,
    start_line INTEGER NOT NULL,
    end_line   INTEGER NOT NULL,
    chunk_hash TEXT NOT NULL,
    point_id   TEXT NOT NULL,
    chunk_idx  INTEGER NOT NULL,
    PRIMARY KEY (file_path, start_line, end_line),
    FOREIGN KEY (file_path) REFERENCES files(file_path) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS workspace (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_path);
CREATE INDEX IF NOT EXISTS idx_chunks_point ON chunks(point_id);
`,
	},
	{
		// Neighbor lookup filters on (file_path, chunk_idx).
		version: "1.1.0",
		up: `
CREATE INDEX IF NOT EXISTS idx_chunks_seq ON chunks(file_path, chunk_idx);
CREATE INDEX IF NOT EXISTS idx_files_error ON files(last_error) WHERE last_error IS NOT NULL;
`,
	},
}

// applyMigrations brings the schema up to CurrentSchemaVersion.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current := semver.MustParse("0.0.0")
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return fmt.Errorf("failed to read schema_version: %w", err)
	}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan schema_version: %w", err)
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			rows.Close()
			return fmt.Errorf("invalid schema version %s: %w", raw, err)
		}
		if v.GreaterThan(current) {
			current = v
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read schema_version: %w", err)
	}

	latest := semver.MustParse(CurrentSchemaVersion)
	if current.GreaterThan(latest) {
		return fmt.Errorf("manifest schema %s is newer than supported %s", current, latest)
	}

	for _, m := range migrations {
		v := semver.MustParse(m.version)
		if !current.LessThan(v) {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.up); err != nil {
			return errors.Join(fmt.Errorf("failed to apply migration %s: %w", m.version, err), tx.Rollback())
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			return errors.Join(fmt.Errorf("failed to record migration %s: %w", m.version, err), tx.Rollback())
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.version, err)
		}
		current = v
	}

	return nil
}
