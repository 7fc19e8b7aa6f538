package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/recsync/internal/dataset"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on snapshots.saved_at
const currentSchemaVersion = 1

// SQLite is a Cache backed by a SQLite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens a snapshot cache at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (a lost snapshot only costs a refetch)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to cache: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetDataset implements Cache.
func (s *SQLite) GetDataset(ctx context.Context, dbContext, handle string) (dataset.Snapshot, error) {
	var revision int64
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT revision, payload FROM snapshots
		WHERE context = ? AND handle = ?
	`, dbContext, handle).Scan(&revision, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return dataset.Snapshot{}, ErrMiss
	}
	if err != nil {
		return dataset.Snapshot{}, fmt.Errorf("get dataset: %w", err)
	}

	snap, err := dataset.UnmarshalSnapshot(payload)
	if err != nil {
		return dataset.Snapshot{}, fmt.Errorf("get dataset: %w", errors.Join(ErrCorrupt, err))
	}
	if snap.Revision != revision {
		return dataset.Snapshot{}, fmt.Errorf("get dataset: %w: payload revision %d, row revision %d", ErrCorrupt, snap.Revision, revision)
	}
	return snap, nil
}

// SaveDataset implements Cache.
func (s *SQLite) SaveDataset(ctx context.Context, dbContext, handle string, snap dataset.Snapshot) error {
	payload, err := dataset.MarshalSnapshot(snap)
	if err != nil {
		return fmt.Errorf("save dataset: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (context, handle, revision, payload, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(context, handle) DO UPDATE SET
			revision = excluded.revision,
			payload  = excluded.payload,
			saved_at = excluded.saved_at
	`, dbContext, handle, snap.Revision, payload, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save dataset: %w", err)
	}
	return nil
}

// Clear implements Cache.
func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// Evict removes snapshots saved before cutoff and returns how many were
// removed.
func (s *SQLite) Evict(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE saved_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("evict snapshots: %w", err)
	}
	return res.RowsAffected()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the saved_at index used for eviction queries.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_snapshots_saved_at ON snapshots(saved_at)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
