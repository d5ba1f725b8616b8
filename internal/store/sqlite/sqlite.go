// Package sqlite provides a SQLite-backed store, suitable for single
// node deployments that want durability without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pweids/cairo/internal/metrics"
	"github.com/pweids/cairo/internal/store/codec"
)

const schema = `
CREATE TABLE IF NOT EXISTS archives (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	saved_at TEXT NOT NULL,
	data     BLOB NOT NULL
);
`

// Store persists archives in a single-row SQLite table.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database under dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store path %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "cairo.db"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc sqlite is not safe for concurrent writers on one connection pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save upserts the single archive row.
func (s *Store) Save(ctx context.Context, a *codec.Archive) error {
	start := time.Now()

	data, err := codec.Marshal(a)
	if err != nil {
		metrics.RecordStoreOperation("sqlite", "save", time.Since(start), false)
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archives (id, saved_at, data) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET saved_at = excluded.saved_at, data = excluded.data`,
		a.SavedAt.UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		metrics.RecordStoreOperation("sqlite", "save", time.Since(start), false)
		return fmt.Errorf("save archive: %w", err)
	}

	metrics.RecordStoreOperation("sqlite", "save", time.Since(start), true)
	return nil
}

// Load reads the archive row.
func (s *Store) Load(ctx context.Context) (*codec.Archive, error) {
	start := time.Now()

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM archives WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		metrics.RecordStoreOperation("sqlite", "load", time.Since(start), true)
		return nil, codec.ErrNotFound
	}
	if err != nil {
		metrics.RecordStoreOperation("sqlite", "load", time.Since(start), false)
		return nil, fmt.Errorf("load archive: %w", err)
	}

	a, err := codec.Unmarshal(data)
	if err != nil {
		metrics.RecordStoreOperation("sqlite", "load", time.Since(start), false)
		return nil, err
	}

	metrics.RecordStoreOperation("sqlite", "load", time.Since(start), true)
	return a, nil
}

// Type returns "sqlite".
func (s *Store) Type() string { return "sqlite" }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
