// Package postgres provides a PostgreSQL-backed store for deployments
// sharing a database server.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/pweids/cairo/internal/metrics"
	"github.com/pweids/cairo/internal/store/codec"
)

const schema = `
CREATE TABLE IF NOT EXISTS archives (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	saved_at TIMESTAMPTZ NOT NULL,
	data     BYTEA NOT NULL
);
`

// Store persists archives in a single-row Postgres table.
type Store struct {
	db *sql.DB
}

// New connects to the database at databaseURL and ensures the schema.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
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
		metrics.RecordStoreOperation("postgres", "save", time.Since(start), false)
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archives (id, saved_at, data) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET saved_at = EXCLUDED.saved_at, data = EXCLUDED.data`,
		a.SavedAt.UTC(), data)
	if err != nil {
		metrics.RecordStoreOperation("postgres", "save", time.Since(start), false)
		return fmt.Errorf("save archive: %w", err)
	}

	metrics.RecordStoreOperation("postgres", "save", time.Since(start), true)
	return nil
}

// Load reads the archive row.
func (s *Store) Load(ctx context.Context) (*codec.Archive, error) {
	start := time.Now()

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM archives WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		metrics.RecordStoreOperation("postgres", "load", time.Since(start), true)
		return nil, codec.ErrNotFound
	}
	if err != nil {
		metrics.RecordStoreOperation("postgres", "load", time.Since(start), false)
		return nil, fmt.Errorf("load archive: %w", err)
	}

	a, err := codec.Unmarshal(data)
	if err != nil {
		metrics.RecordStoreOperation("postgres", "load", time.Since(start), false)
		return nil, err
	}

	metrics.RecordStoreOperation("postgres", "load", time.Since(start), true)
	return a, nil
}

// Type returns "postgres".
func (s *Store) Type() string { return "postgres" }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
