// Package local provides a local filesystem store backend.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pweids/cairo/internal/logging"
	"github.com/pweids/cairo/internal/metrics"
	"github.com/pweids/cairo/internal/store/codec"
)

const archiveFile = "state.cairo"

// Store persists archives as a single snappy-compressed file.
type Store struct {
	root string
}

// New creates a local store rooted at dir, creating it if missing.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store path is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat store path %s: %w", dir, err)
		}
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			return nil, fmt.Errorf("create store path %s: %w", dir, mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("store path %s is not a directory", dir)
	}
	return &Store{root: dir}, nil
}

// Save writes the archive atomically via a temp file and rename.
func (s *Store) Save(_ context.Context, a *codec.Archive) error {
	start := time.Now()

	data, err := codec.Marshal(a)
	if err != nil {
		metrics.RecordStoreOperation("local", "save", time.Since(start), false)
		return err
	}

	path := filepath.Join(s.root, archiveFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		metrics.RecordStoreOperation("local", "save", time.Since(start), false)
		return fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		metrics.RecordStoreOperation("local", "save", time.Since(start), false)
		return fmt.Errorf("replace archive: %w", err)
	}

	metrics.RecordStoreOperation("local", "save", time.Since(start), true)
	logging.Debug("archive saved",
		zap.String("path", path),
		zap.Int("bytes", len(data)))
	return nil
}

// Load reads the most recently saved archive.
func (s *Store) Load(_ context.Context) (*codec.Archive, error) {
	start := time.Now()

	data, err := os.ReadFile(filepath.Join(s.root, archiveFile))
	if err != nil {
		if os.IsNotExist(err) {
			metrics.RecordStoreOperation("local", "load", time.Since(start), true)
			return nil, codec.ErrNotFound
		}
		metrics.RecordStoreOperation("local", "load", time.Since(start), false)
		return nil, fmt.Errorf("read archive: %w", err)
	}

	a, err := codec.Unmarshal(data)
	if err != nil {
		metrics.RecordStoreOperation("local", "load", time.Since(start), false)
		return nil, err
	}

	metrics.RecordStoreOperation("local", "load", time.Since(start), true)
	return a, nil
}

// Type returns "local".
func (s *Store) Type() string { return "local" }

// Close is a no-op for local stores.
func (s *Store) Close() error { return nil }
