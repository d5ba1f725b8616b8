// Package store defines the Store interface for persisting the version
// ledger and mod histories, with pluggable backends.
package store

import (
	"context"
	"fmt"

	"github.com/pweids/cairo/internal/config"
	"github.com/pweids/cairo/internal/store/codec"
	"github.com/pweids/cairo/internal/store/local"
	"github.com/pweids/cairo/internal/store/postgres"
	sqlitestore "github.com/pweids/cairo/internal/store/sqlite"
)

// ErrNotFound is returned by Load when no archive has been saved yet.
var ErrNotFound = codec.ErrNotFound

// Store persists archives. Save replaces the previous archive; Load
// returns the most recent one.
type Store interface {
	// Save persists the archive, replacing any previous one.
	Save(ctx context.Context, a *codec.Archive) error

	// Load returns the most recently saved archive.
	Load(ctx context.Context) (*codec.Archive, error)

	// Type returns the backend type identifier ("local", "sqlite", "postgres").
	Type() string

	// Close releases any resources held by the store.
	Close() error
}

// NewFromConfig creates a Store from server configuration.
func NewFromConfig(cfg *config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case "local":
		return local.New(cfg.StorePath)
	case "sqlite":
		return sqlitestore.New(cfg.StorePath)
	case "postgres":
		return postgres.New(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.StoreBackend)
	}
}
