package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pweids/cairo/internal/store/codec"
	"github.com/pweids/cairo/internal/store/local"
	"github.com/pweids/cairo/internal/walker"
	"github.com/pweids/cairo/pkg/clock"
	"github.com/pweids/cairo/pkg/ledger"
	"github.com/pweids/cairo/pkg/tree"
)

const configFile = "config.yaml"

// wsConfig is the per-workspace configuration in .cairo/config.yaml.
type wsConfig struct {
	Server   string `yaml:"server,omitempty"`
	Username string `yaml:"username,omitempty"`
	Token    string `yaml:"token,omitempty"`
}

// workspace is a tracked directory: the files plus their history under
// .cairo/.
type workspace struct {
	dir     string
	metaDir string
	store   *local.Store
	tree    *tree.Tree
	clk     clock.Source
	walker  *walker.Walker
	config  wsConfig
}

// initWorkspace creates .cairo/ in dir and an empty tree.
func initWorkspace(dir, server string) (*workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	metaDir := filepath.Join(abs, walker.MetaDir)
	if _, err := os.Stat(metaDir); err == nil {
		return nil, fmt.Errorf("%s already exists", metaDir)
	}
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return nil, err
	}

	ws, err := buildWorkspace(abs, metaDir)
	if err != nil {
		return nil, err
	}
	ws.config.Server = server
	if err := ws.saveConfig(); err != nil {
		return nil, err
	}
	return ws, nil
}

// openWorkspace loads an existing workspace at dir.
func openWorkspace(dir string) (*workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	metaDir := filepath.Join(abs, walker.MetaDir)
	if _, err := os.Stat(metaDir); err != nil {
		return nil, fmt.Errorf("not a cairo workspace (no %s); run 'cairo init'", walker.MetaDir)
	}
	return buildWorkspace(abs, metaDir)
}

func buildWorkspace(dir, metaDir string) (*workspace, error) {
	st, err := local.New(metaDir)
	if err != nil {
		return nil, err
	}

	t, err := loadTree(st)
	if err != nil {
		return nil, err
	}

	clk := clock.NewULID()
	w, err := walker.New(t, clk, dir)
	if err != nil {
		return nil, err
	}

	ws := &workspace{
		dir:     dir,
		metaDir: metaDir,
		store:   st,
		tree:    t,
		clk:     clk,
		walker:  w,
	}

	data, err := os.ReadFile(filepath.Join(metaDir, configFile))
	if err == nil {
		if err := yaml.Unmarshal(data, &ws.config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configFile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return ws, nil
}

func loadTree(st *local.Store) (*tree.Tree, error) {
	a, err := st.Load(context.Background())
	if errors.Is(err, codec.ErrNotFound) {
		return tree.New(ledger.New()), nil
	}
	if err != nil {
		return nil, err
	}
	led, err := ledger.FromState(a.Ledger)
	if err != nil {
		return nil, err
	}
	return tree.FromState(led, a.Tree)
}

// save persists the tree and ledger.
func (ws *workspace) save() error {
	return ws.store.Save(context.Background(), &codec.Archive{
		SavedAt: time.Now().UTC(),
		Ledger:  ws.tree.Ledger().State(),
		Tree:    ws.tree.State(),
	})
}

// saveConfig persists .cairo/config.yaml.
func (ws *workspace) saveConfig() error {
	data, err := yaml.Marshal(ws.config)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(ws.metaDir, configFile), data, 0o600)
}

// hasPendingChanges dry-runs a scan against a throwaway copy of the
// tree and reports whether it would commit anything.
func (ws *workspace) hasPendingChanges() (bool, error) {
	led, err := ledger.FromState(ws.tree.Ledger().State())
	if err != nil {
		return false, err
	}
	clone, err := tree.FromState(led, ws.tree.State())
	if err != nil {
		return false, err
	}
	w, err := walker.New(clone, ws.clk, ws.dir)
	if err != nil {
		return false, err
	}
	v, err := w.Scan()
	if err != nil {
		return false, err
	}
	return !v.IsZero(), nil
}
