// Package walker bridges the versioned tree and a real directory: Scan
// commits filesystem changes as mods, Materialize writes a resolved
// snapshot back to disk.
package walker

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pweids/cairo/internal/logging"
	"github.com/pweids/cairo/pkg/clock"
	"github.com/pweids/cairo/pkg/models"
	"github.com/pweids/cairo/pkg/tree"
)

// MetaDir is the per-directory metadata directory, never scanned.
const MetaDir = ".cairo"

// IgnoreFile lists glob patterns to skip, one per line.
const IgnoreFile = ".cairoignore"

// Walker syncs a directory with a versioned tree.
type Walker struct {
	tree   *tree.Tree
	clk    clock.Source
	root   string
	ignore []string
}

// New creates a walker for the directory at root.
func New(t *tree.Tree, clk clock.Source, root string) (*Walker, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	w := &Walker{tree: t, clk: clk, root: abs}
	if err := w.loadIgnore(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Walker) loadIgnore() error {
	f, err := os.Open(filepath.Join(w.root, IgnoreFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", IgnoreFile, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		w.ignore = append(w.ignore, line)
	}
	return scanner.Err()
}

func (w *Walker) ignored(name string) bool {
	if name == MetaDir || name == IgnoreFile {
		return true
	}
	for _, pattern := range w.ignore {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Scan walks the directory and commits every difference against the
// tree's latest state as mods at a single fresh version. It returns
// that version, or a zero version when nothing changed.
func (w *Walker) Scan() (models.Version, error) {
	snap, err := w.tree.Resolve(models.Version{})
	if err != nil {
		return models.Version{}, fmt.Errorf("resolve current state: %w", err)
	}

	v := w.clk.NewVersion()
	changed := false

	rootID, err := w.scanDir(w.root, snap.Root, v, &changed)
	if err != nil {
		return models.Version{}, err
	}
	if w.tree.Root() == "" {
		if err := w.tree.SetRoot(rootID); err != nil {
			return models.Version{}, err
		}
	}

	if !changed {
		return models.Version{}, nil
	}
	logging.Info("scan committed",
		zap.String("root", w.root),
		zap.String("version", string(v.ID)))
	return v, nil
}

// scanDir reconciles one directory level. prev is the node's latest
// snapshot, nil for new directories.
func (w *Walker) scanDir(dir string, prev *models.SnapshotNode, v models.Version, changed *bool) (models.NodeID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read dir %s: %w", dir, err)
	}

	var id models.NodeID
	if prev != nil {
		id = prev.ID
	} else {
		id = w.clk.NewNodeID()
		if err := w.tree.Mutate(id, models.KindDirectory, v, models.FieldName, models.StringValue(filepath.Base(dir))); err != nil {
			return "", err
		}
		*changed = true
	}

	prevChildren := make(map[string]*models.SnapshotNode)
	if prev != nil {
		for _, c := range prev.Children {
			prevChildren[c.Name] = c
		}
	}

	var childIDs []models.NodeID
	seen := make(map[string]struct{})
	for _, entry := range entries {
		name := entry.Name()
		if w.ignored(name) {
			continue
		}
		seen[name] = struct{}{}

		path := filepath.Join(dir, name)
		prevChild := prevChildren[name]
		// A path that switched between file and directory is a new
		// node; kind is permanent.
		if prevChild != nil && (prevChild.Kind == models.KindDirectory) != entry.IsDir() {
			if err := w.tree.Mutate(prevChild.ID, "", v, models.FieldDeleted, models.BoolValue(true)); err != nil {
				return "", err
			}
			*changed = true
			prevChild = nil
		}

		var cid models.NodeID
		if entry.IsDir() {
			cid, err = w.scanDir(path, prevChild, v, changed)
		} else {
			cid, err = w.scanFile(path, prevChild, v, changed)
		}
		if err != nil {
			return "", err
		}
		childIDs = append(childIDs, cid)
	}

	// Anything present before but gone from disk is marked deleted.
	for name, c := range prevChildren {
		if _, ok := seen[name]; ok {
			continue
		}
		if err := w.tree.Mutate(c.ID, "", v, models.FieldDeleted, models.BoolValue(true)); err != nil {
			return "", err
		}
		*changed = true
		logging.Debug("node deleted", zap.String("name", name))
	}

	if childSetChanged(prev, childIDs) {
		if err := w.tree.Mutate(id, models.KindDirectory, v, models.FieldChildren, models.ChildrenValue(childIDs)); err != nil {
			return "", err
		}
		*changed = true
	}
	return id, nil
}

// scanFile reconciles one file. prev is nil for new files.
func (w *Walker) scanFile(path string, prev *models.SnapshotNode, v models.Version, changed *bool) (models.NodeID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", path, err)
	}

	kind := models.KindBinaryFile
	if utf8.Valid(data) {
		kind = models.KindTextFile
	}

	if prev == nil {
		id := w.clk.NewNodeID()
		if err := w.tree.Mutate(id, kind, v, models.FieldName, models.StringValue(filepath.Base(path))); err != nil {
			return "", err
		}
		if err := w.tree.Mutate(id, "", v, models.FieldData, fileValue(kind, data)); err != nil {
			return "", err
		}
		*changed = true
		return id, nil
	}

	if !bytes.Equal(prev.Data, data) {
		if err := w.tree.Mutate(prev.ID, "", v, models.FieldData, fileValue(prev.Kind, data)); err != nil {
			return "", err
		}
		*changed = true
	}
	return prev.ID, nil
}

func fileValue(kind models.Kind, data []byte) models.Value {
	if kind == models.KindTextFile {
		return models.StringValue(string(data))
	}
	return models.BytesValue(data)
}

func childSetChanged(prev *models.SnapshotNode, now []models.NodeID) bool {
	var before []models.NodeID
	if prev != nil {
		for _, c := range prev.Children {
			before = append(before, c.ID)
		}
	}
	if len(before) != len(now) {
		return true
	}
	a := append([]models.NodeID(nil), before...)
	b := append([]models.NodeID(nil), now...)
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	sort.Slice(b, func(i, j int) bool { return b[i] < b[j] })
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

// Materialize writes the tree as of a version into dir. Nodes under the
// snapshot root are written with their resolved names and contents;
// files present on disk but absent from the snapshot are left alone.
func (w *Walker) Materialize(dir string, asOf models.Version) error {
	snap, err := w.tree.Resolve(asOf)
	if err != nil {
		return fmt.Errorf("resolve snapshot: %w", err)
	}
	if snap.Root == nil {
		return nil
	}
	for _, child := range snap.Root.Children {
		if err := writeNode(dir, child); err != nil {
			return err
		}
	}
	logging.Info("snapshot materialized",
		zap.String("dir", dir),
		zap.String("as_of", string(asOf.ID)))
	return nil
}

func writeNode(dir string, n *models.SnapshotNode) error {
	path := filepath.Join(dir, n.Name)
	if n.Kind == models.KindDirectory {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", path, err)
		}
		for _, child := range n.Children {
			if err := writeNode(path, child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := os.WriteFile(path, n.Data, 0o644); err != nil {
		return fmt.Errorf("write file %s: %w", path, err)
	}
	return nil
}
