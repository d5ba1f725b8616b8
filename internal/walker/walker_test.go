package walker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pweids/cairo/pkg/clock"
	"github.com/pweids/cairo/pkg/ledger"
	"github.com/pweids/cairo/pkg/models"
	"github.com/pweids/cairo/pkg/tree"
)

func newWalker(t *testing.T, dir string) (*Walker, *tree.Tree) {
	t.Helper()
	tr := tree.New(ledger.New())
	clk := clock.NewManual("w", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), time.Second)
	w, err := New(tr, clk, dir)
	if err != nil {
		t.Fatalf("new walker: %v", err)
	}
	return w, tr
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanBuildsTree(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "a.txt"), "alpha")
	write(t, filepath.Join(dir, "sub", "b.txt"), "beta")

	w, tr := newWalker(t, dir)
	v, err := w.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if v.IsZero() {
		t.Fatal("expected a commit version for the first scan")
	}

	snap, err := tr.Resolve(models.Version{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	paths := snap.Paths()
	want := map[string]bool{"a.txt": false, "sub": false, "sub/b.txt": false}
	for _, p := range paths {
		if _, ok := want[p]; ok {
			want[p] = true
		}
	}
	for p, found := range want {
		if !found {
			t.Errorf("expected path %q in snapshot, got %v", p, paths)
		}
	}
}

func TestScanIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "a.txt"), "alpha")

	w, _ := newWalker(t, dir)
	if _, err := w.Scan(); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	v, err := w.Scan()
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if !v.IsZero() {
		t.Errorf("expected no commit when nothing changed, got version %s", v.ID)
	}
}

func TestScanDetectsModification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	write(t, path, "alpha")

	w, tr := newWalker(t, dir)
	v1, err := w.Scan()
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}

	write(t, path, "alpha prime")
	v2, err := w.Scan()
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if v2.IsZero() {
		t.Fatal("expected a commit for the modification")
	}

	latest, err := tr.Resolve(models.Version{})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(latest.Root.Children[0].Data); got != "alpha prime" {
		t.Errorf("latest data = %q, want %q", got, "alpha prime")
	}

	// The pre-modification state stays resolvable at the old version.
	old, err := tr.Resolve(v1)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(old.Root.Children[0].Data); got != "alpha" {
		t.Errorf("data as of %s = %q, want %q", v1.ID, got, "alpha")
	}
}

func TestScanDetectsDeletion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	write(t, path, "alpha")
	write(t, filepath.Join(dir, "b.txt"), "beta")

	w, tr := newWalker(t, dir)
	if _, err := w.Scan(); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Scan(); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	snap, err := tr.Resolve(models.Version{})
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Root.Children) != 1 || snap.Root.Children[0].Name != "b.txt" {
		t.Errorf("expected only b.txt to remain, got %v", snap.Paths())
	}
}

func TestScanRespectsIgnoreFile(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, IgnoreFile), "*.log\ntmp\n")
	write(t, filepath.Join(dir, "a.txt"), "alpha")
	write(t, filepath.Join(dir, "noise.log"), "ignored")
	write(t, filepath.Join(dir, "tmp", "scratch.txt"), "ignored")

	w, tr := newWalker(t, dir)
	if _, err := w.Scan(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	snap, err := tr.Resolve(models.Version{})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range snap.Paths() {
		if p != "a.txt" {
			t.Errorf("unexpected path %q in snapshot", p)
		}
	}
}

func TestMaterializeRoundTrip(t *testing.T) {
	src := t.TempDir()
	write(t, filepath.Join(src, "a.txt"), "alpha")
	write(t, filepath.Join(src, "sub", "b.txt"), "beta")

	w, _ := newWalker(t, src)
	if _, err := w.Scan(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	dst := t.TempDir()
	if err := w.Materialize(dst, models.Version{}); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	if err != nil {
		t.Fatalf("read materialized file: %v", err)
	}
	if string(got) != "beta" {
		t.Errorf("materialized content = %q, want %q", got, "beta")
	}
}
