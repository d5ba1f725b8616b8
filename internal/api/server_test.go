package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pweids/cairo/internal/auth"
	"github.com/pweids/cairo/internal/config"
	"github.com/pweids/cairo/internal/events"
	"github.com/pweids/cairo/pkg/client"
	"github.com/pweids/cairo/pkg/clock"
	"github.com/pweids/cairo/pkg/ledger"
	"github.com/pweids/cairo/pkg/models"
	"github.com/pweids/cairo/pkg/syncer"
	"github.com/pweids/cairo/pkg/tree"
)

func newTestServer(t *testing.T, tr *tree.Tree) (*httptest.Server, *client.Client) {
	t.Helper()

	a, err := auth.New(filepath.Join(t.TempDir(), "users.json"), "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := a.CreateUser("alice", "correct horse"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	srv := NewServer(tr, clock.NewULID(), a, nil, events.NewBroadcaster(), &config.Config{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c := client.New(client.Config{BaseURL: ts.URL, Timeout: 5 * time.Second})
	if err := c.Login(context.Background(), "alice", "correct horse", "test"); err != nil {
		t.Fatalf("login: %v", err)
	}
	return ts, c
}

// seed plants a root directory with one text file, in the server's own
// history, and returns the file's node ID.
func seed(t *testing.T, tr *tree.Tree) models.NodeID {
	t.Helper()
	clk := clock.NewManual("srv", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Second)
	root := clk.NewNodeID()
	file := clk.NewNodeID()
	v := clk.NewVersion()
	for _, step := range []error{
		tr.Mutate(root, models.KindDirectory, v, models.FieldName, models.StringValue("vault")),
		tr.Mutate(file, models.KindTextFile, v, models.FieldName, models.StringValue("readme.txt")),
		tr.Mutate(file, "", v, models.FieldData, models.StringValue("hello cairo")),
		tr.Mutate(root, "", v, models.FieldChildren, models.ChildrenValue([]models.NodeID{file})),
		tr.SetRoot(root),
	} {
		if step != nil {
			t.Fatal(step)
		}
	}
	return file
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	ts, _ := newTestServer(t, tree.New(ledger.New()))

	resp, err := http.Get(ts.URL + "/api/v1/ledger")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d without a token, want 401", resp.StatusCode)
	}

	// Health stays public.
	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ts, _ := newTestServer(t, tree.New(ledger.New()))

	c := client.New(client.Config{BaseURL: ts.URL, Timeout: 5 * time.Second})
	if err := c.Login(context.Background(), "alice", "wrong", "test"); err == nil {
		t.Error("login with a wrong password should fail")
	}
	if err := c.Login(context.Background(), "nobody", "whatever", "test"); err == nil {
		t.Error("login for an unknown user should fail")
	}
}

func TestMutateAndStatus(t *testing.T) {
	tr := tree.New(ledger.New())
	_, c := newTestServer(t, tr)
	ctx := context.Background()

	v, err := c.Mutate(ctx, "node-1", models.KindTextFile, models.FieldName, models.StringValue("a.txt"))
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if v.IsZero() {
		t.Error("mutate should return the stamped version")
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Nodes != 1 || st.Versions != 1 {
		t.Errorf("status = %d nodes / %d versions, want 1/1", st.Nodes, st.Versions)
	}

	// Invalid writes surface as client errors, not retries.
	if _, err := c.Mutate(ctx, "node-1", "", models.FieldChildren, models.ChildrenValue(nil)); err == nil {
		t.Error("children on a text file should be refused")
	}
}

func TestSnapshotAndSearch(t *testing.T) {
	tr := tree.New(ledger.New())
	seed(t, tr)
	_, c := newTestServer(t, tr)
	ctx := context.Background()

	snap, err := c.Snapshot(ctx, "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Root == nil || len(snap.Root.Children) != 1 {
		t.Fatalf("snapshot root = %+v, want one child", snap.Root)
	}
	if got := string(snap.Root.Children[0].Data); got != "hello cairo" {
		t.Errorf("file data = %q", got)
	}

	if _, err := c.Snapshot(ctx, "no-such-version"); err == nil {
		t.Error("snapshot at an unknown version should fail")
	}

	hits, err := c.Search(ctx, "hello")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Path != "readme.txt" {
		t.Errorf("hits = %v, want readme.txt", hits)
	}
}

func TestSyncSessionAgainstServer(t *testing.T) {
	serverTree := tree.New(ledger.New())
	fileOnServer := seed(t, serverTree)
	_, c := newTestServer(t, serverTree)
	ctx := context.Background()

	// A fresh client store pulls the whole history.
	localTree := tree.New(ledger.New())
	localClk := clock.NewManual("cli", time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), time.Second)
	eng := syncer.New(localTree, localClk)

	res, err := eng.Sync(ctx, c)
	if err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	if res.State != syncer.StateMerged || res.Pulled == 0 {
		t.Fatalf("initial sync result = %+v, want a pull", res)
	}
	snap, err := localTree.Resolve(models.Version{})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Root == nil || snap.Root.Name != "vault" {
		t.Fatalf("local tree after pull = %+v", snap.Root)
	}

	// A local edit pushes back on the next session.
	v := localClk.NewVersion()
	if err := localTree.Mutate(fileOnServer, "", v, models.FieldData, models.StringValue("edited offline")); err != nil {
		t.Fatal(err)
	}
	res, err = eng.Sync(ctx, c)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.State != syncer.StateMerged || res.Pushed != 1 {
		t.Fatalf("second sync result = %+v, want 1 pushed", res)
	}

	val, ok, err := serverTree.ResolveField(fileOnServer, models.FieldData, models.Version{})
	if err != nil || !ok {
		t.Fatalf("server resolve: ok=%v err=%v", ok, err)
	}
	if s, _ := val.AsString(); s != "edited offline" {
		t.Errorf("server data = %q, want the pushed edit", s)
	}
}

func TestPushMarksReconciledChanges(t *testing.T) {
	serverTree := tree.New(ledger.New())
	seed(t, serverTree)

	a, err := auth.New(filepath.Join(t.TempDir(), "users.json"), "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := a.CreateUser("alice", "correct horse"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	bc := events.NewBroadcaster()
	srv := NewServer(serverTree, clock.NewULID(), a, nil, bc, &config.Config{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c := client.New(client.Config{BaseURL: ts.URL, Timeout: 5 * time.Second})
	ctx := context.Background()
	if err := c.Login(ctx, "alice", "correct horse", "test"); err != nil {
		t.Fatalf("login: %v", err)
	}

	sub := bc.Subscribe()
	defer bc.Unsubscribe(sub)

	// Push a fresh node in two writes, flagging the second as the mod
	// recording a timeline choice.
	clk := clock.NewManual("cli", time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), time.Second)
	note := clk.NewNodeID()
	v1 := clk.NewVersion()
	v2 := clk.NewVersion()
	changes := []tree.Change{
		{Node: note, Kind: models.KindTextFile, Birth: v1, Mod: models.Mod{Version: v1, Field: models.FieldName, Value: models.StringValue("merged.txt")}},
		{Node: note, Kind: models.KindTextFile, Birth: v1, Mod: models.Mod{Version: v2, Field: models.FieldData, Value: models.StringValue("chosen value")}},
	}
	if err := c.Push(ctx, changes, []models.VersionID{v2.ID}); err != nil {
		t.Fatalf("push: %v", err)
	}

	types := make(map[models.VersionID]string)
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub:
			types[ev.Version.ID] = ev.Type
		case <-time.After(time.Second):
			t.Fatalf("got %d push events, want 2", i)
		}
	}
	if types[v1.ID] != events.TypeMerge {
		t.Errorf("event for %s = %q, want %q", v1.ID, types[v1.ID], events.TypeMerge)
	}
	if types[v2.ID] != events.TypeReconcile {
		t.Errorf("event for %s = %q, want %q", v2.ID, types[v2.ID], events.TypeReconcile)
	}
}
