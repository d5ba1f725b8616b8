package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pweids/cairo/pkg/clock"
	"github.com/pweids/cairo/pkg/ledger"
	"github.com/pweids/cairo/pkg/models"
	"github.com/pweids/cairo/pkg/tree"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// memPeer adapts a second in-process tree to the Peer interface.
type memPeer struct {
	t *tree.Tree
}

func (p *memPeer) Ledger(context.Context) ([]models.Version, error) {
	return p.t.Ledger().Versions(), nil
}

func (p *memPeer) Changes(_ context.Context, ids []models.VersionID) ([]tree.Change, error) {
	vers := make([]models.Version, 0, len(ids))
	for _, id := range ids {
		v, ok := p.t.Ledger().Get(id)
		if !ok {
			return nil, fmt.Errorf("unknown version %s", id)
		}
		vers = append(vers, v)
	}
	tx := p.t.BeginSync()
	defer tx.Release()
	return tx.ChangesIn(vers), nil
}

func (p *memPeer) Push(_ context.Context, changes []tree.Change, _ []models.VersionID) error {
	tx := p.t.BeginSync()
	defer tx.Release()
	return tx.MergeCommit(changes, nil)
}

// fixture builds a store with a root directory holding two text files,
// then clones it into a second store the way a first sync would.
type fixture struct {
	local, remote       *tree.Tree
	localClk, remoteClk *clock.Manual
	root, fileA, fileB  models.NodeID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		local:    tree.New(ledger.New()),
		localClk: clock.NewManual("a", baseTime, time.Second),
		// The remote's clock sits just past the shared base: its writes
		// advance the base but stay behind the local clock, which also
		// stamps the reconcile mods.
		remoteClk: clock.NewManual("b", baseTime.Add(10*time.Millisecond), time.Second),
	}
	f.root = f.localClk.NewNodeID()
	f.fileA = f.localClk.NewNodeID()
	f.fileB = f.localClk.NewNodeID()
	v := f.localClk.NewVersion()

	mut(t, f.local, f.root, models.KindDirectory, v, models.FieldName, models.StringValue("shared"))
	mut(t, f.local, f.fileA, models.KindTextFile, v, models.FieldName, models.StringValue("a.txt"))
	mut(t, f.local, f.fileA, "", v, models.FieldData, models.StringValue("alpha"))
	mut(t, f.local, f.fileB, models.KindTextFile, v, models.FieldName, models.StringValue("b.txt"))
	mut(t, f.local, f.fileB, "", v, models.FieldData, models.StringValue("beta"))
	mut(t, f.local, f.root, "", v, models.FieldChildren, models.ChildrenValue([]models.NodeID{f.fileA, f.fileB}))
	if err := f.local.SetRoot(f.root); err != nil {
		t.Fatal(err)
	}

	f.remote = tree.New(ledger.New())
	if err := f.remote.Import(f.local.AllChanges(), ledger.OriginRemote); err != nil {
		t.Fatalf("clone remote: %v", err)
	}
	return f
}

func mut(t *testing.T, tr *tree.Tree, id models.NodeID, kind models.Kind, v models.Version, f models.Field, val models.Value) {
	t.Helper()
	if err := tr.Mutate(id, kind, v, f, val); err != nil {
		t.Fatalf("mutate %s %s: %v", id, f, err)
	}
}

func dataOf(t *testing.T, tr *tree.Tree, id models.NodeID) string {
	t.Helper()
	val, ok, err := tr.ResolveField(id, models.FieldData, models.Version{})
	if err != nil || !ok {
		t.Fatalf("resolve data of %s: ok=%v err=%v", id, ok, err)
	}
	s, err := val.AsString()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func dataAt(t *testing.T, tr *tree.Tree, id models.NodeID, asOf models.Version) string {
	t.Helper()
	val, ok, err := tr.ResolveField(id, models.FieldData, asOf)
	if err != nil || !ok {
		t.Fatalf("resolve data of %s as of %s: ok=%v err=%v", id, asOf.ID, ok, err)
	}
	s, err := val.AsString()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSyncAlreadySynchronized(t *testing.T) {
	f := newFixture(t)
	eng := New(f.local, f.localClk)

	res, err := eng.Sync(context.Background(), &memPeer{t: f.remote})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.State != StateIdle || res.Pulled != 0 || res.Pushed != 0 {
		t.Errorf("result = %+v, want idle no-op", res)
	}
}

func TestSyncFastForwardPull(t *testing.T) {
	f := newFixture(t)
	// Only the remote moved.
	v := f.remoteClk.NewVersion()
	mut(t, f.remote, f.fileA, "", v, models.FieldData, models.StringValue("alpha v2"))

	eng := New(f.local, f.localClk)
	res, err := eng.Sync(context.Background(), &memPeer{t: f.remote})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.State != StateMerged || res.Pulled != 1 || res.Pushed != 0 {
		t.Errorf("result = %+v, want 1 pulled", res)
	}
	if got := dataOf(t, f.local, f.fileA); got != "alpha v2" {
		t.Errorf("local data = %q, want the remote write", got)
	}
	if o, _ := f.local.Ledger().OriginOf(v.ID); o != ledger.OriginRemote {
		t.Errorf("adopted version recorded as %s, want remote", o)
	}
}

func TestSyncFastForwardPush(t *testing.T) {
	f := newFixture(t)
	// Only the local side moved.
	v := f.localClk.NewVersion()
	mut(t, f.local, f.fileB, "", v, models.FieldData, models.StringValue("beta v2"))

	eng := New(f.local, f.localClk)
	res, err := eng.Sync(context.Background(), &memPeer{t: f.remote})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.State != StateMerged || res.Pushed != 1 || res.Pulled != 0 {
		t.Errorf("result = %+v, want 1 pushed", res)
	}
	if got := dataOf(t, f.remote, f.fileB); got != "beta v2" {
		t.Errorf("remote data = %q, want the local write", got)
	}
}

func TestSyncMergesDisjointWrites(t *testing.T) {
	f := newFixture(t)
	lv := f.localClk.NewVersion()
	mut(t, f.local, f.fileA, "", lv, models.FieldData, models.StringValue("alpha local"))
	rv := f.remoteClk.NewVersion()
	mut(t, f.remote, f.fileB, "", rv, models.FieldData, models.StringValue("beta remote"))

	eng := New(f.local, f.localClk)
	res, err := eng.Sync(context.Background(), &memPeer{t: f.remote})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.State != StateMerged {
		t.Fatalf("result = %+v, want merged", res)
	}
	if res.Pulled != 1 || res.Pushed != 1 {
		t.Errorf("pulled/pushed = %d/%d, want 1/1", res.Pulled, res.Pushed)
	}

	// Both sides converge.
	for _, tr := range []*tree.Tree{f.local, f.remote} {
		if got := dataOf(t, tr, f.fileA); got != "alpha local" {
			t.Errorf("fileA = %q, want the local write", got)
		}
		if got := dataOf(t, tr, f.fileB); got != "beta remote" {
			t.Errorf("fileB = %q, want the remote write", got)
		}
	}
}

func TestSyncDetectsCollision(t *testing.T) {
	f := newFixture(t)
	lv := f.localClk.NewVersion()
	mut(t, f.local, f.fileA, "", lv, models.FieldData, models.StringValue("local edit"))
	rv := f.remoteClk.NewVersion()
	mut(t, f.remote, f.fileA, "", rv, models.FieldData, models.StringValue("remote edit"))

	eng := New(f.local, f.localClk)
	res, err := eng.Sync(context.Background(), &memPeer{t: f.remote})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.State != StateAwaitingTimelineChoice {
		t.Fatalf("result state = %s, want awaiting-timeline-choice", res.State)
	}
	if len(res.Collisions) != 1 {
		t.Fatalf("collisions = %v, want exactly one", res.Collisions)
	}
	c := res.Collisions[0]
	if c.Node != f.fileA || c.Field != models.FieldData {
		t.Errorf("collision on %s/%s, want fileA/data", c.Node, c.Field)
	}
	if s, _ := c.LocalValue.AsString(); s != "local edit" {
		t.Errorf("local value = %q", s)
	}
	if s, _ := c.RemoteValue.AsString(); s != "remote edit" {
		t.Errorf("remote value = %q", s)
	}

	// Suspension committed nothing: the remote's version is unknown
	// locally and the local value is untouched.
	if f.local.Ledger().Contains(rv.ID) {
		t.Error("remote version leaked into the local ledger before a choice")
	}
	if got := dataOf(t, f.local, f.fileA); got != "local edit" {
		t.Errorf("local data = %q before a choice, want unchanged", got)
	}
	if eng.State() != StateAwaitingTimelineChoice {
		t.Errorf("engine state = %s", eng.State())
	}
}

func TestChooseLocalTimeline(t *testing.T) {
	f := newFixture(t)
	lv := f.localClk.NewVersion()
	mut(t, f.local, f.fileA, "", lv, models.FieldData, models.StringValue("local edit"))
	rv := f.remoteClk.NewVersion()
	mut(t, f.remote, f.fileA, "", rv, models.FieldData, models.StringValue("remote edit"))

	eng := New(f.local, f.localClk)
	if _, err := eng.Sync(context.Background(), &memPeer{t: f.remote}); err != nil {
		t.Fatal(err)
	}
	if err := eng.ChooseTimeline(f.fileA, TimelineLocal); err != nil {
		t.Fatalf("choose timeline: %v", err)
	}
	res, err := eng.Resume(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.State != StateMerged {
		t.Fatalf("resumed result = %+v, want merged", res)
	}

	// Both sides converge on the chosen side's value; the losing write
	// stays in every log for time travel.
	for _, tr := range []*tree.Tree{f.local, f.remote} {
		if got := dataOf(t, tr, f.fileA); got != "local edit" {
			t.Errorf("converged data = %q, want the local edit", got)
		}
	}
	if !f.local.Ledger().Contains(rv.ID) {
		t.Error("losing version should still be in the merged ledger")
	}
	found := false
	for _, m := range f.local.ModsOf(f.fileA) {
		if m.Version.ID == rv.ID {
			found = true
		}
	}
	if !found {
		t.Error("losing mod should stay in the log")
	}
	// The losing side's copy still answers for its own pre-sync version:
	// the remote carries the full merged history without rejects, so
	// resolving at rv recovers the overridden value.
	if got := dataAt(t, f.remote, f.fileA, rv); got != "remote edit" {
		t.Errorf("remote data as of %s = %q, want the pre-sync remote edit", rv.ID, got)
	}
	if eng.State() != StateIdle {
		t.Errorf("engine state = %s after resume, want idle", eng.State())
	}
}

func TestChooseRemoteTimeline(t *testing.T) {
	f := newFixture(t)
	lv := f.localClk.NewVersion()
	mut(t, f.local, f.fileA, "", lv, models.FieldData, models.StringValue("local edit"))
	rv := f.remoteClk.NewVersion()
	mut(t, f.remote, f.fileA, "", rv, models.FieldData, models.StringValue("remote edit"))

	eng := New(f.local, f.localClk)
	if _, err := eng.Sync(context.Background(), &memPeer{t: f.remote}); err != nil {
		t.Fatal(err)
	}
	if err := eng.ChooseTimeline(f.fileA, TimelineRemote); err != nil {
		t.Fatal(err)
	}
	res, err := eng.Resume(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.State != StateMerged {
		t.Fatalf("resumed result = %+v, want merged", res)
	}
	for _, tr := range []*tree.Tree{f.local, f.remote} {
		if got := dataOf(t, tr, f.fileA); got != "remote edit" {
			t.Errorf("converged data = %q, want the remote edit", got)
		}
	}
	// The overridden local edit stays resolvable at its own version on
	// the remote copy, which received the full history on push.
	if got := dataAt(t, f.remote, f.fileA, lv); got != "local edit" {
		t.Errorf("remote data as of %s = %q, want the pre-sync local edit", lv.ID, got)
	}
	if got := dataAt(t, f.remote, f.fileA, rv); got != "remote edit" {
		t.Errorf("remote data as of %s = %q, want the remote edit", rv.ID, got)
	}
}

func TestResumeRequiresEveryChoice(t *testing.T) {
	f := newFixture(t)
	lv := f.localClk.NewVersion()
	mut(t, f.local, f.fileA, "", lv, models.FieldData, models.StringValue("x"))
	mut(t, f.local, f.fileB, "", lv, models.FieldData, models.StringValue("y"))
	rv := f.remoteClk.NewVersion()
	mut(t, f.remote, f.fileA, "", rv, models.FieldData, models.StringValue("p"))
	mut(t, f.remote, f.fileB, "", rv, models.FieldData, models.StringValue("q"))

	eng := New(f.local, f.localClk)
	res, err := eng.Sync(context.Background(), &memPeer{t: f.remote})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Collisions) != 2 {
		t.Fatalf("collisions = %d, want 2", len(res.Collisions))
	}
	if err := eng.ChooseTimeline(f.fileA, TimelineLocal); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Resume(context.Background()); err == nil {
		t.Error("resume with an unchosen collision should fail")
	}
	if err := eng.ChooseTimeline(f.fileB, TimelineRemote); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Resume(context.Background()); err != nil {
		t.Errorf("resume after all choices: %v", err)
	}
	if got := dataOf(t, f.local, f.fileA); got != "x" {
		t.Errorf("fileA = %q, want the local side", got)
	}
	if got := dataOf(t, f.local, f.fileB); got != "q" {
		t.Errorf("fileB = %q, want the remote side", got)
	}
}

func TestChooseTimelineRejectsNonCollidingNode(t *testing.T) {
	f := newFixture(t)
	lv := f.localClk.NewVersion()
	mut(t, f.local, f.fileA, "", lv, models.FieldData, models.StringValue("x"))
	rv := f.remoteClk.NewVersion()
	mut(t, f.remote, f.fileA, "", rv, models.FieldData, models.StringValue("y"))

	eng := New(f.local, f.localClk)
	if _, err := eng.Sync(context.Background(), &memPeer{t: f.remote}); err != nil {
		t.Fatal(err)
	}
	if err := eng.ChooseTimeline(f.fileB, TimelineLocal); err == nil {
		t.Error("choosing a timeline for a non-colliding node should fail")
	}
}

func TestAbortDiscardsSession(t *testing.T) {
	f := newFixture(t)
	lv := f.localClk.NewVersion()
	mut(t, f.local, f.fileA, "", lv, models.FieldData, models.StringValue("x"))
	rv := f.remoteClk.NewVersion()
	mut(t, f.remote, f.fileA, "", rv, models.FieldData, models.StringValue("y"))

	eng := New(f.local, f.localClk)
	if _, err := eng.Sync(context.Background(), &memPeer{t: f.remote}); err != nil {
		t.Fatal(err)
	}
	eng.Abort()
	if eng.State() != StateIdle {
		t.Errorf("engine state = %s after abort, want idle", eng.State())
	}
	if f.local.Ledger().Contains(rv.ID) {
		t.Error("abort must leave no partial merge behind")
	}

	_, err := eng.Resume(context.Background())
	var abortErr *SyncAbortedError
	if !errors.As(err, &abortErr) {
		t.Fatalf("expected SyncAbortedError once after abort, got %v", err)
	}
	// The abort signal is consumed; the next failure is the ordinary
	// no-session error.
	if _, err := eng.Resume(context.Background()); err == nil || errors.As(err, &abortErr) {
		t.Errorf("second resume should fail plainly, got %v", err)
	}
}

func TestSyncWhileSuspendedIsRefused(t *testing.T) {
	f := newFixture(t)
	lv := f.localClk.NewVersion()
	mut(t, f.local, f.fileA, "", lv, models.FieldData, models.StringValue("x"))
	rv := f.remoteClk.NewVersion()
	mut(t, f.remote, f.fileA, "", rv, models.FieldData, models.StringValue("y"))

	eng := New(f.local, f.localClk)
	if _, err := eng.Sync(context.Background(), &memPeer{t: f.remote}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Sync(context.Background(), &memPeer{t: f.remote}); err == nil {
		t.Error("a second session must not start while one is suspended")
	}
}

func TestConcurrentWritesWithEqualResultsDoNotCollide(t *testing.T) {
	f := newFixture(t)
	// Both sides write the same value concurrently; the fold results
	// agree, so there is nothing to choose.
	lv := f.localClk.NewVersion()
	mut(t, f.local, f.fileA, "", lv, models.FieldData, models.StringValue("same"))
	rv := f.remoteClk.NewVersion()
	mut(t, f.remote, f.fileA, "", rv, models.FieldData, models.StringValue("same"))

	eng := New(f.local, f.localClk)
	res, err := eng.Sync(context.Background(), &memPeer{t: f.remote})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.State != StateMerged {
		t.Errorf("result = %+v, want a clean merge", res)
	}
	if got := dataOf(t, f.local, f.fileA); got != "same" {
		t.Errorf("data = %q", got)
	}
}
