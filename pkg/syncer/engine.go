package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pweids/cairo/internal/logging"
	"github.com/pweids/cairo/internal/metrics"
	"github.com/pweids/cairo/pkg/clock"
	"github.com/pweids/cairo/pkg/ledger"
	"github.com/pweids/cairo/pkg/models"
	"github.com/pweids/cairo/pkg/tree"
)

// Peer is the remote side of a sync session. Transport framing and
// encoding are the implementation's concern; the engine only requires
// that a failed call returns an error before any state was adopted.
type Peer interface {
	// Ledger returns the remote's known versions, oldest first in the
	// remote's merged order.
	Ledger(ctx context.Context) ([]models.Version, error)

	// Changes exports the remote's mods at exactly the given versions,
	// in the remote's order.
	Changes(ctx context.Context, versions []models.VersionID) ([]tree.Change, error)

	// Push imports local changes into the remote, all-or-nothing.
	// reconciled names the versions among changes that record timeline
	// choices; peers may surface those differently to observers.
	Push(ctx context.Context, changes []tree.Change, reconciled []models.VersionID) error
}

// Engine drives sync sessions for one store. At most one session runs
// at a time; while a session is between ledger comparison and commit it
// holds the tree's mutation boundary, so local writers wait.
type Engine struct {
	mu    sync.Mutex
	tree  *tree.Tree
	clk   clock.Source
	state State

	suspended *suspendedSession
	aborted   bool
}

// suspendedSession is what survives between a collision and the
// caller's timeline choices. The merge itself is recomputed on resume:
// re-entering ComparingLedgers is cheaper than proving a cached diff is
// still valid.
type suspendedSession struct {
	peer       Peer
	collisions []Collision
	choices    map[models.NodeID]Timeline
}

// New creates an engine over a tree, using clk to stamp the mods that
// record timeline choices.
func New(t *tree.Tree, clk clock.Source) *Engine {
	return &Engine{tree: t, clk: clk, state: StateIdle}
}

// State returns the engine's current position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Collisions returns the colliding nodes of the suspended session.
func (e *Engine) Collisions() []Collision {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.suspended == nil {
		return nil
	}
	out := make([]Collision, len(e.suspended.collisions))
	copy(out, e.suspended.collisions)
	return out
}

// Sync runs a session against peer. It returns a suspended result
// (StateAwaitingTimelineChoice) rather than an error when histories
// collide; collisions are a first-class outcome, not a failure.
func (e *Engine) Sync(ctx context.Context, peer Peer) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return nil, fmt.Errorf("sync engine busy: state %s", e.state)
	}
	e.aborted = false
	return e.run(ctx, peer, nil)
}

// ChooseTimeline records which side wins for one colliding node. Every
// colliding node needs a choice before Resume; choices are per node,
// not store-wide.
func (e *Engine) ChooseTimeline(node models.NodeID, tl Timeline) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.aborted {
		e.aborted = false
		return &SyncAbortedError{State: StateAwaitingTimelineChoice}
	}
	if e.state != StateAwaitingTimelineChoice || e.suspended == nil {
		return fmt.Errorf("no suspended sync session (state %s)", e.state)
	}
	for _, c := range e.suspended.collisions {
		if c.Node == node {
			e.suspended.choices[node] = tl
			return nil
		}
	}
	return fmt.Errorf("node %s is not part of the collision set", node)
}

// Resume re-enters the session after timeline choices. It re-runs the
// full comparison; the recorded choices resolve the known collisions
// during the merge.
func (e *Engine) Resume(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.aborted {
		e.aborted = false
		return nil, &SyncAbortedError{State: StateAwaitingTimelineChoice}
	}
	if e.state != StateAwaitingTimelineChoice || e.suspended == nil {
		return nil, fmt.Errorf("no suspended sync session (state %s)", e.state)
	}
	s := e.suspended
	for _, c := range s.collisions {
		if _, ok := s.choices[c.Node]; !ok {
			return nil, fmt.Errorf("node %s still needs a timeline choice", c.Node)
		}
	}

	e.suspended = nil
	e.state = StateIdle
	return e.run(ctx, s.peer, s.choices)
}

// Abort tears down a suspended session. Nothing was committed; the
// next ChooseTimeline or Resume observes SyncAbortedError once.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateAwaitingTimelineChoice {
		e.aborted = true
	}
	e.suspended = nil
	e.state = StateIdle
}

// run executes one pass of the protocol with e.mu held.
func (e *Engine) run(ctx context.Context, peer Peer, choices map[models.NodeID]Timeline) (*Result, error) {
	start := time.Now()
	e.state = StateComparingLedgers
	led := e.tree.Ledger()

	txn := e.tree.BeginSync()
	defer txn.Release()

	fail := func(err error) (*Result, error) {
		e.state = StateIdle
		metrics.RecordSync("error", time.Since(start), 0, 0, 0)
		return nil, err
	}

	remoteVers, err := peer.Ledger(ctx)
	if err != nil {
		return fail(fmt.Errorf("exchange ledgers: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	onlyLocal, onlyRemote := led.Diff(remoteVers)
	logging.Debug("ledgers compared",
		zap.Int("only_local", len(onlyLocal)),
		zap.Int("only_remote", len(onlyRemote)))

	// Already synchronized.
	if len(onlyLocal) == 0 && len(onlyRemote) == 0 {
		e.state = StateIdle
		metrics.RecordSync("noop", time.Since(start), 0, 0, 0)
		return &Result{State: StateIdle}, nil
	}

	// Pure fast-forward pull.
	if len(onlyLocal) == 0 {
		e.state = StateMerging
		changes, err := peer.Changes(ctx, versionIDs(onlyRemote))
		if err != nil {
			return fail(fmt.Errorf("fetch remote changes: %w", err))
		}
		if err := txn.MergeCommit(changes, nil); err != nil {
			return fail(fmt.Errorf("adopt remote changes: %w", err))
		}
		e.state = StateIdle
		metrics.RecordSync("merged", time.Since(start), len(changes), 0, 0)
		return &Result{State: StateMerged, Pulled: len(changes)}, nil
	}

	// Pure fast-forward push.
	if len(onlyRemote) == 0 {
		e.state = StateMerging
		changes := txn.ChangesIn(onlyLocal)
		if err := peer.Push(ctx, changes, nil); err != nil {
			return fail(fmt.Errorf("push local changes: %w", err))
		}
		e.state = StateIdle
		metrics.RecordSync("merged", time.Since(start), 0, len(changes), 0)
		return &Result{State: StateMerged, Pushed: len(changes)}, nil
	}

	// Divergence: both sides grew.
	remoteChanges, err := peer.Changes(ctx, versionIDs(onlyRemote))
	if err != nil {
		return fail(fmt.Errorf("fetch remote changes: %w", err))
	}
	localChanges := txn.ChangesIn(onlyLocal)

	collisions := detectCollisions(txn, led, localChanges, remoteChanges)

	var open []Collision
	var rejects []tree.Reject
	type reconcile struct {
		node  models.NodeID
		field models.Field
		value models.Value
	}
	var reconciles []reconcile

	for _, c := range collisions {
		tl, chosen := choices[c.Node]
		if !chosen {
			open = append(open, c)
			continue
		}
		// The losing side's conflicting writes stay in the log but are
		// excluded from current-state folds; a fresh mod re-asserts the
		// winning value so the loser's origin converges on next sync.
		losing := remoteChanges
		if tl == TimelineRemote {
			losing = localChanges
		}
		for _, ch := range losing {
			if ch.Node == c.Node && ch.Mod.Field == c.Field {
				rejects = append(rejects, tree.Reject{Node: c.Node, Version: ch.Mod.Version.ID, Field: c.Field})
			}
		}
		win := c.LocalValue
		if tl == TimelineRemote {
			win = c.RemoteValue
		}
		reconciles = append(reconciles, reconcile{node: c.Node, field: c.Field, value: win})
	}

	if len(open) > 0 {
		e.state = StateCollisionDetected
		logging.Info("sync collision detected", zap.Int("nodes", len(open)))
		e.suspended = &suspendedSession{
			peer:       peer,
			collisions: open,
			choices:    carryChoices(choices),
		}
		e.state = StateAwaitingTimelineChoice
		metrics.RecordSync("collision", time.Since(start), 0, 0, len(open))
		return &Result{State: StateAwaitingTimelineChoice, Collisions: open}, nil
	}

	// Safe merge: single commit step, nothing was written before this.
	e.state = StateMerging
	if err := txn.MergeCommit(remoteChanges, rejects); err != nil {
		return fail(fmt.Errorf("merge commit: %w", err))
	}

	reconciled := make([]models.Version, 0, len(reconciles))
	for _, r := range reconciles {
		v := e.clk.NewVersion()
		if err := txn.Mutate(r.node, "", v, r.field, r.value); err != nil {
			return fail(fmt.Errorf("record timeline choice: %w", err))
		}
		reconciled = append(reconciled, v)
	}

	push := txn.ChangesIn(append(onlyLocal, reconciled...))
	if err := peer.Push(ctx, push, versionIDs(reconciled)); err != nil {
		return fail(fmt.Errorf("push local changes: %w", err))
	}

	e.state = StateIdle
	metrics.RecordSync("merged", time.Since(start), len(remoteChanges), len(push), len(collisions))
	return &Result{State: StateMerged, Pulled: len(remoteChanges), Pushed: len(push)}, nil
}

// detectCollisions finds every node/field written on both sides at
// concurrent versions where the two resulting values differ after a
// full fold of each side's history.
func detectCollisions(txn *tree.SyncTxn, led *ledger.Ledger, localChanges, remoteChanges []tree.Change) []Collision {
	type key struct {
		node  models.NodeID
		field models.Field
	}
	localTouched := make(map[key]models.Version)
	for _, ch := range localChanges {
		k := key{ch.Node, ch.Mod.Field}
		if cur, ok := localTouched[k]; !ok || led.Compare(ch.Mod.Version, cur) > 0 {
			localTouched[k] = ch.Mod.Version
		}
	}
	remoteTouched := make(map[key]models.Version)
	remoteByKey := make(map[key][]models.Mod)
	for _, ch := range remoteChanges {
		k := key{ch.Node, ch.Mod.Field}
		if cur, ok := remoteTouched[k]; !ok || models.Compare(ch.Mod.Version, cur) > 0 {
			remoteTouched[k] = ch.Mod.Version
		}
		remoteByKey[k] = append(remoteByKey[k], ch.Mod)
	}

	var out []Collision
	for k, localVer := range localTouched {
		remoteVer, ok := remoteTouched[k]
		if !ok {
			continue
		}
		if led.Order(localVer, remoteVer) != ledger.Concurrent {
			continue
		}

		// Local resulting value: full fold of the node's own log.
		localVal, _ := tree.FoldField(led.Compare, txn.ModsOf(k.node), k.field, models.Version{})

		// Remote resulting value: the shared history minus local-only
		// writes, plus the remote-only writes.
		onlyLocalIDs := make(map[models.VersionID]struct{})
		for _, ch := range localChanges {
			onlyLocalIDs[ch.Mod.Version.ID] = struct{}{}
		}
		var remoteView []models.Mod
		for _, m := range txn.ModsOf(k.node) {
			if _, local := onlyLocalIDs[m.Version.ID]; !local {
				remoteView = append(remoteView, m)
			}
		}
		remoteView = append(remoteView, remoteByKey[k]...)
		remoteVal, _ := tree.FoldField(led.Compare, remoteView, k.field, models.Version{})

		if localVal.Equal(remoteVal) {
			continue
		}
		out = append(out, Collision{
			Node:          k.node,
			Field:         k.field,
			LocalValue:    localVal,
			RemoteValue:   remoteVal,
			LocalVersion:  localVer,
			RemoteVersion: remoteVer,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node != out[j].Node {
			return out[i].Node < out[j].Node
		}
		return out[i].Field < out[j].Field
	})
	return out
}

func versionIDs(vs []models.Version) []models.VersionID {
	out := make([]models.VersionID, len(vs))
	for i, v := range vs {
		out[i] = v.ID
	}
	return out
}

func carryChoices(choices map[models.NodeID]Timeline) map[models.NodeID]Timeline {
	out := make(map[models.NodeID]Timeline, len(choices))
	for k, v := range choices {
		out[k] = v
	}
	return out
}
