package tree

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pweids/cairo/pkg/ledger"
	"github.com/pweids/cairo/pkg/models"
)

// Change is one record of the history export stream: a single mod plus
// the identity of the node it belongs to, so the receiving side can
// create the node on first sight. Root marks the producing side's root
// node.
type Change struct {
	Node  models.NodeID  `json:"node"`
	Kind  models.Kind    `json:"kind"`
	Birth models.Version `json:"birth"`
	Root  bool           `json:"root,omitempty"`
	Mod   models.Mod     `json:"mod"`
}

// Reject identifies one (node, version, field) write excluded from
// current-state resolution after a timeline choice.
type Reject struct {
	Node    models.NodeID    `json:"node"`
	Version models.VersionID `json:"version"`
	Field   models.Field     `json:"field"`
}

// FoldField folds an arbitrary mod list for one field under the given
// order: last write wins. A zero asOf means no upper bound. Used by the
// sync engine to compute one side's resulting value without mutating
// anything.
func FoldField(cmp func(a, b models.Version) int, mods []models.Mod, field models.Field, asOf models.Version) (models.Value, bool) {
	sorted := make([]models.Mod, 0, len(mods))
	for _, m := range mods {
		if m.Field == field {
			sorted = append(sorted, m)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return cmp(sorted[i].Version, sorted[j].Version) < 0
	})

	var val models.Value
	ok := false
	for _, m := range sorted {
		if !asOf.IsZero() && cmp(m.Version, asOf) > 0 {
			break
		}
		val, ok = m.Value, true
	}
	return val, ok
}

// AllChanges exports the full history in ledger order.
func (t *Tree) AllChanges() []Change {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.changesIn(t.led.Versions())
}

// ChangesSince exports every change at versions after v in ledger
// order. A zero v exports everything.
func (t *Tree) ChangesSince(v models.Version) []Change {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if v.IsZero() {
		return t.changesIn(t.led.Versions())
	}
	var vers []models.Version
	for _, known := range t.led.Versions() {
		if t.led.Compare(known, v) > 0 {
			vers = append(vers, known)
		}
	}
	return t.changesIn(vers)
}

// changesIn collects every mod at the given versions, in the versions'
// order; within one version, nodes are visited in sorted-ID order so
// the stream is deterministic.
func (t *Tree) changesIn(versions []models.Version) []Change {
	want := make(map[models.VersionID]int, len(versions))
	for i, v := range versions {
		want[v.ID] = i
	}

	type keyed struct {
		verIdx int
		ch     Change
	}
	var out []keyed

	ids := make([]models.NodeID, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		n := t.nodes[id]
		for _, m := range n.mods {
			idx, ok := want[m.Version.ID]
			if !ok {
				continue
			}
			out = append(out, keyed{idx, Change{
				Node:  n.id,
				Kind:  n.kind,
				Birth: n.birth,
				Root:  n.id == t.root,
				Mod:   m,
			}})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].verIdx < out[j].verIdx })

	changes := make([]Change, len(out))
	for i, k := range out {
		changes[i] = k.ch
	}
	return changes
}

// Import applies an export stream as a pure fast-forward: every change
// is appended strictly in the producing side's order. Used outside sync
// sessions for bulk restore and first-clone; a change that cannot
// fast-forward surfaces as OutOfOrderError.
func (t *Tree) Import(changes []Change, origin ledger.Origin) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ch := range changes {
		if err := t.applyChangeLocked(ch, origin); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) applyChangeLocked(ch Change, origin ledger.Origin) error {
	n, ok := t.nodes[ch.Node]
	if !ok {
		if !ch.Kind.Valid() {
			return fmt.Errorf("import node %s: invalid kind %q", ch.Node, ch.Kind)
		}
		n = newNode(ch.Node, ch.Kind, ch.Birth)
	}
	if !models.ValidField(n.kind, ch.Mod.Field) {
		return &UnknownFieldError{Node: ch.Node, Kind: n.kind, Field: ch.Mod.Field}
	}
	if err := t.checkAdvance(ch.Node, ch.Mod.Field, ch.Mod.Version, origin); err != nil {
		return err
	}
	if err := n.apply(t.led.Compare, ch.Mod); err != nil {
		return err
	}
	t.nodes[ch.Node] = n
	if err := t.led.Observe(ch.Mod.Version, origin); err != nil {
		return fmt.Errorf("advance ledger: %w", err)
	}
	if ch.Root && t.root == "" {
		t.root = ch.Node
	}
	return nil
}

// SyncTxn is the sync engine's exclusive view over the tree while a
// session holds the mutation boundary. All methods assume the boundary
// is held; none take locks of their own.
type SyncTxn struct {
	t        *Tree
	once     sync.Once
	released bool
}

// Release gives the mutation boundary back. Idempotent.
func (tx *SyncTxn) Release() {
	tx.once.Do(func() {
		tx.released = true
		tx.t.mu.Unlock()
	})
}

// ChangesIn collects every mod at the given versions in their order.
func (tx *SyncTxn) ChangesIn(versions []models.Version) []Change {
	return tx.t.changesIn(versions)
}

// ModsOf returns a copy of one node's log.
func (tx *SyncTxn) ModsOf(id models.NodeID) []models.Mod {
	n, ok := tx.t.nodes[id]
	if !ok {
		return nil
	}
	return n.Mods()
}

// HasNode reports whether the node is known.
func (tx *SyncTxn) HasNode(id models.NodeID) bool {
	_, ok := tx.t.nodes[id]
	return ok
}

// ResolveField folds one node attribute as of a version under the local
// ledger order.
func (tx *SyncTxn) ResolveField(id models.NodeID, field models.Field, asOf models.Version) (models.Value, bool) {
	n, ok := tx.t.nodes[id]
	if !ok {
		return nil, false
	}
	return n.resolveAttribute(tx.t.led.Compare, field, asOf)
}

// MergeCommit applies a merged set of remote changes and rejection
// marks in one all-or-nothing step. Every change is validated before
// anything is written; afterwards remote mods are inserted at their
// place in the merged total order, never reordering mods already
// present. This is the single commit step of a sync session.
func (tx *SyncTxn) MergeCommit(changes []Change, rejects []Reject) error {
	t := tx.t

	// Validate everything first: kinds, fields, and remote version
	// monotonicity. Nothing below this block can fail.
	var lastRemote models.Version
	if head, ok := t.led.OriginHead(ledger.OriginRemote); ok {
		lastRemote = head
	}
	seen := make(map[models.VersionID]struct{})
	for _, ch := range changes {
		kind := ch.Kind
		if n, ok := t.nodes[ch.Node]; ok {
			kind = n.kind
			if ch.Kind != "" && ch.Kind != n.kind {
				return fmt.Errorf("merge: node %s is %s, stream says %s", ch.Node, n.kind, ch.Kind)
			}
		} else if !ch.Kind.Valid() {
			return fmt.Errorf("merge: node %s has invalid kind %q", ch.Node, ch.Kind)
		}
		if !models.ValidField(kind, ch.Mod.Field) {
			return &UnknownFieldError{Node: ch.Node, Kind: kind, Field: ch.Mod.Field}
		}
		if _, ok := seen[ch.Mod.Version.ID]; ok {
			continue
		}
		if t.led.Contains(ch.Mod.Version.ID) {
			continue
		}
		if !lastRemote.IsZero() && models.Compare(ch.Mod.Version, lastRemote) <= 0 {
			return &OutOfOrderError{Node: ch.Node, Field: ch.Mod.Field, Version: ch.Mod.Version, Last: lastRemote}
		}
		lastRemote = ch.Mod.Version
		seen[ch.Mod.Version.ID] = struct{}{}
	}

	// Commit: ledger first so Compare reflects the merged order when
	// mods are placed.
	for _, ch := range changes {
		if !t.led.Contains(ch.Mod.Version.ID) {
			if err := t.led.Observe(ch.Mod.Version, ledger.OriginRemote); err != nil {
				return fmt.Errorf("merge: advance ledger: %w", err)
			}
		}
	}
	for _, ch := range changes {
		n, ok := t.nodes[ch.Node]
		if !ok {
			n = newNode(ch.Node, ch.Kind, ch.Birth)
			t.nodes[ch.Node] = n
		}
		n.insertMerged(t.led.Compare, ch.Mod)
		if ch.Root && t.root == "" {
			t.root = ch.Node
		}
	}
	for _, r := range rejects {
		if n, ok := t.nodes[r.Node]; ok {
			n.reject(r.Version, r.Field)
		}
	}
	return nil
}

// Mutate appends a local write under the held boundary. The sync engine
// uses it to record timeline choices as fresh mods.
func (tx *SyncTxn) Mutate(id models.NodeID, kind models.Kind, v models.Version, field models.Field, value models.Value) error {
	return tx.t.mutateLocked(id, kind, v, field, value)
}
