// Package tree implements the partially persistent file tree: a forest
// of versioned nodes whose every past state stays reconstructable by
// folding append-only mod logs through the version ledger's order.
package tree

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pweids/cairo/pkg/ledger"
	"github.com/pweids/cairo/pkg/models"
)

// Tree owns the node index and a designated root. All mutation funnels
// through a single mutex; resolution takes a read lock and returns pure
// values, so readers never observe a half-applied mod.
type Tree struct {
	mu    sync.RWMutex
	led   *ledger.Ledger
	nodes map[models.NodeID]*Node
	root  models.NodeID
}

// New creates an empty tree bound to a ledger.
func New(led *ledger.Ledger) *Tree {
	return &Tree{
		led:   led,
		nodes: make(map[models.NodeID]*Node),
	}
}

// Ledger returns the ledger this tree orders its logs by.
func (t *Tree) Ledger() *ledger.Ledger { return t.led }

// Root returns the current root node ID, or "" before the first scan.
func (t *Tree) Root() models.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// SetRoot designates the root node. The root is versioned like any
// directory and may be replaced across time, e.g. on a full resync.
func (t *Tree) SetRoot(id models.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return &UnknownNodeError{Node: id}
	}
	if n.kind != models.KindDirectory {
		return fmt.Errorf("root must be a directory, %s is %s", id, n.kind)
	}
	t.root = id
	return nil
}

// Len returns the number of nodes ever observed, deleted ones included.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// NodeIDs returns every known node ID, sorted.
func (t *Tree) NodeIDs() []models.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.NodeID, 0, len(t.nodes))
	for id := range t.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KindOf returns a node's kind.
func (t *Tree) KindOf(id models.NodeID) (models.Kind, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return "", false
	}
	return n.kind, true
}

// BirthOf returns a node's birth version.
func (t *Tree) BirthOf(id models.NodeID) (models.Version, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return models.Version{}, false
	}
	return n.birth, true
}

// ModsOf returns a copy of a node's log in ledger order.
func (t *Tree) ModsOf(id models.NodeID) []models.Mod {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	return n.Mods()
}

// Mutate appends one field write to a node at a version, creating the
// node on first sight (the mod becomes its birth-defining mod and kind
// is fixed permanently). The write is validated against the kind's
// field set and, for children updates, against cycle creation. On
// success the ledger learns the version as local history.
func (t *Tree) Mutate(id models.NodeID, kind models.Kind, v models.Version, field models.Field, value models.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mutateLocked(id, kind, v, field, value)
}

func (t *Tree) mutateLocked(id models.NodeID, kind models.Kind, v models.Version, field models.Field, value models.Value) error {
	n, ok := t.nodes[id]
	if !ok {
		if !kind.Valid() {
			return fmt.Errorf("create node %s: invalid kind %q", id, kind)
		}
		n = newNode(id, kind, v)
	} else if kind != "" && kind != n.kind {
		return fmt.Errorf("node %s is %s, cannot rewrite as %s", id, n.kind, kind)
	}

	if !models.ValidField(n.kind, field) {
		return &UnknownFieldError{Node: id, Kind: n.kind, Field: field}
	}

	if field == models.FieldChildren {
		if err := t.checkChildren(n, v, value); err != nil {
			return err
		}
	}

	if err := t.checkAdvance(id, field, v, ledger.OriginLocal); err != nil {
		return err
	}

	if err := n.apply(t.led.Compare, models.Mod{Version: v, Field: field, Value: value}); err != nil {
		return err
	}
	t.nodes[id] = n

	if err := t.led.Observe(v, ledger.OriginLocal); err != nil {
		return fmt.Errorf("advance ledger: %w", err)
	}
	return nil
}

// checkAdvance verifies the ledger would accept the version before any
// node state is touched, so a refused write leaves no trace. Versions
// already in the ledger pass: multi-field commits share one version.
func (t *Tree) checkAdvance(id models.NodeID, field models.Field, v models.Version, origin ledger.Origin) error {
	if v.IsZero() {
		return fmt.Errorf("mutate %s: zero version", id)
	}
	if t.led.Contains(v.ID) {
		return nil
	}
	if head, ok := t.led.OriginHead(origin); ok && models.Compare(v, head) <= 0 {
		return &OutOfOrderError{Node: id, Field: field, Version: v, Last: head}
	}
	return nil
}

// checkChildren validates a children payload: every child must be a
// known node born no later than the claiming version, and none may make
// the parent reachable from itself.
func (t *Tree) checkChildren(parent *Node, v models.Version, value models.Value) error {
	ids, err := value.AsChildren()
	if err != nil {
		return fmt.Errorf("children payload for %s: %w", parent.id, err)
	}
	for _, cid := range ids {
		child, ok := t.nodes[cid]
		if !ok {
			return &UnknownNodeError{Node: cid}
		}
		if t.led.Compare(child.birth, v) > 0 {
			return fmt.Errorf("child %s born %s after claim at %s", cid, child.birth.ID, v.ID)
		}
		if cid == parent.id || t.reachableFrom(cid, parent.id, v) {
			return &CycleRejectedError{Node: parent.id, Child: cid}
		}
	}
	return nil
}

// reachableFrom reports whether target is reachable from start through
// children resolved as of v.
func (t *Tree) reachableFrom(start, target models.NodeID, v models.Version) bool {
	visited := make(map[models.NodeID]struct{})
	var walk func(id models.NodeID) bool
	walk = func(id models.NodeID) bool {
		if id == target {
			return true
		}
		if _, seen := visited[id]; seen {
			return false
		}
		visited[id] = struct{}{}

		n, ok := t.nodes[id]
		if !ok || n.kind != models.KindDirectory {
			return false
		}
		val, ok := n.resolveAttribute(t.led.Compare, models.FieldChildren, v)
		if !ok {
			return false
		}
		ids, err := val.AsChildren()
		if err != nil {
			return false
		}
		for _, cid := range ids {
			if walk(cid) {
				return true
			}
		}
		return false
	}
	return walk(start)
}

// ResolveField folds one node attribute as of a version. ok is false
// when the field was never written by then (Unset).
func (t *Tree) ResolveField(id models.NodeID, field models.Field, asOf models.Version) (models.Value, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil, false, &UnknownNodeError{Node: id}
	}
	val, set := n.resolveAttribute(t.led.Compare, field, asOf)
	return val, set, nil
}

// ExistsAt reports whether a node is alive as of a version.
func (t *Tree) ExistsAt(id models.NodeID, asOf models.Version) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return false, &UnknownNodeError{Node: id}
	}
	return n.existsAt(t.led.Compare, asOf), nil
}

// Resolve reconstructs the whole tree as of a version. The snapshot is
// a pure value with no back-references; callers may retain it across
// later mutation. A cycle in resolved children means a log invariant
// was violated upstream and surfaces as CorruptTreeError.
func (t *Tree) Resolve(asOf models.Version) (*models.Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := &models.Snapshot{AsOf: asOf}
	if t.root == "" {
		return snap, nil
	}
	rootNode, ok := t.nodes[t.root]
	if !ok {
		return nil, &CorruptTreeError{Node: t.root, Version: asOf, Reason: "root node missing from index"}
	}
	if !rootNode.existsAt(t.led.Compare, asOf) {
		return snap, nil
	}

	visiting := make(map[models.NodeID]struct{})
	root, err := t.buildSnapshot(rootNode, asOf, visiting)
	if err != nil {
		return nil, err
	}
	snap.Root = root
	return snap, nil
}

func (t *Tree) buildSnapshot(n *Node, asOf models.Version, visiting map[models.NodeID]struct{}) (*models.SnapshotNode, error) {
	if _, ok := visiting[n.id]; ok {
		return nil, &CorruptTreeError{Node: n.id, Version: asOf, Reason: "cycle detected during resolution"}
	}
	visiting[n.id] = struct{}{}
	defer delete(visiting, n.id)

	out := &models.SnapshotNode{ID: n.id, Kind: n.kind}

	if val, ok := n.resolveAttribute(t.led.Compare, models.FieldName, asOf); ok {
		name, err := val.AsString()
		if err != nil {
			return nil, &CorruptTreeError{Node: n.id, Version: asOf, Reason: "undecodable name payload"}
		}
		out.Name = name
	}

	switch n.kind {
	case models.KindDirectory:
		val, ok := n.resolveAttribute(t.led.Compare, models.FieldChildren, asOf)
		if !ok {
			break
		}
		ids, err := val.AsChildren()
		if err != nil {
			return nil, &CorruptTreeError{Node: n.id, Version: asOf, Reason: "undecodable children payload"}
		}
		for _, cid := range ids {
			child, ok := t.nodes[cid]
			if !ok {
				return nil, &CorruptTreeError{Node: cid, Version: asOf, Reason: "child missing from index"}
			}
			if !child.existsAt(t.led.Compare, asOf) {
				continue
			}
			cs, err := t.buildSnapshot(child, asOf, visiting)
			if err != nil {
				return nil, err
			}
			out.Children = append(out.Children, cs)
		}
		sort.Slice(out.Children, func(i, j int) bool {
			return out.Children[i].Name < out.Children[j].Name
		})

	case models.KindTextFile:
		if val, ok := n.resolveAttribute(t.led.Compare, models.FieldData, asOf); ok {
			s, err := val.AsString()
			if err != nil {
				return nil, &CorruptTreeError{Node: n.id, Version: asOf, Reason: "undecodable text payload"}
			}
			out.Data = []byte(s)
		}

	case models.KindBinaryFile:
		if val, ok := n.resolveAttribute(t.led.Compare, models.FieldData, asOf); ok {
			b, err := val.AsBytes()
			if err != nil {
				return nil, &CorruptTreeError{Node: n.id, Version: asOf, Reason: "undecodable binary payload"}
			}
			out.Data = b
		}
	}

	return out, nil
}

// BeginSync acquires the mutation boundary for a sync session and
// returns an exclusive transaction view. Local writers block until
// Release runs. The sync engine holds this from ledger comparison until
// commit or suspension so no local mutation can slip under a session.
func (t *Tree) BeginSync() *SyncTxn {
	t.mu.Lock()
	return &SyncTxn{t: t}
}
