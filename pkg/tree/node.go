package tree

import (
	"sort"

	"github.com/pweids/cairo/pkg/models"
)

// compareFunc is the ledger's total order over versions.
type compareFunc func(a, b models.Version) int

type rejectKey struct {
	version models.VersionID
	field   models.Field
}

// Node is a single versioned entity. Its ID, kind, and birth version
// are identity and never change; everything else is derived by folding
// the mod log. The log is append-only: a merge may interleave new mods
// between existing ones (that is the new merged total order) but a mod,
// once recorded, is never altered or dropped.
type Node struct {
	id    models.NodeID
	kind  models.Kind
	birth models.Version

	mods     []models.Mod // sorted by the ledger's total order
	rejected map[rejectKey]struct{}
}

func newNode(id models.NodeID, kind models.Kind, birth models.Version) *Node {
	return &Node{
		id:    id,
		kind:  kind,
		birth: birth,
	}
}

// ID returns the node's permanent identifier.
func (n *Node) ID() models.NodeID { return n.id }

// Kind returns the node's permanent kind.
func (n *Node) Kind() models.Kind { return n.kind }

// Birth returns the version at which the node was first observed.
func (n *Node) Birth() models.Version { return n.birth }

// Mods returns a copy of the node's log in ledger order.
func (n *Node) Mods() []models.Mod {
	out := make([]models.Mod, len(n.mods))
	copy(out, n.mods)
	return out
}

// apply appends a mod to the log. The mod's version must sort no
// earlier than every existing mod's version (several fields may be
// written at one version by a single commit, but the same field twice
// at one version, or any step backwards, is refused).
func (n *Node) apply(cmp compareFunc, mod models.Mod) error {
	for i := len(n.mods) - 1; i >= 0; i-- {
		prev := n.mods[i]
		c := cmp(mod.Version, prev.Version)
		if c > 0 {
			break
		}
		if c < 0 || prev.Field == mod.Field {
			return &OutOfOrderError{
				Node:    n.id,
				Field:   mod.Field,
				Version: mod.Version,
				Last:    prev.Version,
			}
		}
	}
	n.mods = append(n.mods, mod)
	return nil
}

// insertMerged places a mod at its position in the merged total order.
// Only the sync engine's commit step uses this path: it creates the new
// index-level order without disturbing the relative order of mods
// already present. Re-inserting a mod already in the log is a no-op.
func (n *Node) insertMerged(cmp compareFunc, mod models.Mod) {
	for _, m := range n.mods {
		if m.Version.ID == mod.Version.ID && m.Field == mod.Field {
			return
		}
	}
	i := sort.Search(len(n.mods), func(i int) bool {
		return cmp(mod.Version, n.mods[i].Version) < 0
	})
	n.mods = append(n.mods, models.Mod{})
	copy(n.mods[i+1:], n.mods[i:])
	n.mods[i] = mod
}

// reject excludes one (version, field) write from every future fold.
// The mod stays in the log; only current-state resolution skips it.
func (n *Node) reject(version models.VersionID, field models.Field) {
	if n.rejected == nil {
		n.rejected = make(map[rejectKey]struct{})
	}
	n.rejected[rejectKey{version, field}] = struct{}{}
}

func (n *Node) isRejected(version models.VersionID, field models.Field) bool {
	_, ok := n.rejected[rejectKey{version, field}]
	return ok
}

// resolveAttribute folds the log up to asOf: last non-rejected write to
// the field wins. A zero asOf means the full log. ok is false when no
// qualifying mod touched the field.
func (n *Node) resolveAttribute(cmp compareFunc, field models.Field, asOf models.Version) (models.Value, bool) {
	var val models.Value
	ok := false
	bounded := !asOf.IsZero()
	for _, m := range n.mods {
		if bounded && cmp(m.Version, asOf) > 0 {
			break
		}
		if m.Field != field || n.isRejected(m.Version.ID, m.Field) {
			continue
		}
		val, ok = m.Value, true
	}
	return val, ok
}

// existsAt reports whether the node is alive as of a version: born by
// then and not resolved as deleted. A zero asOf means now.
func (n *Node) existsAt(cmp compareFunc, asOf models.Version) bool {
	if !asOf.IsZero() && cmp(n.birth, asOf) > 0 {
		return false
	}
	val, ok := n.resolveAttribute(cmp, models.FieldDeleted, asOf)
	if !ok {
		return true
	}
	deleted, err := val.AsBool()
	if err != nil {
		return true
	}
	return !deleted
}
