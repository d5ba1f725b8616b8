package tree

import (
	"fmt"
	"sort"

	"github.com/pweids/cairo/pkg/ledger"
	"github.com/pweids/cairo/pkg/models"
)

// RejectedMod is the serialized form of one excluded write.
type RejectedMod struct {
	Version models.VersionID `json:"version"`
	Field   models.Field     `json:"field"`
}

// NodeState is the serialized form of one node and its full log.
type NodeState struct {
	ID       models.NodeID  `json:"id"`
	Kind     models.Kind    `json:"kind"`
	Birth    models.Version `json:"birth"`
	Mods     []models.Mod   `json:"mods"`
	Rejected []RejectedMod  `json:"rejected,omitempty"`
}

// State is the full serialized tree, the unit every store codec
// persists alongside the ledger.
type State struct {
	Root  models.NodeID `json:"root"`
	Nodes []NodeState   `json:"nodes"`
}

// State exports the tree for persistence. Nodes come out sorted by ID,
// mods in ledger order, so equal trees always encode identically.
func (t *Tree) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := State{Root: t.root, Nodes: make([]NodeState, 0, len(t.nodes))}
	for _, n := range t.nodes {
		ns := NodeState{
			ID:    n.id,
			Kind:  n.kind,
			Birth: n.birth,
			Mods:  n.Mods(),
		}
		for k := range n.rejected {
			ns.Rejected = append(ns.Rejected, RejectedMod{Version: k.version, Field: k.field})
		}
		sort.Slice(ns.Rejected, func(i, j int) bool {
			if ns.Rejected[i].Version != ns.Rejected[j].Version {
				return ns.Rejected[i].Version < ns.Rejected[j].Version
			}
			return ns.Rejected[i].Field < ns.Rejected[j].Field
		})
		st.Nodes = append(st.Nodes, ns)
	}
	sort.Slice(st.Nodes, func(i, j int) bool { return st.Nodes[i].ID < st.Nodes[j].ID })
	return st
}

// FromState rebuilds a tree from its serialized form against an
// already-rebuilt ledger. Mod logs are trusted to be in ledger order,
// as State wrote them.
func FromState(led *ledger.Ledger, st State) (*Tree, error) {
	t := New(led)
	for _, ns := range st.Nodes {
		if !ns.Kind.Valid() {
			return nil, fmt.Errorf("restore node %s: invalid kind %q", ns.ID, ns.Kind)
		}
		n := newNode(ns.ID, ns.Kind, ns.Birth)
		n.mods = append(n.mods, ns.Mods...)
		for _, r := range ns.Rejected {
			n.reject(r.Version, r.Field)
		}
		t.nodes[ns.ID] = n
	}
	if st.Root != "" {
		if _, ok := t.nodes[st.Root]; !ok {
			return nil, fmt.Errorf("restore: root %s missing from node set", st.Root)
		}
		t.root = st.Root
	}
	return t, nil
}
