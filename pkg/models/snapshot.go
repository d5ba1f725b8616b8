package models

// Snapshot is a fully materialized, read-only view of the tree as of a
// version. It holds no references back into the live tree, so callers
// may keep it around after further mutation.
type Snapshot struct {
	AsOf Version       `json:"as_of"`
	Root *SnapshotNode `json:"root"`
}

// SnapshotNode is one resolved node inside a Snapshot.
type SnapshotNode struct {
	ID       NodeID          `json:"id"`
	Kind     Kind            `json:"kind"`
	Name     string          `json:"name"`
	Data     []byte          `json:"data,omitempty"`
	Children []*SnapshotNode `json:"children,omitempty"`
}

// Walk visits every node in the snapshot depth-first, passing each
// node's slash-joined path relative to the root. The root itself is
// visited with path "". Returning false stops the walk.
func (s *Snapshot) Walk(fn func(path string, n *SnapshotNode) bool) {
	if s == nil || s.Root == nil {
		return
	}
	walkSnapshot(s.Root, "", fn)
}

func walkSnapshot(n *SnapshotNode, path string, fn func(string, *SnapshotNode) bool) bool {
	if !fn(path, n) {
		return false
	}
	for _, c := range n.Children {
		childPath := c.Name
		if path != "" {
			childPath = path + "/" + c.Name
		}
		if !walkSnapshot(c, childPath, fn) {
			return false
		}
	}
	return true
}

// Paths lists every node's root-relative path in walk order, the root
// excluded.
func (s *Snapshot) Paths() []string {
	var out []string
	s.Walk(func(path string, n *SnapshotNode) bool {
		if path != "" {
			out = append(out, path)
		}
		return true
	})
	return out
}

// Find returns the node at the given root-relative path; "" is the
// root. Returns nil when no node lives there.
func (s *Snapshot) Find(path string) *SnapshotNode {
	var found *SnapshotNode
	s.Walk(func(p string, n *SnapshotNode) bool {
		if p == path {
			found = n
			return false
		}
		return true
	})
	return found
}

// CountNodes counts all nodes in the snapshot.
func (s *Snapshot) CountNodes() int {
	count := 0
	s.Walk(func(string, *SnapshotNode) bool {
		count++
		return true
	})
	return count
}
