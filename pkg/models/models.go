// Package models contains the shared data types of the cairo store:
// versions, nodes, field-level modifications, and resolved snapshots.
package models

import (
	"bytes"
	"time"
)

// VersionID uniquely identifies a Version. IDs are ULIDs, so they sort
// lexicographically in creation order within one origin.
type VersionID string

// NodeID uniquely identifies a Node for its entire lifetime. IDs are
// never reused, even after the node becomes unreachable.
type NodeID string

// Kind classifies a node. It is fixed at birth and never changes.
type Kind string

const (
	KindDirectory  Kind = "directory"
	KindTextFile   Kind = "text"
	KindBinaryFile Kind = "binary"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDirectory, KindTextFile, KindBinaryFile:
		return true
	}
	return false
}

// Version is a point on a timeline. Immutable once created.
type Version struct {
	ID   VersionID `json:"id"`
	Time time.Time `json:"time"`
}

// IsZero reports whether v is the zero Version.
func (v Version) IsZero() bool {
	return v.ID == "" && v.Time.IsZero()
}

// Compare orders versions by timestamp, tie-broken by ID for
// determinism. Returns -1, 0, or +1.
func Compare(a, b Version) int {
	if a.Time.Before(b.Time) {
		return -1
	}
	if a.Time.After(b.Time) {
		return 1
	}
	return bytes.Compare([]byte(a.ID), []byte(b.ID))
}

// Before reports whether v sorts strictly before o.
func (v Version) Before(o Version) bool { return Compare(v, o) < 0 }

// After reports whether v sorts strictly after o.
func (v Version) After(o Version) bool { return Compare(v, o) > 0 }

// Mod is one field-level write to one node at one version. Immutable
// once appended to a node's log.
type Mod struct {
	Version Version `json:"version"`
	Field   Field   `json:"field"`
	Value   Value   `json:"value"`
}
