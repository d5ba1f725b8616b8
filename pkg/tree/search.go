package tree

import (
	"sort"
	"strings"

	"github.com/pweids/cairo/pkg/models"
)

// SearchHit is one place and time a query string appeared. A file that
// moved while its data stayed the same yields a hit per location.
type SearchHit struct {
	Path    string         `json:"path"`
	Node    models.NodeID  `json:"node"`
	Version models.Version `json:"version"`
}

// Search scans every text file's full history for the query and returns
// the (path, version) pairs where it appeared, oldest first. Binary
// files are skipped.
func (t *Tree) Search(query string) ([]SearchHit, error) {
	t.mu.RLock()
	candidates := make(map[models.NodeID][]models.Version)
	for id, n := range t.nodes {
		if n.kind != models.KindTextFile {
			continue
		}
		for _, m := range n.mods {
			if m.Field != models.FieldData && m.Field != models.FieldName {
				continue
			}
			candidates[id] = append(candidates[id], m.Version)
		}
	}
	cmp := t.led.Compare
	t.mu.RUnlock()

	// Snapshots are shared across candidates at the same version: many
	// mods carry one version, and resolving is the expensive step.
	snaps := make(map[models.VersionID]*models.Snapshot)
	resolve := func(v models.Version) (*models.Snapshot, error) {
		if snap, ok := snaps[v.ID]; ok {
			return snap, nil
		}
		snap, err := t.Resolve(v)
		if err != nil {
			return nil, err
		}
		snaps[v.ID] = snap
		return snap, nil
	}

	var hits []SearchHit
	for id, versions := range candidates {
		for _, v := range versions {
			val, set, err := t.ResolveField(id, models.FieldData, v)
			if err != nil {
				return nil, err
			}
			if !set {
				continue
			}
			data, err := val.AsString()
			if err != nil || !strings.Contains(data, query) {
				continue
			}
			snap, err := resolve(v)
			if err != nil {
				return nil, err
			}
			path := pathIn(snap, id)
			if path == "" {
				continue // unreachable at that version
			}
			hits = append(hits, SearchHit{Path: path, Node: id, Version: v})
		}
	}

	// Collapse duplicate (path, data) observations to one hit per
	// location change, oldest first.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Node != hits[j].Node {
			return hits[i].Node < hits[j].Node
		}
		return cmp(hits[i].Version, hits[j].Version) < 0
	})
	var out []SearchHit
	for _, h := range hits {
		if len(out) > 0 {
			last := out[len(out)-1]
			if last.Node == h.Node && last.Path == h.Path {
				continue
			}
		}
		out = append(out, h)
	}
	return out, nil
}

// pathIn finds a node's slash-joined path in a resolved snapshot, or
// "" when the node is not reachable from the root in it.
func pathIn(snap *models.Snapshot, id models.NodeID) string {
	var path string
	snap.Walk(func(p string, n *models.SnapshotNode) bool {
		if n.ID == id {
			path = p
			return false
		}
		return true
	})
	return path
}
