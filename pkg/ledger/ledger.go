// Package ledger records every version a store has ever learned of and
// defines the ordering used by resolution and sync. Each origin's own
// history is totally ordered; versions from different origins are
// concurrent until a merge folds them into one total order.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pweids/cairo/pkg/models"
)

// Origin tags which side of a sync relationship produced a version.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Relation is the outcome of ordering two versions.
type Relation int

const (
	// Before means a happens-before b.
	Before Relation = iota
	// After means b happens-before a.
	After
	// Concurrent means neither history had observed the other's
	// version when it was created.
	Concurrent
	// Same means a and b are the identical version.
	Same
)

func (r Relation) String() string {
	switch r {
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	case Same:
		return "same"
	}
	return "unknown"
}

// Entry is one recorded version with its producing origin.
type Entry struct {
	Version models.Version `json:"version"`
	Origin  Origin         `json:"origin"`
}

// State is the serializable form of a ledger, ordered oldest-first in
// the merged total order.
type State struct {
	Entries []Entry `json:"entries"`
}

// Ledger is the append-only record of known versions. Entries are never
// removed; merging with another history only inserts new entries into
// the total order, never reorders an origin's own subsequence.
type Ledger struct {
	mu      sync.RWMutex
	entries map[models.VersionID]Entry
	seq     []models.VersionID // merged total order, oldest first
	pos     map[models.VersionID]int
	heads   map[Origin]models.Version
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		entries: make(map[models.VersionID]Entry),
		pos:     make(map[models.VersionID]int),
		heads:   make(map[Origin]models.Version),
	}
}

// FromState rebuilds a ledger from its serialized form.
func FromState(st State) (*Ledger, error) {
	l := New()
	for _, e := range st.Entries {
		if err := l.Observe(e.Version, e.Origin); err != nil {
			return nil, fmt.Errorf("replay ledger entry %s: %w", e.Version.ID, err)
		}
	}
	return l, nil
}

// State returns the serializable form, oldest first.
func (l *Ledger) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := State{Entries: make([]Entry, 0, len(l.seq))}
	for _, id := range l.seq {
		st.Entries = append(st.Entries, l.entries[id])
	}
	return st
}

// Observe records a version for an origin. Within one origin versions
// must arrive strictly increasing by (timestamp, id); anything else is
// a corrupted import and is refused. Observing a known version again is
// a no-op.
func (l *Ledger) Observe(v models.Version, origin Origin) error {
	if v.IsZero() {
		return fmt.Errorf("observe zero version")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[v.ID]; ok {
		return nil
	}
	if head, ok := l.heads[origin]; ok && models.Compare(v, head) <= 0 {
		return fmt.Errorf("version %s (%s) does not advance %s head %s",
			v.ID, v.Time.Format("15:04:05.000"), origin, head.ID)
	}

	e := Entry{Version: v, Origin: origin}
	l.entries[v.ID] = e
	l.heads[origin] = v

	// Insert into the merged total order.
	i := sort.Search(len(l.seq), func(i int) bool {
		return entryLess(e, l.entries[l.seq[i]])
	})
	l.seq = append(l.seq, "")
	copy(l.seq[i+1:], l.seq[i:])
	l.seq[i] = v.ID
	for j := i; j < len(l.seq); j++ {
		l.pos[l.seq[j]] = j
	}
	return nil
}

// entryLess is the merged total order: timestamp first, local before
// remote on exact timestamp equality, then ID.
func entryLess(a, b Entry) bool {
	if !a.Version.Time.Equal(b.Version.Time) {
		return a.Version.Time.Before(b.Version.Time)
	}
	if a.Origin != b.Origin {
		return a.Origin == OriginLocal
	}
	return a.Version.ID < b.Version.ID
}

// Contains reports whether the version is known.
func (l *Ledger) Contains(id models.VersionID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[id]
	return ok
}

// Get returns a known version by ID.
func (l *Ledger) Get(id models.VersionID) (models.Version, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	return e.Version, ok
}

// OriginOf returns the origin that produced a known version.
func (l *Ledger) OriginOf(id models.VersionID) (Origin, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	return e.Origin, ok
}

// Head returns the newest version in the merged order.
func (l *Ledger) Head() (models.Version, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.seq) == 0 {
		return models.Version{}, false
	}
	return l.entries[l.seq[len(l.seq)-1]].Version, true
}

// OriginHead returns the newest version produced by one origin.
func (l *Ledger) OriginHead(origin Origin) (models.Version, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.heads[origin]
	return v, ok
}

// Len returns the number of known versions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.seq)
}

// Versions returns all known versions oldest-first in the merged total
// order. The slice is a fresh copy; callers may iterate and restart
// freely.
func (l *Ledger) Versions() []models.Version {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.Version, 0, len(l.seq))
	for _, id := range l.seq {
		out = append(out, l.entries[id].Version)
	}
	return out
}

// Compare is the merged total order over versions known to this ledger.
// Unknown versions fall back to the deterministic (timestamp, id) order
// so resolution never sees an ambiguous comparison.
func (l *Ledger) Compare(a, b models.Version) int {
	if a.ID == b.ID {
		return 0
	}

	l.mu.RLock()
	pa, oka := l.pos[a.ID]
	pb, okb := l.pos[b.ID]
	l.mu.RUnlock()

	if oka && okb {
		if pa < pb {
			return -1
		}
		return 1
	}
	return models.Compare(a, b)
}

// Order relates two versions. Versions this ledger has not merged are
// causally unrelated to its history and therefore Concurrent.
func (l *Ledger) Order(a, b models.Version) Relation {
	if a.ID == b.ID {
		return Same
	}
	if !l.Contains(a.ID) || !l.Contains(b.ID) {
		return Concurrent
	}
	if l.Compare(a, b) < 0 {
		return Before
	}
	return After
}

// Diff splits histories into the versions known only to this ledger and
// those known only to the remote one. onlyLocal comes back in this
// ledger's order, onlyRemote in the remote slice's own order.
func (l *Ledger) Diff(remote []models.Version) (onlyLocal, onlyRemote []models.Version) {
	remoteSet := make(map[models.VersionID]struct{}, len(remote))
	for _, v := range remote {
		remoteSet[v.ID] = struct{}{}
	}

	l.mu.RLock()
	for _, id := range l.seq {
		if _, ok := remoteSet[id]; !ok {
			onlyLocal = append(onlyLocal, l.entries[id].Version)
		}
	}
	known := make(map[models.VersionID]struct{}, len(l.entries))
	for id := range l.entries {
		known[id] = struct{}{}
	}
	l.mu.RUnlock()

	for _, v := range remote {
		if _, ok := known[v.ID]; !ok {
			onlyRemote = append(onlyRemote, v)
		}
	}
	return onlyLocal, onlyRemote
}

// MergeOrder interleaves two sides' new versions into the deterministic
// merged order: timestamp first, local before remote on equal
// timestamps, then ID. Neither side's own order is disturbed.
func MergeOrder(local, remote []models.Version) []models.Version {
	type tagged struct {
		v     models.Version
		local bool
	}
	all := make([]tagged, 0, len(local)+len(remote))
	for _, v := range local {
		all = append(all, tagged{v, true})
	}
	for _, v := range remote {
		all = append(all, tagged{v, false})
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.v.Time.Equal(b.v.Time) {
			return a.v.Time.Before(b.v.Time)
		}
		if a.local != b.local {
			return a.local
		}
		return a.v.ID < b.v.ID
	})

	out := make([]models.Version, len(all))
	for i, t := range all {
		out[i] = t.v
	}
	return out
}
