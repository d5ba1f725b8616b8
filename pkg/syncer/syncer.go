// Package syncer reconciles a local tree and ledger with a remote one:
// it detects divergence, fast-forwards when one side is a strict prefix
// of the other, merges disjoint histories, and suspends on timeline
// collisions until the caller picks a side per colliding node.
package syncer

import (
	"fmt"

	"github.com/pweids/cairo/pkg/models"
)

// State is the sync session state machine position.
type State int

const (
	StateIdle State = iota
	StateComparingLedgers
	StateMerging
	StateCollisionDetected
	StateMerged
	StateAwaitingTimelineChoice
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComparingLedgers:
		return "comparing-ledgers"
	case StateMerging:
		return "merging"
	case StateCollisionDetected:
		return "collision-detected"
	case StateMerged:
		return "merged"
	case StateAwaitingTimelineChoice:
		return "awaiting-timeline-choice"
	}
	return "unknown"
}

// Timeline selects whose history wins for a colliding node.
type Timeline int

const (
	TimelineLocal Timeline = iota
	TimelineRemote
)

func (t Timeline) String() string {
	if t == TimelineRemote {
		return "remote"
	}
	return "local"
}

// Collision reports one node/field where both sides wrote concurrently
// and disagree about the resulting state.
type Collision struct {
	Node          models.NodeID  `json:"node"`
	Field         models.Field   `json:"field"`
	LocalValue    models.Value   `json:"local_value"`
	RemoteValue   models.Value   `json:"remote_value"`
	LocalVersion  models.Version `json:"local_version"`
	RemoteVersion models.Version `json:"remote_version"`
}

// SyncAbortedError reports a session torn down before commit. Nothing
// was written: merge application is all-or-nothing per session.
type SyncAbortedError struct {
	State State
}

func (e *SyncAbortedError) Error() string {
	return fmt.Sprintf("sync session aborted in state %s; no partial merge was committed", e.State)
}

// Result summarizes a completed or suspended session.
type Result struct {
	// State is StateIdle when already in sync, StateMerged after a
	// commit, or StateAwaitingTimelineChoice when suspended.
	State      State
	Pulled     int // remote mods adopted
	Pushed     int // local mods sent
	Collisions []Collision
}
