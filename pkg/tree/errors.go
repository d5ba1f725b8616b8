package tree

import (
	"fmt"

	"github.com/pweids/cairo/pkg/models"
)

// OutOfOrderError reports a mod whose version does not sort after every
// mod already in its node's log. This is a local bug or a corrupted
// import; it is never silently ignored.
type OutOfOrderError struct {
	Node    models.NodeID
	Field   models.Field
	Version models.Version
	Last    models.Version
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("mod out of order on node %s field %q: version %s does not sort after %s",
		e.Node, e.Field, e.Version.ID, e.Last.ID)
}

// UnknownFieldError reports a write to a field outside the node kind's
// enumerated set. No state changes.
type UnknownFieldError struct {
	Node  models.NodeID
	Kind  models.Kind
	Field models.Field
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("field %q is not valid for %s node %s", e.Field, e.Kind, e.Node)
}

// UnknownNodeError reports an operation on a node the tree has never
// seen.
type UnknownNodeError struct {
	Node models.NodeID
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown node %s", e.Node)
}

// CycleRejectedError reports a children update that would make a node
// reachable from itself. No state changes.
type CycleRejectedError struct {
	Node  models.NodeID
	Child models.NodeID
}

func (e *CycleRejectedError) Error() string {
	return fmt.Sprintf("children update rejected: %s would become reachable from itself via %s",
		e.Node, e.Child)
}

// CorruptTreeError reports a ledger or log invariant violated upstream,
// detected during resolution. Fatal for the affected resolution; never
// guessed around.
type CorruptTreeError struct {
	Node    models.NodeID
	Version models.Version
	Reason  string
}

func (e *CorruptTreeError) Error() string {
	return fmt.Sprintf("corrupt tree at node %s (as of %s): %s", e.Node, e.Version.ID, e.Reason)
}
