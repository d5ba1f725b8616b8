// Package protocol defines the wire types shared by the cairod server and
// its clients.
package protocol

import (
	"time"

	"github.com/pweids/cairo/pkg/models"
	"github.com/pweids/cairo/pkg/syncer"
	"github.com/pweids/cairo/pkg/tree"
)

// ErrorResponse is the JSON body returned on any API error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// LoginRequest is the body of POST /api/v1/auth/token.
type LoginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceName string `json:"device_name,omitempty"`
}

// LoginResponse is the reply to a successful login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
}

// LedgerResponse lists every version the server's ledger has observed,
// in its total order.
type LedgerResponse struct {
	Versions []models.Version `json:"versions"`
}

// ChangesRequest asks for the changes carrying the named versions.
type ChangesRequest struct {
	Versions []models.VersionID `json:"versions"`
}

// ChangesResponse carries tree changes in ledger order.
type ChangesResponse struct {
	Changes []tree.Change `json:"changes"`
}

// PushRequest submits local changes for the server to merge.
// Reconciled names the versions among Changes that record a timeline
// choice after a collision, so subscribers can tell them apart from
// ordinary writes.
type PushRequest struct {
	Changes    []tree.Change      `json:"changes"`
	Reconciled []models.VersionID `json:"reconciled,omitempty"`
}

// PushResponse reports the outcome of a push merge.
type PushResponse struct {
	Accepted   int                `json:"accepted"`
	Collisions []syncer.Collision `json:"collisions,omitempty"`
}

// MutateRequest is the body of POST /api/v1/tree/mutate.
type MutateRequest struct {
	Node  models.NodeID `json:"node"`
	Kind  models.Kind   `json:"kind,omitempty"`
	Field models.Field  `json:"field"`
	Value models.Value  `json:"value"`
}

// MutateResponse reports the version a mutation was recorded at.
type MutateResponse struct {
	Version models.Version `json:"version"`
}

// SnapshotResponse carries a resolved tree snapshot.
type SnapshotResponse struct {
	Snapshot models.Snapshot `json:"snapshot"`
}

// SearchRequest is the body of POST /api/v1/tree/search.
type SearchRequest struct {
	Query string `json:"query"`
}

// SearchResponse lists historical matches for a search query.
type SearchResponse struct {
	Hits []tree.SearchHit `json:"hits"`
}

// StatusResponse summarizes the server's tree and ledger.
type StatusResponse struct {
	Nodes    int            `json:"nodes"`
	Versions int            `json:"versions"`
	Head     models.Version `json:"head"`
	Uptime   string         `json:"uptime"`
}

// Event is pushed to subscribers whenever the tree changes. Type is one of
// "mutation", "merge" or "reconcile".
type Event struct {
	Type    string         `json:"type"`
	Node    models.NodeID  `json:"node,omitempty"`
	Field   models.Field   `json:"field,omitempty"`
	Version models.Version `json:"version"`
	Time    time.Time      `json:"time"`
}
