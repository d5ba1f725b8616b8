// Package clock issues the unique identifiers and timestamps that tag
// every version and node. The store consumes this service; it never
// generates identity itself.
package clock

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pweids/cairo/pkg/models"
)

// Source supplies fresh versions and node IDs.
type Source interface {
	// NewVersion issues a version whose timestamp never runs backwards
	// relative to earlier calls on the same source.
	NewVersion() models.Version

	// NewNodeID issues a node identifier that is never reused.
	NewNodeID() models.NodeID
}

// ULID is the production Source. Version and node IDs are ULIDs:
// timestamp-prefixed, so IDs from one source sort lexicographically in
// issue order, matching the (timestamp, id) version order.
type ULID struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
	last    time.Time
}

// NewULID creates a Source backed by the system clock.
func NewULID() *ULID {
	return &ULID{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// NewVersion issues a fresh version. If the wall clock steps backwards
// the previous timestamp is reused so versions stay monotonic.
func (s *ULID) NewVersion() models.Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now().UTC()
	if t.Before(s.last) {
		t = s.last
	}
	s.last = t

	id := ulid.MustNew(ulid.Timestamp(t), s.entropy)
	return models.Version{
		ID:   models.VersionID(id.String()),
		Time: t,
	}
}

// NewNodeID issues a fresh node identifier.
func (s *ULID) NewNodeID() models.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(s.now().UTC()), s.entropy)
	return models.NodeID(id.String())
}

// Manual is a deterministic Source for tests and replay tooling. Every
// NewVersion advances a fixed-step logical clock.
type Manual struct {
	mu     sync.Mutex
	prefix string
	t      time.Time
	step   time.Duration
	n      int
}

// NewManual creates a Manual source starting at start, advancing by
// step per issued version. The prefix distinguishes origins.
func NewManual(prefix string, start time.Time, step time.Duration) *Manual {
	return &Manual{prefix: prefix, t: start, step: step}
}

// NewVersion issues the next deterministic version.
func (m *Manual) NewVersion() models.Version {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.n++
	v := models.Version{
		ID:   models.VersionID(m.prefix + "-v" + itoa(m.n)),
		Time: m.t,
	}
	m.t = m.t.Add(m.step)
	return v
}

// NewNodeID issues the next deterministic node ID.
func (m *Manual) NewNodeID() models.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.n++
	return models.NodeID(m.prefix + "-n" + itoa(m.n))
}

// At returns a version pinned to an explicit instant, for constructing
// histories with known timestamps.
func (m *Manual) At(t time.Time) models.Version {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.n++
	if !t.Before(m.t) {
		m.t = t.Add(m.step)
	}
	return models.Version{
		ID:   models.VersionID(m.prefix + "-v" + itoa(m.n)),
		Time: t,
	}
}

func itoa(n int) string {
	// zero-padded so IDs sort in issue order, like ULIDs do
	const digits = 6
	buf := [digits]byte{}
	for i := digits - 1; i >= 0; i-- {
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[:])
}
