package lisp

// Local EID database interface (component E).
//
// Local EID membership needs a process-wide registry with immutable
// snapshots for the duration of one egress decision, so a config
// reload can swap in a new prefix list atomically from the decision
// engine's viewpoint. The teacher's lock-free external-read idiom
// (atomic.Uint32 fields read by any goroutine while only the owning
// goroutine writes, e.g. session.go's state/remoteState) is adapted
// here to a whole-slice swap: reload builds a brand new prefix list and
// publishes it with one atomic.Pointer.Store, so a concurrent
// IsLocalEID call always sees one complete, self-consistent snapshot,
// never a partially-updated list.

import (
	"net/netip"
	"sync/atomic"
)

// LocalEIDDatabase answers "is this source address one of my EIDs?"
// from a read-only snapshot. Implementations MUST give single-call
// snapshot consistency; no ordering guarantee is made across calls.
type LocalEIDDatabase interface {
	IsLocalEID(addr netip.Addr) bool
}

// StaticLocalEIDDatabase is a LocalEIDDatabase backed by a configured
// list of local EID prefixes, reloadable without disrupting concurrent
// readers.
type StaticLocalEIDDatabase struct {
	prefixes atomic.Pointer[[]netip.Prefix]
}

// NewStaticLocalEIDDatabase returns a database seeded with prefixes.
func NewStaticLocalEIDDatabase(prefixes []netip.Prefix) *StaticLocalEIDDatabase {
	db := &StaticLocalEIDDatabase{}
	db.Reload(prefixes)
	return db
}

// Reload atomically replaces the entire prefix set. Safe to call
// concurrently with IsLocalEID; a caller of IsLocalEID in flight during
// a Reload observes either the whole old list or the whole new one,
// never a mix.
func (db *StaticLocalEIDDatabase) Reload(prefixes []netip.Prefix) {
	normalized := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		if n, err := Normalize(p); err == nil {
			normalized = append(normalized, n)
		}
	}
	db.prefixes.Store(&normalized)
}

// IsLocalEID reports whether addr falls within any configured local
// EID prefix.
func (db *StaticLocalEIDDatabase) IsLocalEID(addr netip.Addr) bool {
	snapshot := db.prefixes.Load()
	if snapshot == nil {
		return false
	}
	host := HostPrefix(addr)
	for _, p := range *snapshot {
		if Contains(p, host) {
			return true
		}
	}
	return false
}
