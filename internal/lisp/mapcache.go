package lisp

// Map-cache store (component C).
//
// Grounded on _examples/gaissmai-bart's Table[V] -- a popcount-compressed
// multibit trie already partitioned by address family, giving longest
// prefix match (Lookup/LookupPrefixLPM), exact match (Get), and stable
// iteration (All4/All6) without this package needing to implement a
// radix structure from scratch. bart has no concurrent-mutation-during-
// iteration detection of its own, so Iterate here layers a generation
// counter on top, in the spirit of internal/bfd/manager.go's
// single-owner-goroutine contract: callers must never touch the store
// from two goroutines at once, but a caller-supplied visitor calling
// back into Insert/Remove during a traversal is still a programming
// error the store must catch rather than corrupt state silently.
//
// None of this store's methods take a lock; callers serialize access
// (Engine does so under its mutex).

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/gaissmai/bart"
)

// HowLearned records whether an entry came from static configuration or
// was created dynamically on a cache miss.
type HowLearned uint8

const (
	HowLearnedDynamic HowLearned = iota
	HowLearnedStatic
)

func (h HowLearned) String() string {
	if h == HowLearnedStatic {
		return "static"
	}
	return "dynamic"
}

// MapCache is the family-partitioned store of map-cache entries. The
// zero value is not ready for use; construct with NewMapCache.
type MapCache struct {
	log        *slog.Logger
	dispatch   *Dispatcher
	table      bart.Table[*Entry]
	generation uint64
}

// NewMapCache returns an empty map-cache store. dispatch is the timer
// wheel whose handles this store's entries use; Remove cancels an
// entry's timers against it before the entry is dropped.
func NewMapCache(log *slog.Logger, dispatch *Dispatcher) *MapCache {
	if log == nil {
		log = slog.Default()
	}
	return &MapCache{log: log, dispatch: dispatch}
}

// Insert normalizes pfx, and either replaces the mapping of an existing
// entry in place (returning it, with its timers left to the caller to
// manage) or creates a new entry for the given lifecycle kind and
// stores it. Insertion is idempotent under equal prefix: a second
// Insert of the same prefix never creates a duplicate entry.
func (c *MapCache) Insert(pfx netip.Prefix, m Mapping, how HowLearned) (*Entry, bool, error) {
	norm, err := Normalize(pfx)
	if err != nil {
		return nil, false, fmt.Errorf("mapcache insert: %w", err)
	}

	if existing, ok := c.table.Get(norm); ok {
		existing.mapping = m
		c.bumpGeneration()
		return existing, false, nil
	}

	e := newEntry(norm, m, how)
	c.table.Insert(norm, e)
	c.bumpGeneration()
	return e, true, nil
}

// LookupExact returns the entry stored for exactly this normalized
// prefix, if any.
func (c *MapCache) LookupExact(pfx netip.Prefix) (*Entry, bool) {
	norm, err := Normalize(pfx)
	if err != nil {
		return nil, false
	}
	return c.table.Get(norm)
}

// LookupLongest returns the entry whose prefix is the longest match
// covering addr, or (nil, false) if no entry covers it.
func (c *MapCache) LookupLongest(addr netip.Addr) (*Entry, bool) {
	e, ok := c.table.Lookup(addr)
	if !ok {
		return nil, false
	}
	return e, true
}

// Remove cancels all of the entry's timers (via Entry.cancelTimers) and
// removes it from the store. No-op if pfx has no entry.
func (c *MapCache) Remove(pfx netip.Prefix) {
	norm, err := Normalize(pfx)
	if err != nil {
		return
	}
	e, ok := c.table.Get(norm)
	if !ok {
		return
	}
	e.cancelTimers(c.dispatch)
	c.table.Delete(norm)
	c.bumpGeneration()
	c.log.Debug("mapcache entry removed", "prefix", norm)
}

// Size returns the number of entries currently stored.
func (c *MapCache) Size() int {
	return c.table.Size()
}

// Iterate performs a stable, one-shot traversal of every entry of the
// given family (is4 selects All4, otherwise All6), calling visit for
// each. If the store is mutated (Insert/Remove) while the traversal is
// in progress, Iterate stops and returns ErrConcurrentModification --
// detected via a generation counter snapshotted before the traversal
// begins, since bart's iterator itself gives no such guarantee.
func (c *MapCache) Iterate(is4 bool, visit func(netip.Prefix, *Entry) bool) error {
	startGen := c.generation

	var seq func(yield func(netip.Prefix, *Entry) bool)
	if is4 {
		seq = c.table.All4
	} else {
		seq = c.table.All6
	}

	var stopped bool
	for pfx, e := range seq {
		if c.generation != startGen {
			return fmt.Errorf("mapcache iterate: %w", ErrConcurrentModification)
		}
		if !visit(pfx, e) {
			stopped = true
			break
		}
	}
	if !stopped && c.generation != startGen {
		return fmt.Errorf("mapcache iterate: %w", ErrConcurrentModification)
	}
	return nil
}

func (c *MapCache) bumpGeneration() {
	c.generation++
}
