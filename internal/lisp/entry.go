package lisp

// Map-cache entry lifecycle (component D).
//
// The state machine below is not expressed as the table-driven pure
// ApplyEvent(state, event) of internal/bfd/fsm.go because every LISP
// transition here carries payload the BFD FSM never needed (a reply's
// locator count and TTL, a freshly generated nonce, a randomized SMR
// delay) -- encoding that in a lookup table would need one table entry
// per possible payload value. Instead each transition is its own
// method on *Entry, in the same spirit as fsm.go's philosophy (a
// transition decides the next state and the actions the caller must
// still perform) but data-driven: the method mutates the entry's own
// fields directly, since the caller guarantees no two such methods
// ever run concurrently, and returns an EntryResult recording what
// changed for the caller (Engine) to log and meter.
//
// Nonce generation is grounded on internal/bfd/discriminator.go's
// crypto/rand-backed allocator: a LISP nonce has no global-uniqueness
// requirement (it only has to be unlikely to collide within one
// entry's short-lived ledger), so this package reuses discriminator.go's
// source of randomness without its cross-entry allocation map.

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"time"
)

// State is a map-cache entry's lifecycle state.
type State uint8

const (
	StatePending State = iota
	StateActive
	StateNegative
	StateStatic

	// stateCount is the number of defined states, used to size a
	// per-state tally indexed by State.
	stateCount = int(StateStatic) + 1
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateNegative:
		return "negative"
	case StateStatic:
		return "static"
	default:
		return "unknown"
	}
}

// NegativeReason records why an entry went NEGATIVE, for operator
// diagnosis only; never read by the FSM.
type NegativeReason uint8

const (
	ReasonNone NegativeReason = iota
	ReasonReplyEmpty
	ReasonRetriesExhausted
)

func (r NegativeReason) String() string {
	switch r {
	case ReasonReplyEmpty:
		return "reply-empty"
	case ReasonRetriesExhausted:
		return "retries-exhausted"
	default:
		return "none"
	}
}

// Locator is one routing-locator candidate for a mapping.
type Locator struct {
	RLOC     netip.Addr
	Priority uint8
	Weight   uint8
}

// Mapping is the EID-prefix binding a map-cache entry owns: an
// instance-id, a locator list per address family, and the TTL a
// Map-Reply carried for it.
type Mapping struct {
	InstanceID uint32
	Locators4  []Locator
	Locators6  []Locator
	TTL        time.Duration
}

// LocatorCount returns the total number of locators across both
// families.
func (m Mapping) LocatorCount() int {
	return len(m.Locators4) + len(m.Locators6)
}

// SelectLocator picks the best locator of the requested family: lowest
// priority value, ties broken by ascending slice index. Weight is
// carried but not used as a distribution hint by this engine.
func (m Mapping) SelectLocator(is4 bool) (Locator, bool) {
	locs := m.Locators6
	if is4 {
		locs = m.Locators4
	}
	if len(locs) == 0 {
		return Locator{}, false
	}
	best := 0
	for i := 1; i < len(locs); i++ {
		if locs[i].Priority < locs[best].Priority {
			best = i
		}
	}
	return locs[best], true
}

// RetryConfig holds the lifecycle's tunables.
type RetryConfig struct {
	MaxRetries              int
	MaxNoncesPerRequest     int
	BackoffBase             time.Duration
	BackoffFactor           int
	BackoffCap              time.Duration
	NegativeTTL             time.Duration
	NegativeTTLOnExhaustion time.Duration
	SMRInvMaxDelay          time.Duration
}

// DefaultRetryConfig returns sensible defaults: 4 retries, a 3-nonce
// ledger, 1s/2x/30s backoff, 60s/15s negative TTLs, 5s max SMR jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:              4,
		MaxNoncesPerRequest:     3,
		BackoffBase:             1 * time.Second,
		BackoffFactor:           2,
		BackoffCap:              30 * time.Second,
		NegativeTTL:             60 * time.Second,
		NegativeTTLOnExhaustion: 15 * time.Second,
		SMRInvMaxDelay:          5 * time.Second,
	}
}

// SendMapRequestFunc is the upward collaborator callback:
// fire-and-forget, invoked once per Map-Request this entry issues.
type SendMapRequestFunc func(requestedEID netip.Prefix, sourceEID netip.Addr, nonce uint32)

// EntryDeps bundles everything a transition method needs beyond the
// entry's own fields: the timer wheel, the tunables, the upward
// callback, and a randomness source (crypto/rand.Reader by default;
// overridable in tests).
type EntryDeps struct {
	Dispatch       *Dispatcher
	Config         RetryConfig
	SendMapRequest SendMapRequestFunc
	Rand           io.Reader
}

func (d EntryDeps) rand() io.Reader {
	if d.Rand == nil {
		return rand.Reader
	}
	return d.Rand
}

// Entry is one map-cache entry: a mapping plus the bookkeeping its
// lifecycle needs. The zero value is not valid; entries are created by
// newEntry (dynamic, via MapCache.Insert) or by static configuration
// loading (also via MapCache.Insert with HowLearnedStatic).
type Entry struct {
	prefix  netip.Prefix
	mapping Mapping
	how     HowLearned
	state   State

	ttl          time.Duration
	installedAt  time.Time
	lastActivity time.Time

	negativeReason NegativeReason
	smrPending     bool
	retryCount     int
	nonces         []uint32 // FIFO-bounded ledger, capacity Config.MaxNoncesPerRequest

	requesterEID netip.Addr // optional; IsValid()==false means none

	expiryHandle TimerHandle
	retryHandle  TimerHandle
	smrHandle    TimerHandle
}

func newEntry(prefix netip.Prefix, m Mapping, how HowLearned) *Entry {
	st := StatePending
	if how == HowLearnedStatic {
		st = StateStatic
	}
	return &Entry{
		prefix:      prefix,
		mapping:     m,
		how:         how,
		state:       st,
		installedAt: timeNow(),
	}
}

// Prefix returns the entry's EID prefix.
func (e *Entry) Prefix() netip.Prefix { return e.prefix }

// Mapping returns the entry's current mapping. The returned value is a
// read-only borrow: valid until the next mutation of this entry.
func (e *Entry) Mapping() Mapping { return e.mapping }

// State returns the entry's current lifecycle state.
func (e *Entry) State() State { return e.state }

// HowLearned returns whether this entry is static or dynamic.
func (e *Entry) HowLearned() HowLearned { return e.how }

// NegativeReason returns why the entry is negative; meaningless unless
// State() == StateNegative.
func (e *Entry) NegativeReason() NegativeReason { return e.negativeReason }

// LastActivity returns the last time this entry was activated or
// refreshed by a reply; observability only.
func (e *Entry) LastActivity() time.Time { return e.lastActivity }

// SetRequesterEID records the source EID that triggered this entry's
// creation, retained so a later SMR re-request can cite the same
// requester.
func (e *Entry) SetRequesterEID(addr netip.Addr) { e.requesterEID = addr }

// HasNonce reports whether nonce is in this entry's outstanding ledger.
func (e *Entry) HasNonce(nonce uint32) bool {
	for _, n := range e.nonces {
		if n == nonce {
			return true
		}
	}
	return false
}

func (e *Entry) appendNonce(nonce uint32, cap int) {
	e.nonces = append(e.nonces, nonce)
	if over := len(e.nonces) - cap; over > 0 {
		e.nonces = e.nonces[over:]
	}
}

func (e *Entry) clearNonces() {
	e.nonces = nil
}

func (e *Entry) cancelTimers(d *Dispatcher) {
	d.Cancel(e.expiryHandle)
	d.Cancel(e.retryHandle)
	d.Cancel(e.smrHandle)
	e.expiryHandle, e.retryHandle, e.smrHandle = 0, 0, 0
}

// EntryResult records what a transition method did, for the caller to
// log, meter, and (when Removed) remove from the store.
type EntryResult struct {
	OldState  State
	NewState  State
	Removed   bool
	Exhausted bool
}

// OnRequestRetryFired handles a fired request-retry timer: PENDING
// entries either issue another Map-Request or, once the retry budget
// is exhausted, transition to NEGATIVE.
func (e *Entry) OnRequestRetryFired(deps EntryDeps) (EntryResult, error) {
	old := e.state
	if e.state != StatePending || e.how != HowLearnedDynamic {
		return EntryResult{OldState: old, NewState: e.state}, nil
	}

	if e.retryCount >= deps.Config.MaxRetries {
		e.state = StateNegative
		e.negativeReason = ReasonRetriesExhausted
		e.ttl = deps.Config.NegativeTTLOnExhaustion
		e.retryHandle = 0 // already fired
		e.expiryHandle = deps.Dispatch.Schedule(e.prefix, ReasonExpiry, e.ttl)
		return EntryResult{OldState: old, NewState: e.state, Exhausted: true}, nil
	}

	if err := e.issueMapRequest(deps); err != nil {
		return EntryResult{OldState: old, NewState: e.state}, err
	}
	e.retryCount++
	backoff := computeBackoff(e.retryCount, deps.Config)
	e.retryHandle = deps.Dispatch.Schedule(e.prefix, ReasonRequestRetry, backoff)
	return EntryResult{OldState: old, NewState: e.state}, nil
}

// OnReplyReceived handles a Map-Reply accepted by the caller (nonce
// already matched against this entry's ledger). locatorCount and the
// mapping's TTL come from the parsed reply.
func (e *Entry) OnReplyReceived(deps EntryDeps, m Mapping) EntryResult {
	old := e.state

	switch {
	case e.state == StatePending && m.LocatorCount() > 0 && m.TTL > 0:
		deps.Dispatch.Cancel(e.retryHandle)
		e.retryHandle = 0
		e.mapping = m
		e.ttl = m.TTL
		e.state = StateActive
		e.negativeReason = ReasonNone
		e.clearNonces()
		e.retryCount = 0
		e.lastActivity = timeNow()
		e.expiryHandle = deps.Dispatch.Schedule(e.prefix, ReasonExpiry, e.ttl)

	case e.state == StatePending && m.LocatorCount() == 0:
		deps.Dispatch.Cancel(e.retryHandle)
		e.retryHandle = 0
		e.state = StateNegative
		e.negativeReason = ReasonReplyEmpty
		e.ttl = deps.Config.NegativeTTL
		e.expiryHandle = deps.Dispatch.Schedule(e.prefix, ReasonExpiry, e.ttl)

	case e.state == StateActive && e.smrPending && m.LocatorCount() > 0 && m.TTL > 0:
		deps.Dispatch.Cancel(e.smrHandle)
		e.smrHandle = 0
		e.smrPending = false
		e.mapping = m
		e.ttl = m.TTL
		e.clearNonces()
		e.lastActivity = timeNow()
		deps.Dispatch.Cancel(e.expiryHandle)
		e.expiryHandle = deps.Dispatch.Schedule(e.prefix, ReasonExpiry, e.ttl)

	default:
		// Stale or inapplicable reply for this entry's current state:
		// ignored, since it doesn't match an active transition.
	}

	return EntryResult{OldState: old, NewState: e.state}
}

// OnSMRReceived handles an SMR for an ACTIVE entry: schedules a single
// randomized-delay re-request while the existing mapping stays usable.
// SMRs on any other state, or a duplicate SMR while one is already
// pending, are ignored.
func (e *Entry) OnSMRReceived(deps EntryDeps) EntryResult {
	old := e.state
	if e.state != StateActive || e.smrPending {
		return EntryResult{OldState: old, NewState: e.state}
	}
	e.smrPending = true
	delay, err := randDuration(deps.rand(), deps.Config.SMRInvMaxDelay)
	if err != nil {
		delay = deps.Config.SMRInvMaxDelay
	}
	e.smrHandle = deps.Dispatch.Schedule(e.prefix, ReasonSMRInvalidation, delay)
	return EntryResult{OldState: old, NewState: e.state}
}

// OnSMRTimerFired re-issues a single Map-Request for an SMR-pending
// ACTIVE entry. The entry stays ACTIVE and its current mapping remains
// usable until OnReplyReceived's SMR-pending branch fires.
func (e *Entry) OnSMRTimerFired(deps EntryDeps) (EntryResult, error) {
	old := e.state
	e.smrHandle = 0
	if e.state != StateActive || !e.smrPending {
		return EntryResult{OldState: old, NewState: e.state}, nil
	}
	if err := e.issueMapRequest(deps); err != nil {
		return EntryResult{OldState: old, NewState: e.state}, err
	}
	return EntryResult{OldState: old, NewState: e.state}, nil
}

// OnExpiryFired handles an ACTIVE or NEGATIVE entry's expiry timer:
// the entry is removed from the store (the caller does the removal;
// this just reports it, so MapCache.Remove can still run its own
// cancel-before-free sequence uniformly for every removal path).
func (e *Entry) OnExpiryFired() EntryResult {
	old := e.state
	e.expiryHandle = 0
	return EntryResult{OldState: old, NewState: old, Removed: true}
}

// OnExplicitInvalidate forces any entry back to PENDING with a fresh,
// immediate Map-Request, regardless of its current state.
func (e *Entry) OnExplicitInvalidate(deps EntryDeps) (EntryResult, error) {
	old := e.state
	deps.Dispatch.Cancel(e.expiryHandle)
	deps.Dispatch.Cancel(e.smrHandle)
	deps.Dispatch.Cancel(e.retryHandle)
	e.expiryHandle, e.smrHandle, e.retryHandle = 0, 0, 0

	e.clearNonces()
	e.retryCount = 0
	e.smrPending = false
	e.negativeReason = ReasonNone
	e.state = StatePending

	if err := e.issueMapRequest(deps); err != nil {
		return EntryResult{OldState: old, NewState: e.state}, err
	}
	e.retryCount++
	backoff := computeBackoff(e.retryCount, deps.Config)
	e.retryHandle = deps.Dispatch.Schedule(e.prefix, ReasonRequestRetry, backoff)
	return EntryResult{OldState: old, NewState: e.state}, nil
}

func (e *Entry) issueMapRequest(deps EntryDeps) error {
	nonce, err := generateNonce(deps.rand())
	if err != nil {
		return fmt.Errorf("issue map request: %w", err)
	}
	e.appendNonce(nonce, deps.Config.MaxNoncesPerRequest)
	if deps.SendMapRequest != nil {
		deps.SendMapRequest(e.prefix, e.requesterEID, nonce)
	}
	return nil
}

func computeBackoff(retryCount int, cfg RetryConfig) time.Duration {
	d := cfg.BackoffBase
	for i := 1; i < retryCount; i++ {
		d *= time.Duration(cfg.BackoffFactor)
		if d > cfg.BackoffCap {
			d = cfg.BackoffCap
			break
		}
	}
	if d > cfg.BackoffCap {
		d = cfg.BackoffCap
	}
	return d
}

func generateNonce(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("generate nonce: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]) & 0x00FFFFFF, nil
}

// randDuration returns a uniformly distributed duration in [0, max].
func randDuration(r io.Reader, max time.Duration) (time.Duration, error) {
	if max <= 0 {
		return 0, nil
	}
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("randDuration: %w", err)
	}
	v := binary.BigEndian.Uint64(b[:])
	return time.Duration(v % uint64(max+1)), nil
}

// timeNow is a var so tests can freeze it; never reassigned in
// production code.
var timeNow = time.Now
