package lisp

// Egress decision engine (component F).
//
// Implements the seven ordered, total steps of the outbound decision
// path. Grounded on internal/bfd/session.go's runLoop/handleRecvPacket
// split (one method per suspension-point event, all called from a
// single owning goroutine) and internal/netio/overlay.go's recvOne
// numbered-step comment style, which Send below follows literally.

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// Underlay is the downward collaborator: a raw IPv4 socket used both
// for encapsulated emission (pre-built outer header, IP_HDRINCL) and
// for native forwarding of unmodified packets. Grounded on
// internal/netio/rawsock.go's PacketConn (ReadPacket/WritePacket/Close
// shape): this is the write-only half of that interface, specialized
// to the egress direction and split into native vs. already-encapsulated
// writes because their failure handling differs.
type Underlay interface {
	// WriteNative writes buf unmodified to the default-route socket for
	// the given family.
	WriteNative(ctx context.Context, buf []byte, is4 bool) error

	// WriteEncapsulated writes a fully-built outer+inner buffer (as
	// produced by BuildOuterHeaders) to the raw socket for the given
	// family.
	WriteEncapsulated(ctx context.Context, buf []byte, is4 bool) error

	// InterfaceAddr returns this host's outbound address for the given
	// family, used as the encapsulated packet's outer source.
	InterfaceAddr(is4 bool) (netip.Addr, bool)
}

// Metrics is the optional counters collaborator; a nil Metrics is valid
// and every method on it is skipped.
type Metrics interface {
	IncNative()
	IncEncapsulated()
	IncPETR()
	IncDropped(reason string)

	// SetMapCacheEntries sets the gauge for the given FSM state
	// ("pending", "active", "negative", "static") to count. Called
	// after every engine operation that can change an entry's
	// membership or state, recomputed from a full pass over the
	// map-cache rather than incremented/decremented in place, so it
	// never drifts from what ListMapCache would report.
	SetMapCacheEntries(state string, count float64)

	// IncRetriesExhausted is called once an entry's Map-Request retry
	// budget runs out and it transitions PENDING -> NEGATIVE.
	IncRetriesExhausted()

	// IncSMR is called once per Solicit-Map-Request the control plane
	// delivers to OnSMR.
	IncSMR()
}

// PETRConfig names the proxy-ETR destination per family.
type PETRConfig struct {
	V4 netip.Addr // IsValid()==false means "not configured"
	V6 netip.Addr
}

func (p PETRConfig) forFamily(is4 bool) (netip.Addr, bool) {
	addr := p.V6
	if is4 {
		addr = p.V4
	}
	return addr, addr.IsValid()
}

// EngineConfig bundles an Engine's fixed dependencies.
type EngineConfig struct {
	Log        *slog.Logger
	MapCache   *MapCache
	Dispatch   *Dispatcher
	LocalEID   LocalEIDDatabase
	Underlay   Underlay
	Metrics    Metrics
	PETR       PETRConfig
	RetryCfg   RetryConfig
	SendMapReq SendMapRequestFunc
	DataPort   uint16 // outer UDP port used on both sides by convention
}

// eventChSize bounds the buffered map-cache event channel; a control-plane
// consumer that falls behind loses events rather than stalling the engine.
const eventChSize = 64

// MapCacheEvent is a single FSM state transition, published for the
// control-plane surface to stream to external watchers.
type MapCacheEvent struct {
	Prefix    netip.Prefix
	OldState  State
	NewState  State
	Timestamp time.Time
}

// Engine is the egress decision engine. One Engine instance owns one
// map-cache and one dispatcher, normally driven by a single read loop
// (Send/FireDue/OnMapReply/OnSMR). The control-plane surface
// (internal/server) calls the read-only and explicit-invalidate methods
// from arbitrary RPC goroutines, so every exported method takes mu the
// same way internal/bfd/manager.go's Manager guards its session maps
// against its own packet-processing goroutine: RLock for reads, Lock
// for anything that mutates map-cache or timer state.
type Engine struct {
	cfg    EngineConfig
	events chan MapCacheEvent

	mu sync.RWMutex
}

// NewEngine constructs an Engine from cfg. A nil cfg.Metrics is
// replaced with a no-op implementation.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.DataPort == 0 {
		cfg.DataPort = PortData
	}
	return &Engine{cfg: cfg, events: make(chan MapCacheEvent, eventChSize)}
}

func (e *Engine) entryDeps() EntryDeps {
	return EntryDeps{
		Dispatch:       e.cfg.Dispatch,
		Config:         e.cfg.RetryCfg,
		SendMapRequest: e.cfg.SendMapReq,
	}
}

// Send runs one outbound packet (read from the tun device) through the
// seven ordered decision steps: parse, IPv6 bypass, LISP-on-LISP
// bypass, non-local-source bypass, cache lookup, PETR fallback, and
// encapsulation.
func (e *Engine) Send(ctx context.Context, pkt []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: parse. A parse failure is a drop, not propagated as an
	// error the caller must act on beyond metering.
	view, err := ParsePacketView(pkt)
	if err != nil {
		e.cfg.Metrics.IncDropped("parse")
		e.cfg.Log.Debug("dropping unparseable packet", "error", err)
		return nil
	}

	// Step 2: IPv6 outer is an unimplemented extension point; an IPv6
	// destination always forwards natively.
	if !view.IsIPv4() {
		return e.forwardNative(ctx, pkt, false)
	}

	// Step 3: avoid recursive encapsulation of already-LISP traffic.
	if LISPOnLISP(view) {
		return e.forwardNative(ctx, pkt, true)
	}

	// Step 4: only traffic originated by one of this host's own EIDs is
	// a candidate for encapsulation; anything else is transit.
	if !e.cfg.LocalEID.IsLocalEID(view.SourceAddress()) {
		return e.forwardNative(ctx, pkt, true)
	}

	// Step 5: resolve the destination via the map-cache.
	dst := view.DestinationAddress()
	entry, found := e.cfg.MapCache.LookupLongest(dst)
	if !found {
		e.installMissEntry(dst, view.SourceAddress())
		entry = nil
	}
	// If found but PENDING, NEGATIVE, or mapping-less, step 6 still runs:
	// the "entry != nil" check there only gates step 7's encapsulation.

	// Step 6: Proxy-ETR fallback, tried whenever there is no usable
	// mapping yet. A static entry is always active, so both ACTIVE and
	// STATIC count as usable.
	usable := entry != nil && (entry.State() == StateActive || entry.State() == StateStatic) && entry.Mapping().LocatorCount() > 0
	if !usable {
		if ok, err := e.tryPETR(ctx, pkt, view); ok {
			return err
		}
		// No PETR configured, or the PETR attempt itself failed: fall
		// back to forwarding natively, same as any encapsulation or
		// emission failure.
		return e.forwardNative(ctx, pkt, true)
	}

	// Step 7: encapsulate toward the resolved mapping.
	return e.encapsulateToMapping(ctx, pkt, view, entry)
}

func (e *Engine) installMissEntry(dst, src netip.Addr) {
	host := HostPrefix(dst)
	entry, created, err := e.cfg.MapCache.Insert(host, Mapping{}, HowLearnedDynamic)
	if err != nil {
		e.cfg.Log.Error("failed to install miss entry", "destination", dst, "error", err)
		return
	}
	if !created {
		return
	}
	entry.SetRequesterEID(src)
	if _, err := entry.OnExplicitInvalidate(e.entryDeps()); err != nil {
		e.cfg.Log.Error("failed to issue initial map-request", "destination", dst, "error", err)
	}
	e.refreshMapCacheGauge()
}

func (e *Engine) tryPETR(ctx context.Context, inner []byte, view PacketView) (attempted bool, err error) {
	is4 := view.IsIPv4()
	petrAddr, ok := e.cfg.PETR.forFamily(is4)
	if !ok {
		return false, nil
	}
	outerSrc, ok := e.cfg.Underlay.InterfaceAddr(is4)
	if !ok {
		return true, e.forwardNative(ctx, inner, is4)
	}

	buf, err := BuildOuterHeaders(inner, OuterHeaderParams{
		OuterSrc:   outerSrc,
		OuterDst:   petrAddr,
		SrcPort:    e.cfg.DataPort,
		DstPort:    e.cfg.DataPort,
		InstanceID: 0,
		TOS:        view.TOS(),
		TTL:        view.TTL(),
	})
	if err != nil {
		return true, e.forwardNative(ctx, inner, is4)
	}
	if err := e.cfg.Underlay.WriteEncapsulated(ctx, buf, is4); err != nil {
		return true, e.forwardNative(ctx, inner, is4)
	}
	e.cfg.Metrics.IncPETR()
	return true, nil
}

func (e *Engine) encapsulateToMapping(ctx context.Context, inner []byte, view PacketView, entry *Entry) error {
	is4 := view.IsIPv4()
	loc, ok := entry.Mapping().SelectLocator(is4)
	if !ok {
		e.cfg.Metrics.IncDropped("no-locator")
		return fmt.Errorf("encapsulate to mapping: %w", ErrNoLocator)
	}
	outerSrc, ok := e.cfg.Underlay.InterfaceAddr(is4)
	if !ok {
		e.cfg.Metrics.IncDropped("no-interface-addr")
		return fmt.Errorf("encapsulate to mapping: %w", ErrEmissionFailure)
	}

	buf, err := BuildOuterHeaders(inner, OuterHeaderParams{
		OuterSrc:   outerSrc,
		OuterDst:   loc.RLOC,
		SrcPort:    e.cfg.DataPort,
		DstPort:    e.cfg.DataPort,
		InstanceID: entry.Mapping().InstanceID,
		TOS:        view.TOS(),
		TTL:        view.TTL(),
	})
	if err != nil {
		e.cfg.Metrics.IncDropped("build-outer")
		return fmt.Errorf("encapsulate to mapping: %w", err)
	}

	// On emission failure the mapping is presumed correct: drop, do
	// not fall back to native or PETR.
	if err := e.cfg.Underlay.WriteEncapsulated(ctx, buf, is4); err != nil {
		e.cfg.Metrics.IncDropped("emission")
		return fmt.Errorf("encapsulate to mapping: %w", ErrEmissionFailure)
	}
	e.cfg.Metrics.IncEncapsulated()
	return nil
}

func (e *Engine) forwardNative(ctx context.Context, pkt []byte, is4 bool) error {
	if err := e.cfg.Underlay.WriteNative(ctx, pkt, is4); err != nil {
		e.cfg.Metrics.IncDropped("native-emission")
		return fmt.Errorf("forward native: %w", err)
	}
	e.cfg.Metrics.IncNative()
	return nil
}

// OnMapReply is the control-plane collaborator callback: a reply
// parsed for requestedEID, carrying nonce and (if any) a mapping.
func (e *Engine) OnMapReply(requestedEID netip.Prefix, mapping Mapping, nonce uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.cfg.MapCache.LookupExact(requestedEID)
	if !ok {
		e.cfg.Log.Debug("map-reply for unknown prefix", "prefix", requestedEID)
		return
	}
	if !entry.HasNonce(nonce) {
		e.cfg.Log.Debug("map-reply nonce mismatch", "prefix", requestedEID, "nonce", nonce)
		return
	}
	res := entry.OnReplyReceived(e.entryDeps(), mapping)
	e.publishEvent(requestedEID, res)
	e.refreshMapCacheGauge()
}

// OnSMR is the control-plane collaborator callback: a
// Solicit-Map-Request arrived for prefix.
func (e *Engine) OnSMR(prefix netip.Prefix) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.cfg.MapCache.LookupExact(prefix)
	if !ok {
		return
	}
	e.cfg.Metrics.IncSMR()
	res := entry.OnSMRReceived(e.entryDeps())
	e.publishEvent(prefix, res)
	e.refreshMapCacheGauge()
}

// FireDue drains every due timer from the dispatcher, applying the
// appropriate entry transition and removing entries whose expiry fired.
// Intended to be called whenever Dispatch.C() is ready.
func (e *Engine) FireDue(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cfg.Dispatch.Fire(now, func(prefix netip.Prefix, reason TimerReason) {
		entry, ok := e.cfg.MapCache.LookupExact(prefix)
		if !ok {
			return
		}
		deps := e.entryDeps()
		switch reason {
		case ReasonExpiry:
			res := entry.OnExpiryFired()
			e.publishEvent(prefix, res)
			e.cfg.MapCache.Remove(prefix)
		case ReasonRequestRetry:
			if res, err := entry.OnRequestRetryFired(deps); err != nil {
				e.cfg.Log.Error("request-retry failed", "prefix", prefix, "error", err)
			} else {
				e.publishEvent(prefix, res)
				if res.Exhausted {
					e.cfg.Log.Info("map-request retries exhausted", "prefix", prefix)
					e.cfg.Metrics.IncRetriesExhausted()
				}
			}
		case ReasonSMRInvalidation:
			if res, err := entry.OnSMRTimerFired(deps); err != nil {
				e.cfg.Log.Error("smr re-request failed", "prefix", prefix, "error", err)
			} else {
				e.publishEvent(prefix, res)
			}
		}
	})
	e.refreshMapCacheGauge()
}

// EntrySnapshot is a read-only view of one map-cache entry, used by the
// control-plane surface to list and inspect resolved mappings without
// exposing the entry's timer handles or FSM methods.
type EntrySnapshot struct {
	Prefix         netip.Prefix
	State          State
	HowLearned     HowLearned
	InstanceID     uint32
	Locators4      []Locator
	Locators6      []Locator
	NegativeReason NegativeReason
	LastActivity   time.Time
}

// ListMapCache returns a snapshot of every entry currently in the
// map-cache, across both address families.
func (e *Engine) ListMapCache() []EntrySnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []EntrySnapshot
	collect := func(is4 bool) {
		_ = e.cfg.MapCache.Iterate(is4, func(pfx netip.Prefix, entry *Entry) bool {
			out = append(out, snapshotEntry(pfx, entry))
			return true
		})
	}
	collect(true)
	collect(false)
	return out
}

// ShowMapCache returns a snapshot of the entry stored for exactly pfx.
func (e *Engine) ShowMapCache(pfx netip.Prefix) (EntrySnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entry, ok := e.cfg.MapCache.LookupExact(pfx)
	if !ok {
		return EntrySnapshot{}, false
	}
	return snapshotEntry(pfx, entry), true
}

func snapshotEntry(pfx netip.Prefix, entry *Entry) EntrySnapshot {
	m := entry.Mapping()
	return EntrySnapshot{
		Prefix:         pfx,
		State:          entry.State(),
		HowLearned:     entry.HowLearned(),
		InstanceID:     m.InstanceID,
		Locators4:      m.Locators4,
		Locators6:      m.Locators6,
		NegativeReason: entry.NegativeReason(),
		LastActivity:   entry.LastActivity(),
	}
}

// InvalidateMapCache explicitly invalidates the entry stored for exactly
// pfx, driving it through the same "Any -> explicit_invalidate"
// transition an operator-triggered refresh uses, and re-issuing a
// Map-Request. Returns ErrEntryNotFound if no entry exists for pfx.
func (e *Engine) InvalidateMapCache(pfx netip.Prefix) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.cfg.MapCache.LookupExact(pfx)
	if !ok {
		return fmt.Errorf("invalidate %s: %w", pfx, ErrEntryNotFound)
	}
	res, err := entry.OnExplicitInvalidate(e.entryDeps())
	if err != nil {
		return err
	}
	e.publishEvent(pfx, res)
	e.refreshMapCacheGauge()
	return nil
}

// MapCacheSize returns the number of entries currently held, for a
// quick status summary without a full ListMapCache walk.
func (e *Engine) MapCacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.cfg.MapCache.Size()
}

// Events returns a read-only channel of map-cache FSM transitions, for
// the control-plane surface to stream to external watchers. The channel
// is buffered; a slow consumer loses events rather than stalling Send,
// FireDue, OnMapReply, or OnSMR.
func (e *Engine) Events() <-chan MapCacheEvent {
	return e.events
}

// publishEvent sends a non-empty state transition to the event channel,
// dropping it (with a log) if the channel is full. A transition where
// old and new state are equal is not published.
func (e *Engine) publishEvent(prefix netip.Prefix, res EntryResult) {
	if res.OldState == res.NewState {
		return
	}
	evt := MapCacheEvent{Prefix: prefix, OldState: res.OldState, NewState: res.NewState, Timestamp: time.Now()}
	select {
	case e.events <- evt:
	default:
		e.cfg.Log.Warn("map-cache event channel full, dropping event",
			"prefix", prefix, "old_state", res.OldState, "new_state", res.NewState)
	}
}

// refreshMapCacheGauge recomputes the per-state entry census across both
// address families and pushes it to Metrics. Called by every method that
// can change an entry's membership or state. Those call sites are
// timer- or RPC-driven, except Send's cache-miss path, which refreshes
// only when it creates a new entry.
func (e *Engine) refreshMapCacheGauge() {
	var counts [stateCount]int
	tally := func(_ netip.Prefix, entry *Entry) bool {
		counts[entry.State()]++
		return true
	}
	_ = e.cfg.MapCache.Iterate(true, tally)
	_ = e.cfg.MapCache.Iterate(false, tally)

	for st := State(0); int(st) < stateCount; st++ {
		e.cfg.Metrics.SetMapCacheEntries(st.String(), float64(counts[st]))
	}
}

type noopMetrics struct{}

func (noopMetrics) IncNative()                         {}
func (noopMetrics) IncEncapsulated()                   {}
func (noopMetrics) IncPETR()                           {}
func (noopMetrics) IncDropped(string)                  {}
func (noopMetrics) SetMapCacheEntries(string, float64) {}
func (noopMetrics) IncRetriesExhausted()               {}
func (noopMetrics) IncSMR()                            {}
