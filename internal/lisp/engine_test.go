package lisp_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/dantte-lp/lispd/internal/lisp"
)

type fakeUnderlay struct {
	ifaceV4 netip.Addr
	ifaceV6 netip.Addr

	native       [][]byte
	encapsulated [][]byte

	failEncapsulate bool
}

func (f *fakeUnderlay) WriteNative(_ context.Context, buf []byte, _ bool) error {
	f.native = append(f.native, append([]byte(nil), buf...))
	return nil
}

func (f *fakeUnderlay) WriteEncapsulated(_ context.Context, buf []byte, _ bool) error {
	if f.failEncapsulate {
		return lisp.ErrEmissionFailure
	}
	f.encapsulated = append(f.encapsulated, append([]byte(nil), buf...))
	return nil
}

func (f *fakeUnderlay) InterfaceAddr(is4 bool) (netip.Addr, bool) {
	if is4 {
		return f.ifaceV4, f.ifaceV4.IsValid()
	}
	return f.ifaceV6, f.ifaceV6.IsValid()
}

func newTestEngine(t *testing.T, localEIDs []string, petr lisp.PETRConfig) (*lisp.Engine, *fakeUnderlay, *lisp.MapCache) {
	t.Helper()
	var prefixes []netip.Prefix
	for _, s := range localEIDs {
		prefixes = append(prefixes, netip.MustParsePrefix(s))
	}
	db := lisp.NewStaticLocalEIDDatabase(prefixes)
	dispatch := lisp.NewDispatcher()
	mc := lisp.NewMapCache(nil, dispatch)
	underlay := &fakeUnderlay{ifaceV4: netip.MustParseAddr("192.0.2.1")}

	eng := lisp.NewEngine(lisp.EngineConfig{
		MapCache: mc,
		Dispatch: dispatch,
		LocalEID: db,
		Underlay: underlay,
		PETR:     petr,
		RetryCfg: lisp.DefaultRetryConfig(),
	})
	return eng, underlay, mc
}

// Seed scenario 1: native pass-through of a non-EID source.
func TestEngineNativePassThroughNonEIDSource(t *testing.T) {
	t.Parallel()

	eng, underlay, mc := newTestEngine(t, []string{"1.2.3.4/32"}, lisp.PETRConfig{})
	pkt := buildTestIPv4(t, "10.0.0.5", "8.8.8.8", []byte{0, 0, 0, 0})

	if err := eng.Send(context.Background(), pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(underlay.native) != 1 {
		t.Fatalf("native forwards = %d, want 1", len(underlay.native))
	}
	if len(underlay.encapsulated) != 0 {
		t.Fatalf("encapsulated = %d, want 0", len(underlay.encapsulated))
	}
	if mc.Size() != 0 {
		t.Errorf("cache size = %d, want 0 (unchanged)", mc.Size())
	}
}

// Seed scenario 2: cache miss triggers Map-Request and PETR fallback.
func TestEngineCacheMissTriggersPETRFallback(t *testing.T) {
	t.Parallel()

	petr := lisp.PETRConfig{V4: netip.MustParseAddr("9.9.9.9")}
	dispatch := lisp.NewDispatcher()
	mc := lisp.NewMapCache(nil, dispatch)
	underlay := &fakeUnderlay{ifaceV4: netip.MustParseAddr("192.0.2.1")}

	var requested []netip.Prefix
	eng := lisp.NewEngine(lisp.EngineConfig{
		MapCache: mc,
		Dispatch: dispatch,
		LocalEID: lisp.NewStaticLocalEIDDatabase([]netip.Prefix{netip.MustParsePrefix("1.2.3.4/32")}),
		Underlay: underlay,
		PETR:     petr,
		RetryCfg: lisp.DefaultRetryConfig(),
		SendMapReq: func(pfx netip.Prefix, _ netip.Addr, _ uint32) {
			requested = append(requested, pfx)
		},
	})

	pkt := buildTestIPv4(t, "1.2.3.4", "5.6.7.8", []byte{0, 0, 0, 0})
	if err := eng.Send(context.Background(), pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(requested) != 1 {
		t.Fatalf("map-requests sent = %d, want 1", len(requested))
	}
	if requested[0].Addr().String() != "5.6.7.8" || requested[0].Bits() != 32 {
		t.Errorf("requested prefix = %s, want 5.6.7.8/32", requested[0])
	}

	entry, ok := mc.LookupExact(netip.MustParsePrefix("5.6.7.8/32"))
	if !ok || entry.State() != lisp.StatePending {
		t.Fatal("expected a new PENDING entry for 5.6.7.8/32")
	}

	if len(underlay.encapsulated) != 1 {
		t.Fatalf("encapsulated packets = %d, want 1 (PETR fallback)", len(underlay.encapsulated))
	}
	buf := underlay.encapsulated[0]
	view, err := lisp.ParsePacketView(buf[:20])
	if err != nil {
		t.Fatalf("ParsePacketView(outer): %v", err)
	}
	if view.DestinationAddress().String() != "9.9.9.9" {
		t.Errorf("outer dst = %s, want 9.9.9.9", view.DestinationAddress())
	}
	shim := buf[28:36]
	iid := uint32(shim[4])<<16 | uint32(shim[5])<<8 | uint32(shim[6])
	if iid != 0 {
		t.Errorf("PETR instance-id = %d, want 0", iid)
	}
}

// Seed scenario 3: hit with active mapping.
func TestEngineHitWithActiveMapping(t *testing.T) {
	t.Parallel()

	eng, underlay, mc := newTestEngine(t, []string{"1.2.3.4/32"}, lisp.PETRConfig{})
	_, _, err := mc.Insert(netip.MustParsePrefix("5.6.0.0/16"), lisp.Mapping{
		InstanceID: 42,
		TTL:        300_000_000_000,
		Locators4: []lisp.Locator{
			{RLOC: netip.MustParseAddr("10.20.30.40"), Priority: 1, Weight: 100},
		},
	}, lisp.HowLearnedStatic)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	pkt := buildTestIPv4(t, "1.2.3.4", "5.6.7.8", []byte{0, 0, 0, 0})
	if err := eng.Send(context.Background(), pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(underlay.encapsulated) != 1 {
		t.Fatalf("encapsulated = %d, want 1", len(underlay.encapsulated))
	}
	buf := underlay.encapsulated[0]
	view, err := lisp.ParsePacketView(buf[:20])
	if err != nil {
		t.Fatalf("ParsePacketView(outer): %v", err)
	}
	if view.DestinationAddress().String() != "10.20.30.40" {
		t.Errorf("outer dst = %s, want 10.20.30.40", view.DestinationAddress())
	}
	shim := buf[28:36]
	iid := uint32(shim[4])<<16 | uint32(shim[5])<<8 | uint32(shim[6])
	if iid != 42 {
		t.Errorf("instance-id = %d, want 42", iid)
	}
}

// Seed scenario 6: LISP-on-LISP avoidance.
func TestEngineLISPOnLISPAvoidance(t *testing.T) {
	t.Parallel()

	eng, underlay, _ := newTestEngine(t, []string{"1.2.3.4/32"}, lisp.PETRConfig{V4: netip.MustParseAddr("9.9.9.9")})

	udp := make([]byte, 8)
	udp[2], udp[3] = 0x10, 0xF5 // dst port 4341
	pkt := buildTestIPv4(t, "1.2.3.4", "5.6.7.8", udp)

	if err := eng.Send(context.Background(), pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(underlay.native) != 1 {
		t.Fatalf("native forwards = %d, want 1", len(underlay.native))
	}
	if len(underlay.encapsulated) != 0 {
		t.Fatalf("encapsulated = %d, want 0 (LISP-on-LISP must never encapsulate)", len(underlay.encapsulated))
	}
}

func TestEngineEmissionFailureOnActiveMappingDoesNotFallBack(t *testing.T) {
	t.Parallel()

	eng, underlay, mc := newTestEngine(t, []string{"1.2.3.4/32"}, lisp.PETRConfig{})
	underlay.failEncapsulate = true
	_, _, err := mc.Insert(netip.MustParsePrefix("5.6.7.8/32"), lisp.Mapping{
		InstanceID: 1,
		TTL:        300_000_000_000,
		Locators4:  []lisp.Locator{{RLOC: netip.MustParseAddr("10.0.0.1"), Priority: 0}},
	}, lisp.HowLearnedStatic)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	pkt := buildTestIPv4(t, "1.2.3.4", "5.6.7.8", []byte{0, 0, 0, 0})
	err = eng.Send(context.Background(), pkt)
	if err == nil {
		t.Fatal("Send: want error on emission failure for an active mapping, got nil")
	}
	if len(underlay.native) != 0 {
		t.Errorf("native forwards = %d, want 0 (no fallback once a mapping is trusted)", len(underlay.native))
	}
}
