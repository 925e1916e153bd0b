package lisp_test

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/dantte-lp/lispd/internal/lisp"
)

func buildTestIPv4(t *testing.T, src, dst string, payload []byte) []byte {
	t.Helper()
	hdr := make([]byte, 20)
	hdr[0] = 0x45
	hdr[1] = 0x10 // tos
	hdr[8] = 64   // ttl
	hdr[9] = 17   // UDP
	srcAddr := netip.MustParseAddr(src).As4()
	dstAddr := netip.MustParseAddr(dst).As4()
	copy(hdr[12:16], srcAddr[:])
	copy(hdr[16:20], dstAddr[:])
	return append(hdr, payload...)
}

func TestParsePacketViewTooShort(t *testing.T) {
	t.Parallel()
	_, err := lisp.ParsePacketView([]byte{0x45, 0, 0})
	if err == nil {
		t.Fatal("ParsePacketView: want error for short buffer, got nil")
	}
}

func TestParsePacketViewUnsupportedFamily(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 20)
	buf[0] = 0x15 // version 1
	_, err := lisp.ParsePacketView(buf)
	if err == nil {
		t.Fatal("ParsePacketView: want error for unknown IP version, got nil")
	}
}

func TestPacketViewFields(t *testing.T) {
	t.Parallel()

	pkt := buildTestIPv4(t, "1.2.3.4", "5.6.7.8", []byte{0, 0, 0, 0})
	view, err := lisp.ParsePacketView(pkt)
	if err != nil {
		t.Fatalf("ParsePacketView: %v", err)
	}
	if !view.IsIPv4() {
		t.Fatal("IsIPv4() = false, want true")
	}
	if got := view.SourceAddress(); got.String() != "1.2.3.4" {
		t.Errorf("SourceAddress() = %s, want 1.2.3.4", got)
	}
	if got := view.DestinationAddress(); got.String() != "5.6.7.8" {
		t.Errorf("DestinationAddress() = %s, want 5.6.7.8", got)
	}
	if view.L4Protocol() != 17 {
		t.Errorf("L4Protocol() = %d, want 17", view.L4Protocol())
	}
	if view.L4Offset() != 20 {
		t.Errorf("L4Offset() = %d, want 20", view.L4Offset())
	}
	if view.TTL() != 64 {
		t.Errorf("TTL() = %d, want 64", view.TTL())
	}
}

func TestLISPOnLISP(t *testing.T) {
	t.Parallel()

	udp := make([]byte, 8)
	udp[2], udp[3] = 0x10, 0xF5 // dst port 4341 (data)
	pkt := buildTestIPv4(t, "1.2.3.4", "5.6.7.8", udp)
	view, err := lisp.ParsePacketView(pkt)
	if err != nil {
		t.Fatalf("ParsePacketView: %v", err)
	}
	if !lisp.LISPOnLISP(view) {
		t.Error("LISPOnLISP = false, want true for dst port 4341")
	}

	udpOther := make([]byte, 8)
	udpOther[2], udpOther[3] = 0x00, 0x50 // dst port 80
	pkt2 := buildTestIPv4(t, "1.2.3.4", "5.6.7.8", udpOther)
	view2, err := lisp.ParsePacketView(pkt2)
	if err != nil {
		t.Fatalf("ParsePacketView: %v", err)
	}
	if lisp.LISPOnLISP(view2) {
		t.Error("LISPOnLISP = true, want false for dst port 80")
	}
}

func TestBuildOuterHeaders(t *testing.T) {
	t.Parallel()

	inner := []byte("the original packet bytes, verbatim")
	params := lisp.OuterHeaderParams{
		OuterSrc:   netip.MustParseAddr("192.0.2.1"),
		OuterDst:   netip.MustParseAddr("192.0.2.2"),
		SrcPort:    lisp.PortData,
		DstPort:    lisp.PortData,
		InstanceID: 0x010203,
		TOS:        0x22,
		TTL:        55,
	}

	buf, err := lisp.BuildOuterHeaders(inner, params)
	if err != nil {
		t.Fatalf("BuildOuterHeaders: %v", err)
	}

	wantLen := lisp.OuterHeadersSize + len(inner)
	if len(buf) != wantLen {
		t.Fatalf("len(buf) = %d, want %d", len(buf), wantLen)
	}

	view, err := lisp.ParsePacketView(buf[:20])
	if err != nil {
		t.Fatalf("ParsePacketView(outer): %v", err)
	}
	if view.L4Protocol() != 17 {
		t.Errorf("outer protocol = %d, want 17 (UDP)", view.L4Protocol())
	}
	if view.TOS() != 0x22 {
		t.Errorf("outer tos = %#x, want 0x22", view.TOS())
	}
	if view.TTL() != 55 {
		t.Errorf("outer ttl = %d, want 55", view.TTL())
	}
	if got := view.SourceAddress(); got != params.OuterSrc {
		t.Errorf("outer src = %s, want %s", got, params.OuterSrc)
	}
	if got := view.DestinationAddress(); got != params.OuterDst {
		t.Errorf("outer dst = %s, want %s", got, params.OuterDst)
	}

	// UDP length field = 8 + shim(8) + inner.
	udpLen := int(buf[24])<<8 | int(buf[25])
	if want := 8 + lisp.LISPShimSize + len(inner); udpLen != want {
		t.Errorf("UDP length = %d, want %d", udpLen, want)
	}

	// LISP shim: I flag set, instance-id matches.
	shim := buf[28:36]
	if shim[0]&0x08 == 0 {
		t.Error("shim I flag not set")
	}
	gotIID := uint32(shim[4])<<16 | uint32(shim[5])<<8 | uint32(shim[6])
	if gotIID != params.InstanceID {
		t.Errorf("shim instance-id = %#x, want %#x", gotIID, params.InstanceID)
	}

	// Inner packet copied verbatim at offset 36.
	if !bytes.Equal(buf[36:], inner) {
		t.Error("inner packet not copied verbatim at offset 36")
	}
}

func TestBuildOuterHeadersIPv6Unsupported(t *testing.T) {
	t.Parallel()

	params := lisp.OuterHeaderParams{
		OuterSrc: netip.MustParseAddr("2001:db8::1"),
		OuterDst: netip.MustParseAddr("2001:db8::2"),
	}
	_, err := lisp.BuildOuterHeaders([]byte("x"), params)
	if err == nil {
		t.Fatal("BuildOuterHeaders with IPv6 outer: want error, got nil")
	}
}

func TestBuildOuterHeadersChecksumValid(t *testing.T) {
	t.Parallel()

	params := lisp.OuterHeaderParams{
		OuterSrc: netip.MustParseAddr("192.0.2.1"),
		OuterDst: netip.MustParseAddr("192.0.2.2"),
		TTL:      64,
	}
	buf, err := lisp.BuildOuterHeaders([]byte("payload"), params)
	if err != nil {
		t.Fatalf("BuildOuterHeaders: %v", err)
	}

	// RFC 1071: summing the entire header including its own checksum
	// field folds to all-ones (0xFFFF).
	var sum uint32
	for i := 0; i < 20; i += 2 {
		sum += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	if sum != 0xFFFF {
		t.Errorf("outer header checksum invalid: folded sum = %#x, want 0xFFFF", sum)
	}
}
