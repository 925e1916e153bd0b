package lisp

// Packet view and outer header builders (component B).
//
// Grounded on internal/netio/overlay_inner.go's BuildInnerPacket /
// ipv4HeaderChecksum (manual byte-offset header assembly into a freshly
// allocated buffer, RFC 1071 checksum fold) and internal/bfd/packet.go's
// zero-copy-parse style (the view references the caller's buffer, never
// copies). original_source/lispd/lispd_output.c always computes the
// outer IPv4 checksum before handing the buffer to the kernel; this file
// does the same rather than relying on raw-socket checksum offload,
// resolving the open question recorded in DESIGN.md.

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	// OuterIPv4Size is the fixed outer IPv4 header size (no options).
	OuterIPv4Size = 20

	// OuterUDPSize is the outer UDP header size.
	OuterUDPSize = 8

	// LISPShimSize is the LISP data-header shim size.
	LISPShimSize = 8

	// OuterHeadersSize is the total prepended overhead for an
	// encapsulated packet: IPv4(20) + UDP(8) + LISP shim(8) = 36 bytes.
	OuterHeadersSize = OuterIPv4Size + OuterUDPSize + LISPShimSize

	// PortControl is the LISP control-plane UDP port (Map-Request/Reply).
	PortControl uint16 = 4342

	// PortData is the LISP data-plane UDP port (encapsulated traffic).
	PortData uint16 = 4341

	ipv4VersionIHL uint8 = 0x45 // version=4, ihl=5 (no options)
	protoUDP       uint8 = 17
)

// -------------------------------------------------------------------------
// PacketView — zero-copy parse of the outer L3/L4 headers
// -------------------------------------------------------------------------

// PacketView is a zero-copy view over an immutable byte slice holding an
// IPv4 or IPv6 packet. It does not copy the buffer and must not outlive
// it -- the caller owns the buffer's lifetime.
type PacketView struct {
	buf []byte
}

// ParsePacketView parses the L3 header of buf without copying. Fails with
// ErrPacketTooShort if buf is shorter than the minimum header for its
// declared IP version, or ErrUnsupportedFamily if the version nibble is
// neither 4 nor 6.
func ParsePacketView(buf []byte) (PacketView, error) {
	if len(buf) < 1 {
		return PacketView{}, fmt.Errorf("parse packet view: empty buffer: %w", ErrPacketTooShort)
	}

	version := buf[0] >> 4
	switch version {
	case 4:
		if len(buf) < OuterIPv4Size {
			return PacketView{}, fmt.Errorf(
				"parse packet view: %d bytes, need %d for IPv4: %w",
				len(buf), OuterIPv4Size, ErrPacketTooShort)
		}
	case 6:
		const ipv6HeaderSize = 40
		if len(buf) < ipv6HeaderSize {
			return PacketView{}, fmt.Errorf(
				"parse packet view: %d bytes, need %d for IPv6: %w",
				len(buf), ipv6HeaderSize, ErrPacketTooShort)
		}
	default:
		return PacketView{}, fmt.Errorf("parse packet view: IP version %d: %w", version, ErrUnsupportedFamily)
	}

	return PacketView{buf: buf}, nil
}

// Version returns 4 or 6.
func (v PacketView) Version() uint8 {
	return v.buf[0] >> 4
}

// IsIPv4 reports whether the view is over an IPv4 packet.
func (v PacketView) IsIPv4() bool {
	return v.Version() == 4
}

// SourceAddress returns the packet's source address.
func (v PacketView) SourceAddress() netip.Addr {
	if v.IsIPv4() {
		var b [4]byte
		copy(b[:], v.buf[12:16])
		return netip.AddrFrom4(b)
	}
	var b [16]byte
	copy(b[:], v.buf[8:24])
	return netip.AddrFrom16(b)
}

// DestinationAddress returns the packet's destination address.
func (v PacketView) DestinationAddress() netip.Addr {
	if v.IsIPv4() {
		var b [4]byte
		copy(b[:], v.buf[16:20])
		return netip.AddrFrom4(b)
	}
	var b [16]byte
	copy(b[:], v.buf[24:40])
	return netip.AddrFrom16(b)
}

// L4Protocol returns the IP protocol number (IPv4 Protocol field / IPv6
// Next Header, ignoring extension headers -- the core never needs to
// walk an IPv6 extension chain since IPv6 outer is an unimplemented
// extension point and IPv6 is only ever seen as an inner/native packet).
func (v PacketView) L4Protocol() uint8 {
	if v.IsIPv4() {
		return v.buf[9]
	}
	return v.buf[6]
}

// TOS returns the IPv4 Type-of-Service / IPv6 Traffic Class octet, used
// to copy tos/ttl from the inner header into the outer header per
// spec component B step 1.
func (v PacketView) TOS() uint8 {
	if v.IsIPv4() {
		return v.buf[1]
	}
	return (v.buf[0]<<4 | v.buf[1]>>4)
}

// TTL returns the IPv4 TTL / IPv6 Hop Limit.
func (v PacketView) TTL() uint8 {
	if v.IsIPv4() {
		return v.buf[8]
	}
	return v.buf[7]
}

// L4Offset returns the byte offset of the L4 header: 20 for an
// options-free IPv4 header (IHL=5, the only form this core constructs
// or expects from a host tun device), 40 for IPv6.
func (v PacketView) L4Offset() int {
	if v.IsIPv4() {
		ihl := int(v.buf[0] & 0x0F)
		return ihl * 4
	}
	return 40
}

// L4Bytes returns the byte slice from L4Offset to the end of the buffer.
func (v PacketView) L4Bytes() []byte {
	off := v.L4Offset()
	if off > len(v.buf) {
		return nil
	}
	return v.buf[off:]
}

// udpPorts reads the first four bytes of the L4 payload as the source
// and destination ports of a UDP-shaped header. The caller must have already checked
// L4Protocol() == UDP; on any other protocol these are meaningless but
// harmless (no further bytes are read).
func (v PacketView) udpPorts() (src, dst uint16, ok bool) {
	l4 := v.L4Bytes()
	if len(l4) < 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(l4[0:2]), binary.BigEndian.Uint16(l4[2:4]), true
}

// Bytes returns the full underlying buffer (not a copy).
func (v PacketView) Bytes() []byte {
	return v.buf
}

// -------------------------------------------------------------------------
// LISP shim header
// -------------------------------------------------------------------------

// ShimFlags holds the LISP data-header flag bits (byte 0 of the shim).
// For the egress data path only I (instance-id present) is ever set; N,
// L, E, V are reserved for features this core does not implement.
type ShimFlags struct {
	N bool // nonce present
	L bool // locator-status-bits present
	E bool // echo-nonce request
	V bool // map-version present
	I bool // instance-id present
}

func (f ShimFlags) byte0() byte {
	var b byte
	if f.N {
		b |= 1 << 7
	}
	if f.L {
		b |= 1 << 6
	}
	if f.E {
		b |= 1 << 5
	}
	if f.V {
		b |= 1 << 4
	}
	if f.I {
		b |= 1 << 3
	}
	return b
}

// -------------------------------------------------------------------------
// BuildOuterHeaders — outer IPv4 + UDP + LISP shim encapsulation
// -------------------------------------------------------------------------

// OuterHeaderParams carries the per-packet values the egress decision
// engine supplies to the header builder; everything else in the wire
// format is fixed.
type OuterHeaderParams struct {
	OuterSrc   netip.Addr
	OuterDst   netip.Addr
	SrcPort    uint16
	DstPort    uint16
	InstanceID uint32 // 24-bit; high byte ignored
	TOS        uint8  // copied from inner header
	TTL        uint8  // copied from inner header
}

// BuildOuterHeaders allocates a fresh contiguous buffer of size
// OuterHeadersSize+len(original) and writes, in order: the outer IPv4
// header (offset 0), the outer UDP header (offset 20), the LISP shim
// (offset 28), then a verbatim copy of original (offset 36).
//
// Only IPv4 outer is implemented; IPv6 outer returns
// ErrUnsupportedFamily (a named extension point, see DESIGN.md open
// questions).
//
// The outer IPv4 checksum is always computed (RFC 1071), never left for
// the kernel to fill in -- see DESIGN.md's open-question resolution.
func BuildOuterHeaders(original []byte, p OuterHeaderParams) ([]byte, error) {
	if !p.OuterSrc.Is4() || !p.OuterDst.Is4() {
		return nil, fmt.Errorf("build outer headers: ipv6 outer: %w", ErrUnsupportedFamily)
	}
	if p.OuterSrc.Is4In6() || p.OuterDst.Is4In6() {
		return nil, fmt.Errorf("build outer headers: %w", ErrFamilyMismatch)
	}

	totalLen := OuterHeadersSize + len(original)
	if totalLen > 0xFFFF {
		return nil, fmt.Errorf("build outer headers: total length %d exceeds uint16: %w", totalLen, ErrAllocationFailure)
	}

	buf := make([]byte, totalLen)
	writeOuterIPv4(buf[0:OuterIPv4Size], p, totalLen)
	writeOuterUDP(buf[OuterIPv4Size:OuterIPv4Size+OuterUDPSize], p, len(original))
	writeLISPShim(buf[OuterIPv4Size+OuterUDPSize:OuterHeadersSize], p.InstanceID)
	copy(buf[OuterHeadersSize:], original)

	return buf, nil
}

func writeOuterIPv4(hdr []byte, p OuterHeaderParams, totalLen int) {
	hdr[0] = ipv4VersionIHL
	hdr[1] = p.TOS
	binary.BigEndian.PutUint16(hdr[2:4], uint16(totalLen)) //nolint:gosec // bounded above
	binary.BigEndian.PutUint16(hdr[4:6], 0)                // identification: no fragmentation tracked
	binary.BigEndian.PutUint16(hdr[6:8], 0)                // flags/fragment offset: none (path MTU delegated to underlay)
	hdr[8] = p.TTL
	hdr[9] = protoUDP
	hdr[10] = 0
	hdr[11] = 0
	src4 := p.OuterSrc.As4()
	dst4 := p.OuterDst.As4()
	copy(hdr[12:16], src4[:])
	copy(hdr[16:20], dst4[:])

	csum := ipv4HeaderChecksum(hdr)
	binary.BigEndian.PutUint16(hdr[10:12], csum)
}

func writeOuterUDP(hdr []byte, p OuterHeaderParams, innerLen int) {
	udpLen := OuterUDPSize + LISPShimSize + innerLen
	binary.BigEndian.PutUint16(hdr[0:2], p.SrcPort)
	binary.BigEndian.PutUint16(hdr[2:4], p.DstPort)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(udpLen)) //nolint:gosec // bounded by caller's totalLen check
	binary.BigEndian.PutUint16(hdr[6:8], 0)               // checksum=0: permitted on the LISP data plane
}

func writeLISPShim(hdr []byte, iid uint32) {
	flags := ShimFlags{I: true}
	hdr[0] = flags.byte0()
	hdr[1], hdr[2], hdr[3] = 0, 0, 0 // nonce/reserved: unused on the data path (N=0)
	hdr[4] = byte(iid >> 16)
	hdr[5] = byte(iid >> 8)
	hdr[6] = byte(iid)
	hdr[7] = 0 // locator-status-bits: unused (L=0)
}

// ipv4HeaderChecksum computes the IPv4 header checksum per RFC 1071.
// hdr must be exactly 20 bytes with the checksum field zeroed.
func ipv4HeaderChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i < len(hdr)-1; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum) //nolint:gosec // intentional truncation after fold
}

// LISPOnLISP reports whether the given L4 protocol/ports indicate the
// packet is already LISP-encapsulated traffic (control or data port on
// either side), per engine step 3. Avoids recursive encapsulation.
func LISPOnLISP(v PacketView) bool {
	if v.L4Protocol() != protoUDP {
		return false
	}
	src, dst, ok := v.udpPorts()
	if !ok {
		return false
	}
	return src == PortControl || dst == PortControl || src == PortData || dst == PortData
}
