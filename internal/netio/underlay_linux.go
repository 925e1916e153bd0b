//go:build linux

package netio

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// RawUnderlay — header-included raw sockets for the egress engine
// -------------------------------------------------------------------------

// RawUnderlay implements lisp.Underlay with one header-included raw
// socket per address family. Every write, native or encapsulated,
// already carries a complete IP header (the encapsulated case from
// BuildOuterHeaders, the native case unchanged from what the tun device
// handed us), so both paths share the same per-family write path: the
// destination is read back out of the buffer's own header rather than
// threaded through separately.
//
// IPv4 goes through golang.org/x/net/ipv4's RawConn, which parses the
// header out of the buffer and writes it with IP_HDRINCL semantics
// without us tracking sockopt state by hand. IPv6 has no equivalent
// header-parsing helper in the same package, so it keeps the teacher's
// direct golang.org/x/sys/unix SOCK_RAW/IPPROTO_RAW style from
// rawsock_linux.go.
type RawUnderlay struct {
	v4src netip.Addr
	v6src netip.Addr

	mu    sync.Mutex
	rawV4 *ipv4.RawConn
	okV4  bool
	fd6   int
	ok6   bool
}

// NewRawUnderlay opens the raw sockets needed for the configured source
// addresses. A family whose source address is invalid (not configured)
// gets no socket; writes for that family return an error.
func NewRawUnderlay(v4src, v6src netip.Addr) (*RawUnderlay, error) {
	u := &RawUnderlay{v4src: v4src, v6src: v6src}

	if v4src.IsValid() {
		// The protocol number named here only affects which inbound
		// packets this socket would receive; since RawUnderlay never
		// reads, any IANA protocol number works. UDP (17) documents
		// the dominant case: LISP data packets are UDP-encapsulated.
		pc, err := net.ListenPacket("ip4:17", "0.0.0.0")
		if err != nil {
			return nil, fmt.Errorf("listen ipv4 raw packet conn: %w", err)
		}
		rawV4, err := ipv4.NewRawConn(pc)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("new ipv4 raw conn: %w", err)
		}
		u.rawV4, u.okV4 = rawV4, true
	}

	if v6src.IsValid() {
		fd, err := openHDRINCLSocket(unix.AF_INET6)
		if err != nil {
			if u.okV4 {
				_ = u.rawV4.Close()
			}
			return nil, fmt.Errorf("open ipv6 raw socket: %w", err)
		}
		u.fd6, u.ok6 = fd, true
	}

	return u, nil
}

// openHDRINCLSocket creates a SOCK_RAW/IPPROTO_RAW socket with IP_HDRINCL
// set (IPv4) or bare (IPv6, which has no equivalent sockopt: the header
// supplied in each write is simply the packet on the wire).
func openHDRINCLSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return 0, fmt.Errorf("socket: %w", err)
	}
	if family == unix.AF_INET {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
			_ = unix.Close(fd)
			return 0, fmt.Errorf("set IP_HDRINCL: %w", err)
		}
	}
	return fd, nil
}

// WriteNative sends buf -- an unmodified packet read from the tun device
// -- out the raw socket for its own family, destination taken from the
// packet's own header.
func (u *RawUnderlay) WriteNative(ctx context.Context, buf []byte, is4 bool) error {
	return u.writeRaw(ctx, buf, is4)
}

// WriteEncapsulated sends buf -- a BuildOuterHeaders result -- out the
// raw socket the same way; the outer header IS the packet's header.
func (u *RawUnderlay) WriteEncapsulated(ctx context.Context, buf []byte, is4 bool) error {
	return u.writeRaw(ctx, buf, is4)
}

func (u *RawUnderlay) writeRaw(ctx context.Context, buf []byte, is4 bool) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write raw: %w", err)
	}

	if is4 {
		return u.writeRawV4(buf)
	}
	return u.writeRawV6(buf)
}

func (u *RawUnderlay) writeRawV4(buf []byte) error {
	u.mu.Lock()
	conn, ok := u.rawV4, u.okV4
	u.mu.Unlock()

	if !ok {
		return fmt.Errorf("write raw: no ipv4 socket configured")
	}

	h, err := ipv4.ParseHeader(buf)
	if err != nil {
		return fmt.Errorf("parse ipv4 header: %w", err)
	}
	if h.Len > len(buf) {
		return fmt.Errorf("ipv4 header length %d exceeds buffer %d", h.Len, len(buf))
	}

	if err := conn.WriteTo(h, buf[h.Len:], nil); err != nil {
		return fmt.Errorf("write ipv4 raw packet to %s: %w", h.Dst, err)
	}
	return nil
}

func (u *RawUnderlay) writeRawV6(buf []byte) error {
	u.mu.Lock()
	fd, ok := u.fd6, u.ok6
	u.mu.Unlock()

	if !ok {
		return fmt.Errorf("write raw: no ipv6 socket configured")
	}

	dst, err := destinationOfV6(buf)
	if err != nil {
		return fmt.Errorf("write raw: %w", err)
	}

	sa := &unix.SockaddrInet6{Addr: dst.As16()}
	if err := unix.Sendto(fd, buf, 0, sa); err != nil {
		return fmt.Errorf("sendto %s: %w", dst, err)
	}
	return nil
}

// destinationOfV6 reads the destination address directly out of an
// IPv6 header at the front of buf.
func destinationOfV6(buf []byte) (netip.Addr, error) {
	if len(buf) < 40 {
		return netip.Addr{}, fmt.Errorf("ipv6 header truncated: %d bytes", len(buf))
	}
	return netip.AddrFrom16([16]byte(buf[24:40])), nil
}

// InterfaceAddr returns the configured outbound source address for the
// given family.
func (u *RawUnderlay) InterfaceAddr(is4 bool) (netip.Addr, bool) {
	if is4 {
		return u.v4src, u.v4src.IsValid()
	}
	return u.v6src, u.v6src.IsValid()
}

// Close releases both raw sockets.
func (u *RawUnderlay) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	var err error
	if u.okV4 {
		if cerr := u.rawV4.Close(); cerr != nil {
			err = fmt.Errorf("close ipv4 raw conn: %w", cerr)
		}
		u.okV4 = false
	}
	if u.ok6 {
		if cerr := unix.Close(u.fd6); cerr != nil {
			err = fmt.Errorf("close ipv6 raw socket: %w", cerr)
		}
		u.ok6 = false
	}
	return err
}
