// Package netio provides the tun device and raw underlay socket I/O the
// egress data plane reads packets from and writes packets to.
//
// The Linux implementation uses golang.org/x/sys/unix for the tun device
// ioctls and golang.org/x/net/ipv4 plus golang.org/x/sys/unix for the
// IP_HDRINCL raw sockets the encapsulated and native write paths share.
package netio
