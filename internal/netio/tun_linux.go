//go:build linux

package netio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// TUNDevice — native-side ingress for the egress engine
// -------------------------------------------------------------------------

// TUNDevice is a Linux TUN (layer-3, no packet info) network interface.
// Reads return a single IPv4 or IPv6 packet as the kernel routed it
// toward the interface; writes inject a packet back toward the kernel's
// routing stack, the same shape the teacher's LinuxPacketConn gives for
// UDP sockets but for a point-to-point tun rather than a 5-tuple.
type TUNDevice struct {
	file *os.File
	name string
}

// tunDevicePath is the Linux TUN/TAP clone device every tun interface is
// created through.
const tunDevicePath = "/dev/net/tun"

// OpenTUN creates or attaches to a TUN interface named ifName (IFF_TUN,
// IFF_NO_PI: no 4-byte packet-info prefix on each read/write, so buf in
// Read/Write is exactly wire-format bytes).
func OpenTUN(ifName string) (*TUNDevice, error) {
	fd, err := unix.Open(tunDevicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tunDevicePath, err)
	}

	var req unix.Ifreq
	req.SetName(ifName)
	req.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, &req); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", ifName, err)
	}

	return &TUNDevice{
		file: os.NewFile(uintptr(fd), tunDevicePath),
		name: req.Name(),
	}, nil
}

// Name returns the kernel-assigned interface name (may differ from the
// requested name, e.g. when ifName was empty and the kernel picked
// tunN).
func (d *TUNDevice) Name() string {
	return d.name
}

// Read blocks until one packet is available and copies it into buf.
func (d *TUNDevice) Read(buf []byte) (int, error) {
	n, err := d.file.Read(buf)
	if err != nil {
		return n, fmt.Errorf("read from tun %s: %w", d.name, err)
	}
	return n, nil
}

// Write injects buf as a single packet back into the kernel's routing
// stack for this interface.
func (d *TUNDevice) Write(buf []byte) error {
	if _, err := d.file.Write(buf); err != nil {
		return fmt.Errorf("write to tun %s: %w", d.name, err)
	}
	return nil
}

// Close releases the tun file descriptor. The interface itself persists
// until explicitly removed (e.g. by `ip link del`) unless it was created
// with IFF_PERSIST unset, the default here.
func (d *TUNDevice) Close() error {
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("close tun %s: %w", d.name, err)
	}
	return nil
}
