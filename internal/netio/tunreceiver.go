package netio

import (
	"context"
	"log/slog"
)

// EgressSender is the upward collaborator a TUNReceiver feeds: normally
// *lisp.Engine.Send. Kept as a narrow interface rather than importing
// internal/lisp directly, the same decoupling internal/bfd's Demuxer
// draws for its own upward collaborator.
type EgressSender interface {
	Send(ctx context.Context, pkt []byte) error
}

// tunReadBufSize is large enough for any single IPv4/IPv6 packet a tun
// device with default MTU hands back; oversized reads are truncated by
// the kernel, never blocked.
const tunReadBufSize = 65536

// TUNReceiver reads packets off a TUNDevice and feeds them to an
// EgressSender, one at a time, until ctx is cancelled. Grounded on
// Receiver's recvLoop/recvOne split, specialized to a single tun
// interface instead of a set of UDP listeners.
type TUNReceiver struct {
	sender EgressSender
	logger *slog.Logger
}

// NewTUNReceiver creates a TUNReceiver that hands every packet it reads
// to sender.
func NewTUNReceiver(sender EgressSender, logger *slog.Logger) *TUNReceiver {
	return &TUNReceiver{
		sender: sender,
		logger: logger.With(slog.String("component", "netio.tunreceiver")),
	}
}

// Run reads from dev in a loop until ctx is cancelled. A goroutine closes
// dev when ctx.Done fires, which unblocks the in-flight Read the same
// way closing a net.Conn unblocks a blocked read.
func (r *TUNReceiver) Run(ctx context.Context, dev *TUNDevice) error {
	closed := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = dev.Close()
		close(closed)
	}()

	buf := make([]byte, tunReadBufSize)
	for {
		n, err := dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				<-closed
				return nil
			}
			r.logger.Warn("tun read error", slog.String("error", err.Error()))
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		if err := r.sender.Send(ctx, pkt); err != nil {
			r.logger.Warn("egress send failed", slog.String("error", err.Error()))
		}
	}
}
