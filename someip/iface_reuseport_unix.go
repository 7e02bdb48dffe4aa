//go:build unix

package someip

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseportListenUDP opens a UDP socket with SO_REUSEADDR and, where the
// platform supports it, SO_REUSEPORT set before bind. Multiple Iface SD
// sockets (and other SOME/IP stacks on the same host) can then share one
// multicast port.
func reuseportListenUDP(network string, laddr *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
					_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
					ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			// SO_REUSEPORT is best-effort: some kernels/sandboxes reject it
			// even though the constant exists. SO_REUSEADDR alone is
			// enough for this runtime's correctness, so don't fail bind.
			_ = ctrlErr
			return nil
		},
	}
	pc, err := lc.ListenPacket(context.Background(), network, laddr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
