//go:build !unix

package someip

import "net"

// reuseportListenUDP falls back to a plain bind on platforms without
// SO_REUSEPORT (golang.org/x/sys/unix is unix-only); see
// iface_reuseport_unix.go for the real implementation.
func reuseportListenUDP(network string, laddr *net.UDPAddr) (*net.UDPConn, error) {
	return net.ListenUDP(network, laddr)
}
