package someip

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// IfaceConfig describes one configured network interface: its unicast
// endpoints and the SD multicast group it participates in.
type IfaceConfig struct {
	Name string
	DeviceName string // OS interface name, e.g. "eth0"; empty selects the default
	UnicastV4 *Endpoint
	UnicastV6 *Endpoint
	TCPListenV4 *Endpoint
	TCPListenV6 *Endpoint
	SDGroupV4 Endpoint // multicast group + port, e.g. 224.0.0.1:30490
	SDGroupV6 Endpoint // multicast group + port, e.g. [ff02::1]:30490
	MulticastTTL int // multicast TTL (v4) and hop limit (v6); <= 0 means 1
}

// Iface owns every socket bound for one configured network interface: the
// unicast UDP/TCP transport sockets and the SD multicast sockets. Bound
// ephemeral ports are cached so cyclic Offer entries can advertise the
// actual port.
type Iface struct {
	cfg IfaceConfig
	log Logger

	udp4, udp6 *net.UDPConn
	tcp4, tcp6 *net.TCPListener
	sd4, sd6 *net.UDPConn
	pc4 *ipv4.PacketConn
	pc6 *ipv6.PacketConn

	osIface *net.Interface

	boundPorts map[string]uint16
}

// OpenIface binds every socket described by cfg and joins the SD multicast
// groups. On any failure it closes whatever it already opened and returns a
// BindError/SocketError; these are fatal at construction time.
func OpenIface(cfg IfaceConfig, log Logger) (*Iface, error) {
	if log == nil {
		log = NopLogger()
	}
	ifc := &Iface{cfg: cfg, log: log, boundPorts: make(map[string]uint16)}

	if cfg.DeviceName != "" {
		osIf, err := net.InterfaceByName(cfg.DeviceName)
		if err != nil {
			return nil, newBindError("interface "+cfg.DeviceName, err)
		}
		ifc.osIface = osIf
	}

	var err error
	defer func() {
		if err != nil {
			ifc.Close()
		}
	}()

	if cfg.UnicastV4 != nil {
		ifc.udp4, err = bindUDP(*cfg.UnicastV4)
		if err != nil {
			return nil, err
		}
		ifc.recordBoundPort("unicast_v4", ifc.udp4.LocalAddr())
	}
	if cfg.UnicastV6 != nil {
		ifc.udp6, err = bindUDP(*cfg.UnicastV6)
		if err != nil {
			return nil, err
		}
		ifc.recordBoundPort("unicast_v6", ifc.udp6.LocalAddr())
	}
	if cfg.TCPListenV4 != nil {
		ifc.tcp4, err = bindTCP(*cfg.TCPListenV4)
		if err != nil {
			return nil, err
		}
		ifc.recordBoundPort("tcp_v4", ifc.tcp4.Addr())
	}
	if cfg.TCPListenV6 != nil {
		ifc.tcp6, err = bindTCP(*cfg.TCPListenV6)
		if err != nil {
			return nil, err
		}
		ifc.recordBoundPort("tcp_v6", ifc.tcp6.Addr())
	}

	if cfg.SDGroupV4.IP != nil {
		ifc.sd4, ifc.pc4, err = openSDv4(cfg.SDGroupV4, ifc.osIface, cfg.MulticastTTL)
		if err != nil {
			return nil, err
		}
	}
	if cfg.SDGroupV6.IP != nil {
		ifc.sd6, ifc.pc6, err = openSDv6(cfg.SDGroupV6, ifc.osIface, cfg.MulticastTTL)
		if err != nil {
			return nil, err
		}
	}

	log.Infof("iface %s: opened (v4=%v v6=%v tcp4=%v tcp6=%v sd4=%v sd6=%v)",
		cfg.Name, ifc.udp4 != nil, ifc.udp6 != nil, ifc.tcp4 != nil, ifc.tcp6 != nil, ifc.sd4 != nil, ifc.sd6 != nil)
	return ifc, nil
}

func (ifc *Iface) recordBoundPort(name string, addr net.Addr) {
	switch a := addr.(type) {
		case *net.UDPAddr:
		ifc.boundPorts[name] = uint16(a.Port)
		case *net.TCPAddr:
		ifc.boundPorts[name] = uint16(a.Port)
	}
}

// BoundPort returns the actual bound port for a named local socket
// ("unicast_v4", "unicast_v6", "tcp_v4", "tcp_v6"), resolving ephemeral
// (port 0) configuration to the OS-assigned value.
func (ifc *Iface) BoundPort(name string) (uint16, bool) {
	p, ok := ifc.boundPorts[name]
	return p, ok
}

// Name returns the configured interface name.
func (ifc *Iface) Name() string { return ifc.cfg.Name }

// UDPConn returns the unicast UDP socket for the given IP family (v6 true
// for IPv6, false for IPv4), or nil if none was configured.
func (ifc *Iface) UDPConn(v6 bool) *net.UDPConn {
	if v6 {
		return ifc.udp6
	}
	return ifc.udp4
}

// TCPListener returns the TCP listener for the given IP family, or nil.
func (ifc *Iface) TCPListener(v6 bool) *net.TCPListener {
	if v6 {
		return ifc.tcp6
	}
	return ifc.tcp4
}

// SDConn returns the SD multicast socket for the given IP family, or nil.
func (ifc *Iface) SDConn(v6 bool) *net.UDPConn {
	if v6 {
		return ifc.sd6
	}
	return ifc.sd4
}

// SDGroup returns the configured multicast group+port for the given family.
func (ifc *Iface) SDGroup(v6 bool) Endpoint {
	if v6 {
		return ifc.cfg.SDGroupV6
	}
	return ifc.cfg.SDGroupV4
}

// Close releases every socket owned by this interface context. Safe to call
// on a partially-opened Iface.
func (ifc *Iface) Close() {
	for _, c := range []interface{ Close() error }{ifc.udp4, ifc.udp6, ifc.tcp4, ifc.tcp6, ifc.sd4, ifc.sd6} {
		if c == nil || isNilInterfaceValue(c) {
			continue
		}
		_ = c.Close()
	}
}

// isNilInterfaceValue guards against the classic "non-nil interface wrapping
// a nil pointer" footgun when closers are collected into an interface slice.
func isNilInterfaceValue(c interface{ Close() error }) bool {
	switch v := c.(type) {
		case *net.UDPConn:
		return v == nil
		case *net.TCPListener:
		return v == nil
	}
	return false
}

func bindUDP(ep Endpoint) (*net.UDPConn, error) {
	network := "udp4"
	if ep.IsIPv6() {
		network = "udp6"
	}
	addr := &net.UDPAddr{IP: ep.IP, Port: int(ep.Port)}
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, newBindError(fmt.Sprintf("udp %s", addr), err)
	}
	return conn, nil
}

func bindTCP(ep Endpoint) (*net.TCPListener, error) {
	network := "tcp4"
	if ep.IsIPv6() {
		network = "tcp6"
	}
	addr := &net.TCPAddr{IP: ep.IP, Port: int(ep.Port)}
	ln, err := net.ListenTCP(network, addr)
	if err != nil {
		return nil, newBindError(fmt.Sprintf("tcp %s", addr), err)
	}
	return ln, nil
}

// openSDv4 binds the IPv4 SD socket with SO_REUSEADDR/SO_REUSEPORT (via
// reuseportListenConfig), joins the multicast group on osIf, and configures
// TTL and loopback. Binding to the wildcard address rather than the group
// or the unicast address is this runtime's chosen platform policy: it
// receives multicast on every interface uniformly and relies on
// JoinGroup + SetMulticastInterface to pin the send side, which avoids the
// "bind to unicast blocks multicast" failure mode without resorting to
// per-OS bind-to-device code.
func openSDv4(group Endpoint, osIf *net.Interface, ttl int) (*net.UDPConn, *ipv4.PacketConn, error) {
	conn, err := reuseportListenUDP("udp4", &net.UDPAddr{Port: int(group.Port)})
	if err != nil {
		return nil, nil, newBindError(fmt.Sprintf("sd udp4:%d", group.Port), err)
	}

	pc := ipv4.NewPacketConn(conn)
	groupAddr := &net.UDPAddr{IP: group.IP}
	if err := pc.JoinGroup(osIf, groupAddr); err != nil {
		conn.Close()
		return nil, nil, newSocketError("join ipv4 multicast group "+group.IP.String(), err)
	}
	if osIf != nil {
		if err := pc.SetMulticastInterface(osIf); err != nil {
			conn.Close()
			return nil, nil, newSocketError("set ipv4 multicast interface", err)
		}
	}
	if ttl <= 0 {
		ttl = 1
	}
	if err := pc.SetMulticastTTL(ttl); err != nil {
		conn.Close()
		return nil, nil, newSocketError("set ipv4 multicast ttl", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, nil, newSocketError("set ipv4 multicast loopback", err)
	}
	return conn, pc, nil
}

// openSDv6 is openSDv4's IPv6 analogue (hop limit in place of TTL).
func openSDv6(group Endpoint, osIf *net.Interface, hops int) (*net.UDPConn, *ipv6.PacketConn, error) {
	conn, err := reuseportListenUDP("udp6", &net.UDPAddr{Port: int(group.Port)})
	if err != nil {
		return nil, nil, newBindError(fmt.Sprintf("sd udp6:%d", group.Port), err)
	}

	pc := ipv6.NewPacketConn(conn)
	groupAddr := &net.UDPAddr{IP: group.IP}
	if err := pc.JoinGroup(osIf, groupAddr); err != nil {
		conn.Close()
		return nil, nil, newSocketError("join ipv6 multicast group "+group.IP.String(), err)
	}
	if osIf != nil {
		if err := pc.SetMulticastInterface(osIf); err != nil {
			conn.Close()
			return nil, nil, newSocketError("set ipv6 multicast interface", err)
		}
	}
	if hops <= 0 {
		hops = 1
	}
	if err := pc.SetMulticastHopLimit(hops); err != nil {
		conn.Close()
		return nil, nil, newSocketError("set ipv6 multicast hop limit", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, nil, newSocketError("set ipv6 multicast loopback", err)
	}
	return conn, pc, nil
}
