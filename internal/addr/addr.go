// Package addr defines the canonical TcpAddress type and the pluggable
// Connect capability used to dial outbound connections. Canonical addresses
// are built on sagernet/sing's metadata.Socksaddr, so SOCKS, packet-capture,
// and outbound dialing all speak one address representation.
package addr

import (
	"context"
	"net"
	"net/netip"

	M "github.com/sagernet/sing/common/metadata"
)

// TcpAddress is a canonical destination: a hostname or IP plus a port.
// Equality is structural and it is safe to use as a filter-set map key.
type TcpAddress struct {
	sock M.Socksaddr
}

// NewTcpAddressHost builds a TcpAddress from a hostname and port.
func NewTcpAddressHost(host string, port uint16) TcpAddress {
	return TcpAddress{sock: M.Socksaddr{Fqdn: host, Port: port}}
}

// NewTcpAddressIP builds a TcpAddress from an IP and port.
func NewTcpAddressIP(ip net.IP, port uint16) TcpAddress {
	addr, _ := netip.AddrFromSlice(ip.To16())
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return TcpAddress{sock: M.SocksaddrFrom(addr, port)}
}

// ParseTcpAddress parses a "host:port" string (IPv4, bracketed IPv6, or
// hostname) into a TcpAddress.
func ParseTcpAddress(hostport string) (TcpAddress, error) {
	sock := M.ParseSocksaddr(hostport)
	if sock.Port == 0 && sock.Fqdn == "" && !sock.Addr.IsValid() {
		return TcpAddress{}, &net.AddrError{Err: "invalid address", Addr: hostport}
	}
	return TcpAddress{sock: sock}, nil
}

// Host returns the literal host part: either the hostname or the textual IP.
func (a TcpAddress) Host() string {
	if a.sock.Fqdn != "" {
		return a.sock.Fqdn
	}
	return a.sock.Addr.String()
}

// Port returns the destination port.
func (a TcpAddress) Port() uint16 { return a.sock.Port }

// IsDomain reports whether the address carries a hostname rather than a
// literal IP.
func (a TcpAddress) IsDomain() bool { return a.sock.Fqdn != "" }

// String renders "host:port", bracketing IPv6 literals.
func (a TcpAddress) String() string { return a.sock.String() }

// Equal reports structural equality, usable as a filter-set key comparison.
func (a TcpAddress) Equal(b TcpAddress) bool {
	return a.sock == b.sock
}

// Socksaddr exposes the underlying sing metadata address for callers that
// dial through sing-shaped interfaces.
func (a TcpAddress) Socksaddr() M.Socksaddr { return a.sock }

// DestinationAddress is the capability an ingress hands to callers: it
// exposes the canonical address the client declared as its target, without
// exposing ingress-specific accept/reject mechanics (those live on the
// Incoming handle itself).
type DestinationAddress interface {
	TcpAddress() TcpAddress
}

// Connect dials an outbound connection to destination. The default
// implementation resolves and opens a TCP socket; alternate implementations
// (transparent redirect, tunnel-through-existing-connection) plug in without
// touching callers.
type Connect interface {
	Connect(ctx context.Context, destination TcpAddress) (net.Conn, error)
}

// DirectConnect is the default Connect: a plain TCP dial to the resolved
// destination address.
type DirectConnect struct {
	Dialer net.Dialer
}

func (d *DirectConnect) Connect(ctx context.Context, destination TcpAddress) (net.Conn, error) {
	return d.Dialer.DialContext(ctx, "tcp", destination.String())
}

// TransparentConnect is meant to dial the original destination a kernel
// iptables/nft redirect already captured (via Linux's SO_ORIGINAL_DST socket
// option read off the inbound connection), rather than re-resolving the
// declared address. It currently behaves exactly like DirectConnect:
// SO_ORIGINAL_DST is not implemented, and this Connect interface — dial
// ctx plus a destination TcpAddress value — has no access to the inbound
// socket's file descriptor that the syscall needs, so adding it requires
// widening the interface before it can do anything other than what
// DirectConnect already does.
type TransparentConnect struct {
	Dialer net.Dialer
}

func (t *TransparentConnect) Connect(ctx context.Context, destination TcpAddress) (net.Conn, error) {
	return t.Dialer.DialContext(ctx, "tcp", destination.String())
}

// TunnelConnect routes outbound dials through an already-established tunnel
// connection factory (e.g. a SOCKS5 upstream, or a virtual-network peer),
// instead of opening a fresh kernel socket per destination.
type TunnelConnect struct {
	Dial func(ctx context.Context, destination TcpAddress) (net.Conn, error)
}

func (t *TunnelConnect) Connect(ctx context.Context, destination TcpAddress) (net.Conn, error) {
	return t.Dial(ctx, destination)
}
