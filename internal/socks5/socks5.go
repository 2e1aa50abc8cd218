// Package socks5 implements the RFC 1928 no-authentication subset needed for
// CMD=CONNECT: negotiate no-auth, read the destination address, and hand an
// Incoming handle to the caller for accept/reject. Byte layout grounded on
// other_examples' fsak socks5.go (the header/request field widths match
// RFC 1928 exactly); the accept-loop and per-connection bookkeeping follow
// this codebase's forward-proxy connection tracking. Wire reads/writes go
// through internal/wire rather than raw io.ReadFull/encoding/binary calls.
package socks5

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/skunkproxy/skunk/internal/addr"
	"github.com/skunkproxy/skunk/internal/errorsx"
	"github.com/skunkproxy/skunk/internal/logging"
	"github.com/skunkproxy/skunk/internal/wire"
)

const (
	ver5 = 0x05

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	methodNoAuth    = 0x00
	methodNoneAcceptable = 0xFF

	repSuccess           = 0x00
	repCommandNotSupported = 0x07
)

// RejectReason maps to a SOCKS5 REP code sent on Incoming.Reject.
type RejectReason byte

const (
	RejectGeneralFailure     RejectReason = 0x01
	RejectNetworkUnreachable RejectReason = 0x03
	RejectHostUnreachable    RejectReason = 0x04
	RejectConnectionRefused  RejectReason = 0x05
)

// Incoming is a SOCKS5 request that has read its destination and is waiting
// for the caller to either Accept or Reject it — exactly one of the two must
// be called.
type Incoming struct {
	conn        net.Conn
	destination addr.TcpAddress

	mu       sync.Mutex
	resolved bool
}

// TcpAddress returns the declared destination, satisfying addr.DestinationAddress.
func (in *Incoming) TcpAddress() addr.TcpAddress { return in.destination }

// ClientSocket returns the raw client connection. Only valid to use for I/O
// after Accept.
func (in *Incoming) ClientSocket() net.Conn { return in.conn }

// Accept sends the SOCKS5 success reply carrying boundAddr as BND.ADDR/PORT
// and returns the now-usable raw client connection.
func (in *Incoming) Accept(boundAddr addr.TcpAddress) (net.Conn, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.resolved {
		return nil, fmt.Errorf("socks5: Incoming already resolved")
	}
	in.resolved = true

	reply, err := encodeReply(repSuccess, boundAddr)
	if err != nil {
		return nil, err
	}
	if _, err := in.conn.Write(reply); err != nil {
		in.conn.Close()
		return nil, errorsx.IO("socks5.accept_write", err)
	}
	return in.conn, nil
}

// Reject sends the reply code for reason and closes the connection.
func (in *Incoming) Reject(reason RejectReason) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.resolved {
		return fmt.Errorf("socks5: Incoming already resolved")
	}
	in.resolved = true
	defer in.conn.Close()

	reply, _ := encodeReply(byte(reason), addr.NewTcpAddressIP(net.IPv4zero, 0))
	_, err := in.conn.Write(reply)
	return err
}

func encodeReply(rep byte, bound addr.TcpAddress) ([]byte, error) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)

	ip := net.ParseIP(bound.Host())
	if err := w.WriteUint8(ver5); err != nil {
		return nil, err
	}
	if err := w.WriteUint8(rep); err != nil {
		return nil, err
	}
	if err := w.WriteUint8(0x00); err != nil {
		return nil, err
	}

	switch {
	case ip == nil:
		if err := w.WriteUint8(atypDomain); err != nil {
			return nil, err
		}
		if err := w.WriteUint8(byte(len(bound.Host()))); err != nil {
			return nil, err
		}
		if err := w.WriteBytes([]byte(bound.Host())); err != nil {
			return nil, err
		}
	case ip.To4() != nil:
		if err := w.WriteUint8(atypIPv4); err != nil {
			return nil, err
		}
		if err := w.WriteBytes(ip.To4()); err != nil {
			return nil, err
		}
	default:
		if err := w.WriteUint8(atypIPv6); err != nil {
			return nil, err
		}
		if err := w.WriteBytes(ip.To16()); err != nil {
			return nil, err
		}
	}

	if err := w.WriteUint16(wire.NetworkEndian, bound.Port()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Server is a cancellable SOCKS5 listener. Each accepted connection is
// handed, after its destination is parsed, to the caller via onIncoming.
type Server struct {
	log *logging.Logger

	listener net.Listener
	wg       sync.WaitGroup
}

// Listen binds bindAddr and returns a Server ready for Serve.
func Listen(bindAddr string) (*Server, error) {
	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, errorsx.IO("socks5.listen", err)
	}
	return &Server{log: logging.New("socks5"), listener: l}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until ctx is cancelled, negotiates each one, and
// invokes onIncoming with the parsed destination. onIncoming runs in its own
// goroutine per connection; Serve returns once ctx is cancelled and every
// in-flight negotiation/onIncoming call has returned.
func (s *Server) Serve(ctx context.Context, onIncoming func(context.Context, *Incoming)) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return errorsx.ErrCancelled
			default:
				s.wg.Wait()
				return errorsx.IO("socks5.accept", err)
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.negotiate(ctx, conn, onIncoming)
		}()
	}
}

func (s *Server) negotiate(ctx context.Context, conn net.Conn, onIncoming func(context.Context, *Incoming)) {
	in, err := readRequest(conn)
	if err != nil {
		s.log.Warn("socks5.negotiate", err)
		conn.Close()
		return
	}
	if in == nil {
		// Not an error: the client offered no acceptable method, the
		// 0xFF reply was already sent, and the connection was closed.
		return
	}
	onIncoming(ctx, in)
}

// readRequest performs the method negotiation and reads the CONNECT request,
// returning an Incoming ready for Accept/Reject. A nil, nil return means the
// client was rejected during negotiation (no usable method, or an
// unsupported CMD) and the connection has already been closed.
func readRequest(conn net.Conn) (*Incoming, error) {
	r := wire.NewReader(conn)

	version, err := r.ReadUint8()
	if err != nil {
		return nil, errorsx.IO("socks5.read_greeting", err)
	}
	if version != ver5 {
		return nil, errorsx.ProtocolViolation("socks5.greeting", fmt.Sprintf("unsupported version %d", version))
	}
	numMethods, err := r.ReadUint8()
	if err != nil {
		return nil, errorsx.IO("socks5.read_greeting", err)
	}

	methods, err := r.ReadBytes(int(numMethods))
	if err != nil {
		return nil, errorsx.IO("socks5.read_methods", err)
	}

	offered := false
	for _, m := range methods {
		if m == methodNoAuth {
			offered = true
			break
		}
	}
	if !offered {
		conn.Write([]byte{ver5, methodNoneAcceptable})
		conn.Close()
		return nil, nil
	}
	if _, err := conn.Write([]byte{ver5, methodNoAuth}); err != nil {
		return nil, errorsx.IO("socks5.write_method", err)
	}

	reqVersion, err := r.ReadUint8()
	if err != nil {
		return nil, errorsx.IO("socks5.read_request", err)
	}
	if reqVersion != ver5 {
		return nil, errorsx.ProtocolViolation("socks5.request", fmt.Sprintf("unsupported version %d", reqVersion))
	}
	cmd, err := r.ReadUint8()
	if err != nil {
		return nil, errorsx.IO("socks5.read_request", err)
	}
	if _, err := r.ReadUint8(); err != nil { // reserved
		return nil, errorsx.IO("socks5.read_request", err)
	}
	atyp, err := r.ReadUint8()
	if err != nil {
		return nil, errorsx.IO("socks5.read_request", err)
	}
	if cmd != cmdConnect {
		conn.Write([]byte{ver5, repCommandNotSupported, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
		conn.Close()
		return nil, nil
	}

	dest, err := readDestination(r, atyp)
	if err != nil {
		return nil, err
	}

	return &Incoming{conn: conn, destination: dest}, nil
}

func readDestination(r *wire.Reader, atyp byte) (addr.TcpAddress, error) {
	var host string
	var ip net.IP

	switch atyp {
	case atypIPv4:
		buf, err := r.ReadBytes(4)
		if err != nil {
			return addr.TcpAddress{}, errorsx.IO("socks5.read_ipv4", err)
		}
		ip = net.IP(buf)
	case atypDomain:
		length, err := r.ReadUint8()
		if err != nil {
			return addr.TcpAddress{}, errorsx.IO("socks5.read_domain_len", err)
		}
		buf, err := r.ReadBytes(int(length))
		if err != nil {
			return addr.TcpAddress{}, errorsx.IO("socks5.read_domain", err)
		}
		host = string(buf)
	case atypIPv6:
		buf, err := r.ReadBytes(16)
		if err != nil {
			return addr.TcpAddress{}, errorsx.IO("socks5.read_ipv6", err)
		}
		ip = net.IP(buf)
	default:
		return addr.TcpAddress{}, errorsx.ProtocolViolation("socks5.request", fmt.Sprintf("unsupported ATYP %d", atyp))
	}

	port, err := r.ReadUint16(wire.NetworkEndian)
	if err != nil {
		return addr.TcpAddress{}, errorsx.IO("socks5.read_port", err)
	}

	if host != "" {
		return addr.NewTcpAddressHost(host, port), nil
	}
	return addr.NewTcpAddressIP(ip, port), nil
}
