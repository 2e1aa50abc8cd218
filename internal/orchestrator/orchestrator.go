// Package orchestrator wires the TLS context, filter, flow bus, and HTTP
// proxy core onto whichever ingresses are enabled, and supervises the
// resulting per-connection tasks under a shared cancellation context. Each
// task selects between its own completion and shutdown firing; there is no
// drain mode, listeners just stop accepting and in-flight tasks observe
// cancellation on their next suspension point.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/skunkproxy/skunk/internal/addr"
	"github.com/skunkproxy/skunk/internal/errorsx"
	"github.com/skunkproxy/skunk/internal/filter"
	"github.com/skunkproxy/skunk/internal/flowbus"
	"github.com/skunkproxy/skunk/internal/httpproxy"
	"github.com/skunkproxy/skunk/internal/logging"
	"github.com/skunkproxy/skunk/internal/netutil"
	"github.com/skunkproxy/skunk/internal/pcap"
	"github.com/skunkproxy/skunk/internal/socks5"
	"github.com/skunkproxy/skunk/internal/tlsctx"
)

// Orchestrator owns no listeners itself: RunSocks5/RunPcap attach it to
// callers' already-bound ingresses so the same dispatch logic serves both.
type Orchestrator struct {
	tls     *tlsctx.Context
	filterExpr *filter.Expression
	bus     *flowbus.Bus
	connect addr.Connect
	log     *logging.Logger

	wg sync.WaitGroup
}

// New builds an Orchestrator. filterExpr may be nil, meaning "intercept
// everything". connect may be nil, defaulting to addr.DirectConnect.
func New(tls *tlsctx.Context, filterExpr *filter.Expression, bus *flowbus.Bus, connect addr.Connect) *Orchestrator {
	if connect == nil {
		connect = &addr.DirectConnect{}
	}
	return &Orchestrator{
		tls:        tls,
		filterExpr: filterExpr,
		bus:        bus,
		connect:    connect,
		log:        logging.New("orchestrator"),
	}
}

// ingressHandoff bundles the two ways an ingress-specific handshake can
// resolve: accept completes it and returns the duplex client connection;
// reject tells the ingress the proxy never managed to reach the destination,
// so it can fail the handshake on the wire instead of leaving the client
// waiting on a socket nothing will ever answer.
type ingressHandoff struct {
	accept func(bound addr.TcpAddress) (net.Conn, error)
	reject func(err error)
}

// RunSocks5 serves a bound SOCKS5 listener until ctx is cancelled. Each
// accepted connection is dialed out and dispatched under its own supervised
// task.
func (o *Orchestrator) RunSocks5(ctx context.Context, server *socks5.Server) error {
	err := server.Serve(ctx, func(ctx context.Context, in *socks5.Incoming) {
		o.spawn(ctx, in.TcpAddress(), ingressHandoff{
			accept: func(bound addr.TcpAddress) (net.Conn, error) {
				return in.Accept(bound)
			},
			reject: func(err error) {
				if rejErr := in.Reject(rejectReasonForDialError(err)); rejErr != nil {
					o.log.Warn("orchestrator.socks5_reject", rejErr)
				}
			},
		})
	})
	o.wg.Wait()
	return err
}

// RunPcap serves a packet-capture ingress until ctx is cancelled. Unlike
// socks5.Server, pcap.Ingress invokes onIncoming synchronously from its
// capture loop, so every call here must hand off to a goroutine itself
// rather than block packet processing.
func (o *Orchestrator) RunPcap(ctx context.Context, ing *pcap.Ingress) error {
	err := ing.Serve(ctx, func(ctx context.Context, in *pcap.Incoming) {
		o.spawn(ctx, in.TcpAddress(), ingressHandoff{
			accept: func(addr.TcpAddress) (net.Conn, error) {
				return in.Stream(), nil
			},
			reject: func(err error) {
				if rejErr := in.Reset(); rejErr != nil {
					o.log.Warn("orchestrator.pcap_reset", rejErr)
				}
			},
		})
	})
	o.wg.Wait()
	return err
}

// rejectReasonForDialError classifies a Connect failure into the closest
// SOCKS5 REP code, falling back to RejectGeneralFailure when the cause isn't
// one of the syscall errors with a dedicated reason.
func rejectReasonForDialError(err error) socks5.RejectReason {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return socks5.RejectConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH):
		return socks5.RejectHostUnreachable
	case errors.Is(err, syscall.ENETUNREACH):
		return socks5.RejectNetworkUnreachable
	default:
		return socks5.RejectGeneralFailure
	}
}

// spawn dials destination via Connect, completes the ingress-specific
// handshake via handoff.accept, then hands the pair to dispatch under its
// own supervised task. accept receives the outbound connection's local
// address so a SOCKS5 reply can carry it as BND.ADDR/PORT; pcap ignores it,
// since its virtual connection is already bound by the SYN/ACK exchange. If
// the dial itself fails, handoff.reject runs instead so the ingress always
// resolves the handshake one way or the other.
func (o *Orchestrator) spawn(ctx context.Context, destination addr.TcpAddress, handoff ingressHandoff) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		done := make(chan struct{})
		go func() {
			defer close(done)
			o.connectAndDispatch(ctx, destination, handoff)
		}()

		select {
		case <-ctx.Done():
			// Cooperative shutdown: the dial and the proxy core both watch
			// ctx themselves and will unwind at their own next suspension
			// point. This task is not waited on any further.
		case <-done:
		}
	}()
}

func (o *Orchestrator) connectAndDispatch(ctx context.Context, destination addr.TcpAddress, handoff ingressHandoff) {
	outConn, err := o.connect.Connect(ctx, destination)
	if err != nil {
		o.log.Warn("orchestrator.dial", err)
		handoff.reject(err)
		return
	}

	var bound addr.TcpAddress
	if tcpAddr, ok := outConn.LocalAddr().(*net.TCPAddr); ok {
		bound = addr.NewTcpAddressIP(tcpAddr.IP, uint16(tcpAddr.Port))
	}

	inConn, err := handoff.accept(bound)
	if err != nil {
		o.log.Warn("orchestrator.accept", err)
		outConn.Close()
		return
	}

	o.dispatch(ctx, inConn, outConn, destination)
}

// dispatch forks on the filter decision and destination port: a filter
// non-match goes straight to Passthrough without ever instantiating TLS or
// HTTP; a match on
// port 443 terminates TLS first; a match on port 80 runs the HTTP core
// directly; anything else falls back to Passthrough, since the HTTP core
// only speaks HTTP/1.x.
func (o *Orchestrator) dispatch(ctx context.Context, inConn, outConn net.Conn, destination addr.TcpAddress) {
	if !o.matches(destination) {
		passthrough(inConn, outConn)
		return
	}

	switch destination.Port() {
	case 443:
		clientSide, serverSide, err := o.tls.MaybeDecrypt(ctx, inConn, outConn, true)
		if err != nil {
			o.log.Warn("orchestrator.tls_decrypt", err)
			inConn.Close()
			outConn.Close()
			return
		}
		o.runHTTP(ctx, clientSide, serverSide, destination, true)
	case 80:
		o.runHTTP(ctx, inConn, outConn, destination, false)
	default:
		passthrough(inConn, outConn)
	}
}

// runHTTP drives one HTTP core loop over (clientSide, serverSide). A CONNECT
// seen mid-stream (the client tunneling through an already-raw connection)
// is treated as a fresh TLS handoff rather than an error, so the HTTP core's
// CONNECT support is exercised on either ingress.
func (o *Orchestrator) runHTTP(ctx context.Context, clientSide, serverSide net.Conn, destination addr.TcpAddress, tls bool) {
	core := httpproxy.New(o.bus, nil)
	err := core.Serve(ctx, httpproxy.Conn{
		ClientSide:  clientSide,
		ServerSide:  serverSide,
		Destination: destination,
		TLS:         tls,
	})

	var upgrade *httpproxy.UpgradeRequested
	if errors.As(err, &upgrade) {
		decClient, decServer, tlsErr := o.tls.MaybeDecrypt(ctx, clientSide, serverSide, true)
		if tlsErr != nil {
			// The client already read "200 Connection Established" and
			// believes the tunnel is live; a graceful close here would read
			// as a normal end of stream instead of a failure, so force RST.
			o.log.Warn("orchestrator.connect_tls_decrypt", tlsErr)
			forceReset(clientSide)
			forceReset(serverSide)
			return
		}
		o.runHTTP(ctx, decClient, decServer, destination, true)
		return
	}

	if err != nil && !errorsx.IsCancelled(err) {
		o.log.Warn("orchestrator.http_serve", err)
	}
}

// matches decides intercept-vs-passthrough from connection-level
// information alone (destination, port, TCP), before any bytes beyond the
// SOCKS/pcap handshake have been read. An undecidable expression defaults to
// intercept: most filter atoms test request/response detail unavailable at
// this point, so treating Unknown as non-match would silently downgrade most
// filters to passthrough.
func (o *Orchestrator) matches(destination addr.TcpAddress) bool {
	if o.filterExpr == nil {
		return true
	}

	w := filter.World{
		HaveDestination: true,
		Destination:     destination.Host(),
		Port:            destination.Port(),
		HaveProto:       true,
		IsTCP:           true,
	}
	if destination.IsDomain() {
		w.HaveDomain = true
		w.Domain = netutil.ExtractDomain(destination.Host())
	}
	switch destination.Port() {
	case 443:
		w.IsTLS = true
	case 80:
		w.IsHTTP = true
	}

	decided := o.filterExpr.BeginEvaluate().Push(w)
	if decided == nil {
		return true
	}
	return *decided
}

// forceReset closes conn with SetLinger(0) when it's a *net.TCPConn, so the
// kernel sends RST instead of the usual FIN/ACK close sequence.
func forceReset(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetLinger(0)
	}
	conn.Close()
}

// passthrough copies bytes bidirectionally between a and b without
// instantiating any protocol stack: one direction runs in a goroutine, the
// other inline, and both sides close once either direction ends.
func passthrough(a, b net.Conn) {
	closeBoth := func() {
		a.Close()
		b.Close()
	}

	done := make(chan struct{})
	go func() {
		io.Copy(b, a)
		closeBoth()
		close(done)
	}()
	io.Copy(a, b)
	closeBoth()
	<-done
}
