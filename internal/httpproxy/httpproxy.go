// Package httpproxy implements the HTTP/1.x proxy core run over one already
// intercepted (client_side, server_side) connection pair: parse requests off
// client_side, forward them to server_side, publish each Flow's lifecycle to
// the bus, and hand CONNECT upgrades off to the caller. Hop-by-hop header
// stripping and the CONNECT-then-hijack shape are grounded on this
// codebase's forward-proxy lineage; request/response framing uses net/http's
// own wire codec (http.ReadRequest / Response.Write) rather than hand-rolled
// HTTP/1.x parsing.
package httpproxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/skunkproxy/skunk/internal/addr"
	"github.com/skunkproxy/skunk/internal/errorsx"
	"github.com/skunkproxy/skunk/internal/flow"
	"github.com/skunkproxy/skunk/internal/flowbus"
	"github.com/skunkproxy/skunk/internal/logging"
)

// Hook is the user callback invoked per request: it may inspect/modify req
// and is responsible for producing a response, typically by calling send.
// The default hook (Forward) round-trips req to server_side verbatim.
type Hook func(req *http.Request, send func(*http.Request) (*http.Response, error)) (*http.Response, error)

// Forward is the default Hook: forward req to server_side unmodified.
func Forward(req *http.Request, send func(*http.Request) (*http.Response, error)) (*http.Response, error) {
	return send(req)
}

var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, connHeaders := range h.Values("Connection") {
		for _, field := range strings.Split(connHeaders, ",") {
			if field = strings.TrimSpace(field); field != "" {
				h.Del(field)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// Conn is an intercepted connection pair ready for the HTTP proxy core.
type Conn struct {
	ClientSide  net.Conn
	ServerSide  net.Conn
	Destination addr.TcpAddress
	TLS         bool
}

// Core runs the request/response loop over one Conn, publishing Flow
// lifecycle events to bus. It returns when the connection
// closes, ctx is cancelled, or a non-EOF protocol error occurs.
type Core struct {
	bus  *flowbus.Bus
	hook Hook
	log  *logging.Logger
}

func New(bus *flowbus.Bus, hook Hook) *Core {
	if hook == nil {
		hook = Forward
	}
	return &Core{bus: bus, hook: hook, log: logging.New("httpproxy")}
}

// Serve runs the request loop. Connection reuse (keep-alive) is honored in
// both directions; half-closes propagate because a Read/Write error on
// either side ends the loop and closes both conns.
//
// On a CONNECT request Serve returns an *UpgradeRequested and leaves both
// conns open: the caller takes over the raw stream from there (typically
// handing it to tlsctx.MaybeDecrypt), so Serve must not close anything on
// that path. Every other return path owns the conns and closes them.
func (c *Core) Serve(ctx context.Context, conn Conn) (err error) {
	closeConns := true
	defer func() {
		if closeConns {
			conn.ClientSide.Close()
			conn.ServerSide.Close()
		}
	}()

	clientReader := bufio.NewReader(conn.ClientSide)
	serverReader := bufio.NewReader(conn.ServerSide)

	for {
		select {
		case <-ctx.Done():
			return errorsx.ErrCancelled
		default:
		}

		req, readErr := http.ReadRequest(clientReader)
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return errorsx.HTTP("httpproxy.read_request", "malformed request", readErr)
		}

		if req.Method == http.MethodConnect {
			upgradeErr := c.handleConnectUpgrade(conn, req)
			if _, ok := upgradeErr.(*UpgradeRequested); ok {
				closeConns = false
			}
			return upgradeErr
		}

		keepAlive := req.Close == false && req.ProtoAtLeast(1, 1)
		if err := c.handleRequest(ctx, conn, req, serverReader); err != nil {
			c.log.Warn("httpproxy.handle_request", err)
			return err
		}
		if !keepAlive {
			return nil
		}
	}
}

func (c *Core) handleRequest(ctx context.Context, conn Conn, req *http.Request, serverReader *bufio.Reader) error {
	f := flow.New(conn.Destination, true, conn.TLS)

	reqMsg, err := captureRequest(req)
	if err != nil {
		return errorsx.HTTP("httpproxy.capture_request", "", err)
	}
	f.SetRequest(reqMsg)
	c.publish(flowbus.FlowStarted, f)
	c.publish(flowbus.FlowRequestBody, f)

	send := func(outReq *http.Request) (*http.Response, error) {
		stripHopByHop(outReq.Header)
		// Close would make Write re-emit "Connection: close" upstream.
		outReq.Close = false
		outReq.RequestURI = ""
		if err := outReq.Write(conn.ServerSide); err != nil {
			return nil, errorsx.IO("httpproxy.write_upstream", err)
		}
		return http.ReadResponse(serverReader, outReq)
	}

	resp, err := c.hook(req, send)
	if err != nil {
		// The request headers have already been received and published, so
		// the client gets a proper 502 rather than a silently dropped
		// connection.
		if writeErr := writeBadGateway(conn.ClientSide, req); writeErr != nil {
			c.log.Warn("httpproxy.write_bad_gateway", writeErr)
		}
		f.Seal(err)
		c.publish(flowbus.FlowCompleted, f)
		return err
	}
	defer resp.Body.Close()

	respMsg, err := captureResponseHeaders(resp)
	if err != nil {
		f.Seal(err)
		c.publish(flowbus.FlowCompleted, f)
		return err
	}
	f.SetResponse(respMsg)
	c.publish(flowbus.FlowResponseHeaders, f)

	full, err := readAllBody(resp.Body)
	if err != nil {
		f.Seal(err)
		c.publish(flowbus.FlowCompleted, f)
		return err
	}
	resp.Body = io.NopCloser(bytes.NewReader(full))
	resp.ContentLength = int64(len(full))
	body, truncated := capBody(full, bodyCaptureLimit)
	respMsg.Body = body
	respMsg.Truncated = truncated

	stripHopByHop(resp.Header)
	if err := resp.Write(conn.ClientSide); err != nil {
		f.Seal(err)
		c.publish(flowbus.FlowCompleted, f)
		return errorsx.IO("httpproxy.write_client", err)
	}
	c.publish(flowbus.FlowResponseBody, f)

	f.Seal(nil)
	c.publish(flowbus.FlowCompleted, f)
	return nil
}

// writeBadGateway tells the client the upstream connection failed after its
// request had already been read, so the client isn't left waiting on a
// silently dropped socket.
func writeBadGateway(clientSide net.Conn, req *http.Request) error {
	resp := &http.Response{
		StatusCode: http.StatusBadGateway,
		Status:     "502 Bad Gateway",
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Connection": []string{"close"}},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}
	return resp.Write(clientSide)
}

// handleConnectUpgrade responds to the CONNECT request and returns, handing
// the now-raw bidirectional stream to the caller's TLS-termination path. This
// core's job ends at the upgrade: the orchestrator re-enters MaybeDecrypt
// and, if that succeeds, a fresh Core.Serve over the decrypted pair.
func (c *Core) handleConnectUpgrade(conn Conn, req *http.Request) error {
	if _, err := fmt.Fprintf(conn.ClientSide, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return errorsx.IO("httpproxy.write_connect_reply", err)
	}
	return &UpgradeRequested{Request: req}
}

// UpgradeRequested is returned by Serve when the client issued CONNECT.
// Serve leaves both conns open on this path; the caller owns them from here
// on, typically handing the raw stream to tlsctx.MaybeDecrypt.
type UpgradeRequested struct {
	Request *http.Request
}

func (u *UpgradeRequested) Error() string {
	return fmt.Sprintf("httpproxy: CONNECT upgrade requested for %s", u.Request.Host)
}

func (c *Core) publish(kind flowbus.EventKind, f *flow.Flow) {
	if c.bus == nil {
		return
	}
	snap := f.Snapshot()
	c.bus.Publish(flowbus.Event{Kind: kind, FlowID: f.ID, Flow: &snap})
}

// captureRequest buffers the full request body (so it can still be
// forwarded verbatim after read) and records up to bodyCaptureLimit bytes
// of it on the returned HttpMessage.
func captureRequest(req *http.Request) (*flow.HttpMessage, error) {
	full, err := readAllBody(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(full))
	req.ContentLength = int64(len(full))

	body, truncated := capBody(full, bodyCaptureLimit)

	return &flow.HttpMessage{
		StartLine: fmt.Sprintf("%s %s %s", req.Method, req.URL.RequestURI(), req.Proto),
		Headers:   headersOf(req.Header),
		Body:      body,
		Truncated: truncated,
	}, nil
}

func captureResponseHeaders(resp *http.Response) (*flow.HttpMessage, error) {
	return &flow.HttpMessage{
		StartLine: fmt.Sprintf("%s %s", resp.Proto, resp.Status),
		Headers:   headersOf(resp.Header),
	}, nil
}

func headersOf(h http.Header) []flow.Header {
	out := make([]flow.Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, flow.Header{Name: name, Value: v})
		}
	}
	return out
}

// bodyCaptureLimit bounds how much of a request or response body is recorded
// onto the published Flow; the full body is still forwarded regardless.
const bodyCaptureLimit = 1 << 20 // 1 MiB

func readAllBody(r io.ReadCloser) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	defer r.Close()
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, errorsx.IO("httpproxy.read_body", err)
	}
	return buf, nil
}

func capBody(full []byte, limit int) ([]byte, bool) {
	if len(full) <= limit {
		return full, false
	}
	return full[:limit], true
}
