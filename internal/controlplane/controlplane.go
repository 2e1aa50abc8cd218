// Package controlplane implements the unauthenticated control-plane
// listener: a health check and a live tail of flow-bus events, serialized
// as newline-delimited JSON. No persistence and no authentication by
// design; the http.Server/Shutdown lifecycle matches the rest of this
// codebase's listener shutdown handling.
package controlplane

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/skunkproxy/skunk/internal/errorsx"
	"github.com/skunkproxy/skunk/internal/flow"
	"github.com/skunkproxy/skunk/internal/flowbus"
	"github.com/skunkproxy/skunk/internal/logging"
)

// flowEvent is the JSON-friendly projection of a flowbus.Event: addr.TcpAddress
// and error values don't marshal usefully on their own, so this flattens them
// to strings rather than exposing flow.Flow's internal representation.
type flowEvent struct {
	Kind        string `json:"kind"`
	FlowID      string `json:"flow_id"`
	Destination string `json:"destination,omitempty"`
	Intercepted bool   `json:"intercepted,omitempty"`
	TLS         bool   `json:"tls,omitempty"`
	Method      string `json:"method,omitempty"`
	URL         string `json:"url,omitempty"`
	StatusLine  string `json:"status_line,omitempty"`
	Err         string `json:"error,omitempty"`
	Dropped     int    `json:"dropped,omitempty"`
}

var kindNames = map[flowbus.EventKind]string{
	flowbus.FlowStarted:         "started",
	flowbus.FlowRequestBody:     "request_body",
	flowbus.FlowResponseHeaders: "response_headers",
	flowbus.FlowResponseBody:    "response_body",
	flowbus.FlowCompleted:       "completed",
}

func toFlowEvent(ev flowbus.Event) flowEvent {
	out := flowEvent{Kind: kindNames[ev.Kind], FlowID: ev.FlowID.String()}
	f, ok := ev.Flow.(*flow.Flow)
	if !ok || f == nil {
		return out
	}
	out.Destination = f.Destination.String()
	out.Intercepted = f.Intercepted
	out.TLS = f.TLS
	if f.Request != nil {
		if parts := strings.Fields(f.Request.StartLine); len(parts) >= 2 {
			out.Method, out.URL = parts[0], parts[1]
		}
	}
	if f.Response != nil {
		out.StatusLine = f.Response.StartLine
	}
	if f.Err != nil {
		out.Err = f.Err.Error()
	}
	return out
}

// Server is the control-plane HTTP listener.
type Server struct {
	log *logging.Logger
	bus *flowbus.Bus
	srv *http.Server
	ln  net.Listener
}

// Listen binds bindAddr and returns a Server ready for Serve.
func Listen(bindAddr string, bus *flowbus.Bus) (*Server, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, errorsx.IO("controlplane.listen", err)
	}

	s := &Server{log: logging.New("controlplane"), bus: bus, ln: ln}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/flows", s.handleFlows)
	s.srv = &http.Server{Handler: mux}
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve blocks until ctx is cancelled, then shuts the HTTP server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(s.ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("controlplane.shutdown", err)
		}
		<-errCh
		return errorsx.ErrCancelled
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errorsx.IO("controlplane.serve", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// handleFlows streams every subsequent flowbus event as one JSON object per
// line until the client disconnects or the request context is cancelled.
func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for {
		v, ok := sub.Recv()
		if !ok {
			return
		}
		switch payload := v.(type) {
		case flowbus.Event:
			if err := enc.Encode(toFlowEvent(payload)); err != nil {
				return
			}
		case flowbus.Lagged:
			enc.Encode(flowEvent{Kind: "lagged", Dropped: payload.Dropped})
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		default:
		}
	}
}
