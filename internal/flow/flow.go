// Package flow defines the Flow and HttpMessage data model: one intercepted
// request/response pair with its metadata and ordered lifecycle. A Flow is
// created at request receipt, mutated only by its owning connection task,
// and sealed at completion or error — never mutated afterwards.
package flow

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skunkproxy/skunk/internal/addr"
)

// Header is a single (name, value) pair. Name comparison is case-insensitive
// everywhere Headers is searched, but declaration order is preserved for
// serialization.
type Header struct {
	Name  string
	Value string
}

// HttpMessage is either half of an HTTP exchange: the start line, an
// order-preserving header list, and a body (the captured body, read in full
// and then capped at the proxy's capture limit).
type HttpMessage struct {
	StartLine string
	Headers   []Header
	Body      []byte
	Truncated bool // set when httpproxy's bodyCaptureLimit was hit
}

// Get returns the first header value matching name case-insensitively.
func (m *HttpMessage) Get(name string) (string, bool) {
	for _, h := range m.Headers {
		if equalFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Flow is one intercepted request/response pair.
type Flow struct {
	mu sync.Mutex

	ID          uuid.UUID
	StartedAt   time.Time
	Destination addr.TcpAddress
	Intercepted bool
	TLS         bool

	Request  *HttpMessage
	Response *HttpMessage

	CompletedAt time.Time
	Err         error
}

// New creates a Flow at request receipt.
func New(destination addr.TcpAddress, intercepted, tls bool) *Flow {
	return &Flow{
		ID:          uuid.New(),
		StartedAt:   time.Now(),
		Destination: destination,
		Intercepted: intercepted,
		TLS:         tls,
	}
}

// SetRequest records the request half. Called once, before the Flow is
// published as Started.
func (f *Flow) SetRequest(req *HttpMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Request = req
}

// SetResponse records the response half (headers populated; body as already
// captured by the caller).
func (f *Flow) SetResponse(resp *HttpMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Response = resp
}

// Seal marks the Flow complete, recording err (nil on success). After Seal,
// the Flow is immutable; callers must treat it as a read-only snapshot.
func (f *Flow) Seal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CompletedAt = time.Now()
	f.Err = err
}

// Snapshot returns a shallow copy safe to hand to subscribers without
// racing the owning connection task's further (pre-Seal) mutations.
func (f *Flow) Snapshot() Flow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Flow{
		ID:          f.ID,
		StartedAt:   f.StartedAt,
		Destination: f.Destination,
		Intercepted: f.Intercepted,
		TLS:         f.TLS,
		Request:     f.Request,
		Response:    f.Response,
		CompletedAt: f.CompletedAt,
		Err:         f.Err,
	}
}
