// Package flowbus implements an in-memory publish/subscribe bus for Flow
// lifecycle events. Backpressure is isolated to the observer path: a slow
// subscriber has its oldest buffered event dropped and receives a Lagged
// marker, but the proxy path publishing into the bus never blocks on it.
package flowbus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// EventKind distinguishes the ordered stages a Flow passes through.
type EventKind int

const (
	FlowStarted EventKind = iota
	FlowRequestBody
	FlowResponseHeaders
	FlowResponseBody
	FlowCompleted
)

// Event wraps a Flow-lifecycle notification. Flow is the publisher's *Flow
// as of publish time (the HTTP proxy core publishes a fresh snapshot copy for
// each event); callers must not mutate it.
type Event struct {
	Kind   EventKind
	FlowID uuid.UUID
	Flow   any
}

// Lagged is delivered in place of a dropped event so a subscriber can detect
// a gap in the Flow ordering invariant without stalling the proxy.
type Lagged struct {
	Dropped int
}

// Bus is the shared flow-event publisher. The zero value is usable.
type Bus struct {
	mu   sync.Mutex // guards subs; rare-writer (Subscribe/Unsubscribe only)
	subs []*Subscription
}

// New creates an empty Bus.
func New() *Bus { return &Bus{} }

// Subscription is a bounded, lossy receive queue for one observer.
type Subscription struct {
	ch      chan any // carries Event or Lagged
	mu      sync.Mutex
	dropped int
	closed  atomic.Bool
}

// Subscribe registers a new subscriber with the given bounded queue depth.
// The returned Subscription's channel is closed when Unsubscribe is called.
func (b *Bus) Subscribe(depth int) *Subscription {
	if depth <= 0 {
		depth = 1
	}
	sub := &Subscription{ch: make(chan any, depth)}

	b.mu.Lock()
	// Copy-on-write: replace the slice rather than mutate in place so
	// concurrent readers iterating Publish's snapshot never race.
	next := make([]*Subscription, len(b.subs)+1)
	copy(next, b.subs)
	next[len(b.subs)] = sub
	b.subs = next
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes sub from the bus and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	next := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s != sub {
			next = append(next, s)
		}
	}
	b.subs = next
	b.mu.Unlock()

	if sub.closed.CompareAndSwap(false, true) {
		close(sub.ch)
	}
}

// Publish fans Event out to every current subscriber. Never blocks: a full
// subscriber queue has its oldest entry dropped to make room, and a Lagged
// marker accumulates the drop count.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
}

func (s *Subscription) deliver(ev Event) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}

	// Queue full: drop the oldest buffered item, then retry once. A second
	// failure (another writer racing us) just counts another drop.
	s.mu.Lock()
	select {
	case <-s.ch:
		s.dropped++
	default:
	}
	s.mu.Unlock()

	select {
	case s.ch <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Recv returns the next event, or a Lagged marker if drops have accumulated
// since the last Recv. Returns ok=false once the subscription is closed and
// drained.
func (s *Subscription) Recv() (any, bool) {
	s.mu.Lock()
	if s.dropped > 0 {
		n := s.dropped
		s.dropped = 0
		s.mu.Unlock()
		return Lagged{Dropped: n}, true
	}
	s.mu.Unlock()

	v, ok := <-s.ch
	return v, ok
}

// Chan exposes the raw channel for use in a select alongside cancellation.
func (s *Subscription) Chan() <-chan any { return s.ch }
