package flowbus

import (
	"testing"

	"github.com/google/uuid"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)
	id := uuid.New()

	b.Publish(Event{Kind: FlowStarted, FlowID: id})

	got, ok := sub.Recv()
	if !ok {
		t.Fatal("expected a value")
	}
	ev, ok := got.(Event)
	if !ok || ev.FlowID != id || ev.Kind != FlowStarted {
		t.Fatalf("got %#v", got)
	}
}

func TestOverflowDropsOldestAndReportsLagged(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)

	b.Publish(Event{Kind: FlowStarted})
	b.Publish(Event{Kind: FlowRequestBody})
	b.Publish(Event{Kind: FlowCompleted})

	first, ok := sub.Recv()
	if !ok {
		t.Fatal("expected a value")
	}
	lagged, ok := first.(Lagged)
	if !ok || lagged.Dropped != 2 {
		t.Fatalf("got %#v, want Lagged{2}", first)
	}

	second, ok := sub.Recv()
	if !ok {
		t.Fatal("expected a value")
	}
	ev, ok := second.(Event)
	if !ok || ev.Kind != FlowCompleted {
		t.Fatalf("got %#v, want the most recent event surviving", second)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	b.Unsubscribe(sub)

	b.Publish(Event{Kind: FlowStarted}) // must not panic on a removed subscriber

	_, ok := sub.Recv()
	if ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := New()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)

	b.Publish(Event{Kind: FlowStarted})

	if _, ok := s1.Recv(); !ok {
		t.Fatal("s1 expected a value")
	}
	if _, ok := s2.Recv(); !ok {
		t.Fatal("s2 expected a value")
	}
}
