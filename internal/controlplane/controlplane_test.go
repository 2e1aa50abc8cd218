package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/skunkproxy/skunk/internal/addr"
	"github.com/skunkproxy/skunk/internal/flow"
	"github.com/skunkproxy/skunk/internal/flowbus"
)

func TestHealthzReportsOK(t *testing.T) {
	bus := flowbus.New()
	srv, err := Listen("127.0.0.1:0", bus)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
}

func TestFlowsStreamsPublishedEvents(t *testing.T) {
	bus := flowbus.New()
	srv, err := Listen("127.0.0.1:0", bus)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + srv.Addr().String() + "/flows")
	if err != nil {
		t.Fatalf("GET /flows: %v", err)
	}
	defer resp.Body.Close()

	f := flow.New(addr.NewTcpAddressHost("example.com", 443), true, true)
	published := make(chan struct{})
	go func() {
		// Give the handler a moment to subscribe before publishing.
		time.Sleep(50 * time.Millisecond)
		bus.Publish(flowbus.Event{Kind: flowbus.FlowStarted, FlowID: f.ID, Flow: f})
		close(published)
	}()
	<-published

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read ndjson line: %v", err)
	}
	var got flowEvent
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != "started" {
		t.Fatalf("got kind %q, want \"started\"", got.Kind)
	}
	if got.Destination != "example.com:443" {
		t.Fatalf("got destination %q", got.Destination)
	}
}
