package main

import (
	"testing"

	"github.com/skunkproxy/skunk/internal/config"
)

func TestRunReturnsUsageErrorForMissingIngress(t *testing.T) {
	if code := run(nil); code != config.ExitUsage {
		t.Fatalf("expected ExitUsage, got %v", code)
	}
}

func TestRunReturnsUsageErrorForUnknownFlag(t *testing.T) {
	if code := run([]string{"--not-a-real-flag"}); code != config.ExitUsage {
		t.Fatalf("expected ExitUsage, got %v", code)
	}
}

func TestNewSkunkAppBindsSocksListenerOnEphemeralPort(t *testing.T) {
	cfg := &config.Config{
		SocksBind:     "127.0.0.1:0",
		CADir:         t.TempDir(),
		LeafCacheSize: 16,
	}
	app, err := newSkunkApp(cfg)
	if err != nil {
		t.Fatalf("newSkunkApp: %v", err)
	}
	if app.socksServer == nil {
		t.Fatal("expected a bound SOCKS5 server")
	}
	if app.ingress != nil {
		t.Fatal("expected no pcap ingress when --pcap was not requested")
	}
}
