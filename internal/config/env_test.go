package config

import (
	"errors"
	"os"
	"testing"
)

func TestParseArgsRequiresAtLeastOneIngress(t *testing.T) {
	if _, err := ParseArgs(nil); err == nil {
		t.Fatal("expected an error with neither --socks-bind nor --pcap")
	}
}

func TestParseArgsSocksOnly(t *testing.T) {
	cfg, err := ParseArgs([]string{"--socks-bind", "127.0.0.1:1080"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if cfg.SocksBind != "127.0.0.1:1080" {
		t.Fatalf("got SocksBind %q", cfg.SocksBind)
	}
	if cfg.PcapInterface != "" {
		t.Fatalf("expected pcap disabled, got interface %q", cfg.PcapInterface)
	}
	if cfg.NoGracefulShutdown {
		t.Fatal("expected graceful shutdown enabled by default")
	}
}

func TestParseArgsPcapWithoutInterfaceRequestsListing(t *testing.T) {
	_, err := ParseArgs([]string{"--pcap"})
	if !errors.Is(err, ListInterfacesRequested) {
		t.Fatalf("expected ListInterfacesRequested, got %v", err)
	}
}

func TestParseArgsInterfaceWithoutPcapIsUsageError(t *testing.T) {
	if _, err := ParseArgs([]string{"--socks-bind", "127.0.0.1:1080", "--interface", "eth0"}); err == nil {
		t.Fatal("expected an error when --interface is given without --pcap")
	}
}

func TestParseArgsRepeatableFilterFlag(t *testing.T) {
	cfg, err := ParseArgs([]string{"--socks-bind", "127.0.0.1:1080", "--filter", "~d example.com", "--filter", "~m GET"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if len(cfg.FilterTargets) != 2 {
		t.Fatalf("expected 2 filter targets, got %d", len(cfg.FilterTargets))
	}
}

func TestParseArgsNoGracefulShutdown(t *testing.T) {
	cfg, err := ParseArgs([]string{"--pcap", "--interface", "eth0", "--no-graceful-shutdown"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if !cfg.NoGracefulShutdown {
		t.Fatal("expected NoGracefulShutdown true")
	}
}

func TestResolveFilterWithNoTargetsReturnsNilExpression(t *testing.T) {
	expr, err := ResolveFilter(&Config{})
	if err != nil {
		t.Fatalf("ResolveFilter: %v", err)
	}
	if expr != nil {
		t.Fatal("expected a nil expression meaning intercept everything")
	}
}

func TestResolveFilterAndsMultipleTargets(t *testing.T) {
	cfg := &Config{FilterTargets: []string{`~d example\.com`, `~tcp`}}
	expr, err := ResolveFilter(cfg)
	if err != nil {
		t.Fatalf("ResolveFilter: %v", err)
	}
	if expr == nil {
		t.Fatal("expected a non-nil expression")
	}
}

func TestResolveFilterSubstitutesNamedPreset(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "presets-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString("api-traffic: ~d api\\.example\\.com\n"); err != nil {
		t.Fatalf("write presets: %v", err)
	}
	f.Close()

	cfg := &Config{FilterTargets: []string{"api-traffic"}, FilterPresetsFile: f.Name()}
	expr, err := ResolveFilter(cfg)
	if err != nil {
		t.Fatalf("ResolveFilter: %v", err)
	}
	if expr == nil {
		t.Fatal("expected a non-nil expression from the preset")
	}
}

func TestResolveFilterRejectsInvalidExpression(t *testing.T) {
	cfg := &Config{FilterTargets: []string{"not a valid filter"}}
	if _, err := ResolveFilter(cfg); err == nil {
		t.Fatal("expected an error for an invalid filter expression")
	}
}
