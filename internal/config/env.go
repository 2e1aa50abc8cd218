// Package config resolves the proxy command's CLI flags into a ready-to-use
// Config: `skunk [--socks-bind ADDR]
// [--pcap --interface NAME [--ap CC]] [--api-bind ADDR] [--filter TARGET …]
// [--no-graceful-shutdown]`. Flag parsing uses the standard library's flag
// package; no third-party CLI framework (cobra, pflag, kingpin) appears
// anywhere in this codebase's dependency graph, so there is no ecosystem
// library to ground this on.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/skunkproxy/skunk/internal/filter"
)

// Config holds the fully-resolved settings for one proxy run.
type Config struct {
	SocksBind string // "" disables the SOCKS5 ingress

	PcapInterface string // "" disables the packet-capture ingress
	PcapAP        string // access-point country code; "" means no hostapd

	APIBind string // "" disables the control-plane listener

	FilterTargets []string // raw --filter values, ANDed together once resolved

	NoGracefulShutdown bool // skip cooperative cancellation on SIGTERM/SIGINT

	CADir         string
	LeafCacheSize int

	FilterPresetsFile string // optional YAML file of name: expression presets
}

// ExitCode distinguishes the process exit reason: 0 success, 1 fatal
// startup error, 2 usage error.
type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFatal   ExitCode = 1
	ExitUsage   ExitCode = 2
)

// ListInterfacesRequested is returned by ParseArgs when --pcap was given
// without --interface: the caller should list capture-capable NICs via
// pcap.ListInterfaces and exit 0.
var ListInterfacesRequested = fmt.Errorf("config: list capture interfaces and exit")

// ParseArgs parses args (typically os.Args[1:]) into a Config. A non-nil
// error wrapping flag.ErrHelp or carrying a usage message should exit 2;
// ListInterfacesRequested should exit 0 after listing interfaces.
func ParseArgs(args []string) (*Config, error) {
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)

	socksBind := fs.String("socks-bind", "", "bind address for the SOCKS5 ingress, e.g. 127.0.0.1:1080")
	pcapFlag := fs.Bool("pcap", false, "enable the packet-capture ingress")
	iface := fs.String("interface", "", "capture interface name for --pcap")
	ap := fs.String("ap", "", "bring up a hostapd access point with this ISO 3166-1 alpha-2 country code before capturing")
	apiBind := fs.String("api-bind", "", "bind address for the control-plane listener")
	noGraceful := fs.Bool("no-graceful-shutdown", false, "exit immediately on SIGINT/SIGTERM instead of draining cooperatively")
	caDir := fs.String("ca-dir", defaultCADir(), "directory holding (or to create) the root CA cert/key")
	leafCacheSize := fs.Int("leaf-cache-size", 4096, "maximum number of cached leaf certificates")
	presetsFile := fs.String("filter-presets", "", "YAML file mapping preset names to filter expressions")

	var filterTargets stringSliceFlag
	fs.Var(&filterTargets, "filter", "a filter expression or preset name; repeatable, ANDed together")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *pcapFlag && *iface == "" {
		return nil, ListInterfacesRequested
	}
	if !*pcapFlag && (*iface != "" || *ap != "") {
		return nil, fmt.Errorf("config: --interface/--ap require --pcap")
	}
	if *socksBind == "" && !*pcapFlag {
		return nil, fmt.Errorf("config: at least one of --socks-bind or --pcap is required")
	}

	return &Config{
		SocksBind:         *socksBind,
		PcapInterface:     *iface,
		PcapAP:            *ap,
		APIBind:           *apiBind,
		FilterTargets:     []string(filterTargets),
		NoGracefulShutdown: *noGraceful,
		CADir:             *caDir,
		LeafCacheSize:     *leafCacheSize,
		FilterPresetsFile: *presetsFile,
	}, nil
}

func defaultCADir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/skunk"
	}
	return ".skunk"
}

// stringSliceFlag implements flag.Value for a repeatable string flag.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// ResolveFilter builds the final filter.Expression from cfg.FilterTargets,
// substituting any target found by name in the loaded presets file and
// ANDing the rest together. A Config with no FilterTargets resolves to a nil
// Expression, meaning "intercept everything" (orchestrator's default).
func ResolveFilter(cfg *Config) (*filter.Expression, error) {
	if len(cfg.FilterTargets) == 0 {
		return nil, nil
	}

	presets, err := loadPresets(cfg.FilterPresetsFile)
	if err != nil {
		return nil, err
	}

	resolved := make([]string, 0, len(cfg.FilterTargets))
	for _, target := range cfg.FilterTargets {
		if expr, ok := presets[target]; ok {
			resolved = append(resolved, "("+expr+")")
			continue
		}
		resolved = append(resolved, "("+target+")")
	}

	expr, err := filter.Parse(strings.Join(resolved, " & "))
	if err != nil {
		return nil, fmt.Errorf("config: invalid filter: %w", err)
	}
	return expr, nil
}

func loadPresets(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading filter presets: %w", err)
	}
	var presets map[string]string
	if err := yaml.Unmarshal(data, &presets); err != nil {
		return nil, fmt.Errorf("config: parsing filter presets: %w", err)
	}
	return presets, nil
}
