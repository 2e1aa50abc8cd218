// Command skunk runs the intercepting proxy: construct the TLS context and
// filter, start whichever ingresses were requested, and hand every accepted
// connection to the orchestrator until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/skunkproxy/skunk/internal/config"
	"github.com/skunkproxy/skunk/internal/controlplane"
	"github.com/skunkproxy/skunk/internal/flowbus"
	"github.com/skunkproxy/skunk/internal/orchestrator"
	"github.com/skunkproxy/skunk/internal/pcap"
	"github.com/skunkproxy/skunk/internal/socks5"
	"github.com/skunkproxy/skunk/internal/tlsctx"
)

func main() {
	os.Exit(int(run(os.Args[1:])))
}

func run(args []string) config.ExitCode {
	cfg, err := config.ParseArgs(args)
	if errors.Is(err, config.ListInterfacesRequested) {
		return listInterfaces()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return config.ExitUsage
	}

	app, err := newSkunkApp(cfg)
	if err != nil {
		log.Printf("startup error: %v", err)
		return config.ExitFatal
	}

	runtimeErr := app.run()
	if runtimeErr != nil {
		log.Printf("runtime error: %v", runtimeErr)
		return config.ExitFatal
	}
	return config.ExitSuccess
}

func listInterfaces() config.ExitCode {
	names, err := pcap.ListInterfaces()
	if err != nil {
		log.Printf("listing capture interfaces: %v", err)
		return config.ExitFatal
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return config.ExitSuccess
}

type skunkApp struct {
	cfg *config.Config

	tls  *tlsctx.Context
	bus  *flowbus.Bus
	orch *orchestrator.Orchestrator

	socksServer  *socks5.Server
	ingress      *pcap.Ingress
	controlPlane *controlplane.Server
}

func newSkunkApp(cfg *config.Config) (*skunkApp, error) {
	tls, err := tlsctx.New(cfg.CADir, cfg.LeafCacheSize)
	if err != nil {
		return nil, fmt.Errorf("tls context: %w", err)
	}
	log.Println("TLS context ready, root CA loaded")

	filterExpr, err := config.ResolveFilter(cfg)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	if filterExpr != nil {
		log.Printf("filter built from %d target(s)", len(cfg.FilterTargets))
	} else {
		log.Println("no filter configured, intercepting everything")
	}

	app := &skunkApp{
		cfg: cfg,
		tls: tls,
		bus: flowbus.New(),
	}
	app.orch = orchestrator.New(tls, filterExpr, app.bus, nil)

	if cfg.SocksBind != "" {
		server, err := socks5.Listen(cfg.SocksBind)
		if err != nil {
			return nil, fmt.Errorf("socks5 listen: %w", err)
		}
		app.socksServer = server
		log.Printf("SOCKS5 ingress listening on %s", server.Addr())
	}

	if cfg.PcapInterface != "" {
		ing, err := pcap.NewIngress(cfg.PcapInterface, cfg.PcapAP)
		if err != nil {
			return nil, fmt.Errorf("pcap ingress: %w", err)
		}
		app.ingress = ing
		log.Printf("packet-capture ingress attached to %s", cfg.PcapInterface)
	}

	if cfg.APIBind != "" {
		cp, err := controlplane.Listen(cfg.APIBind, app.bus)
		if err != nil {
			return nil, fmt.Errorf("control-plane listen: %w", err)
		}
		app.controlPlane = cp
		log.Printf("control-plane listening on %s", cp.Addr())
	}

	return app, nil
}

// run starts every enabled ingress, waits for a shutdown signal or a fatal
// ingress error, then cancels the shared context and returns without waiting
// for the ingresses or in-flight connections to unwind. There is no drain
// mode: with or without --no-graceful-shutdown, the process exits as soon as
// run returns.
func (a *skunkApp) run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErrCh := a.startIngresses(ctx)

	if a.cfg.NoGracefulShutdown {
		waitForSignalThenExitImmediately()
		return nil
	}

	return a.waitForShutdown(ctx, cancel, serverErrCh)
}

func (a *skunkApp) startIngresses(ctx context.Context) <-chan error {
	serverErrCh := make(chan error, 3)

	if a.socksServer != nil {
		go func() {
			if err := a.orch.RunSocks5(ctx, a.socksServer); err != nil && !isCancellation(err) {
				serverErrCh <- fmt.Errorf("socks5 ingress: %w", err)
			}
		}()
	}
	if a.ingress != nil {
		go func() {
			if err := a.orch.RunPcap(ctx, a.ingress); err != nil && !isCancellation(err) {
				serverErrCh <- fmt.Errorf("pcap ingress: %w", err)
			}
		}()
	}
	if a.controlPlane != nil {
		go func() {
			if err := a.controlPlane.Serve(ctx); err != nil && !isCancellation(err) {
				serverErrCh <- fmt.Errorf("control-plane listener: %w", err)
			}
		}()
	}

	return serverErrCh
}

func (a *skunkApp) waitForShutdown(ctx context.Context, cancel context.CancelFunc, serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down...", sig)
		cancel()
		return nil
	case err := <-serverErrCh:
		log.Printf("ingress error (%v), shutting down...", err)
		cancel()
		return err
	}
}

func waitForSignalThenExitImmediately() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %s, exiting immediately (--no-graceful-shutdown)", sig)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
