package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fosrl/warden/api"
	"github.com/fosrl/warden/dns"
	"github.com/fosrl/warden/dns/platform"
	"github.com/fosrl/warden/firewall"
	"github.com/fosrl/warden/logger"
	"github.com/fosrl/warden/offline"
	"github.com/fosrl/warden/splittunnel"
	"github.com/fosrl/warden/tunnel"
	"github.com/fosrl/warden/tunnel/wireguard"
	"github.com/fosrl/warden/tunnelstate"
)

var version = "version_replaceme"

func main() {
	// Create a context that will be cancelled on interrupt signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	// Load configuration from file, env vars, and CLI args
	// Priority: CLI args > Env vars > Config file > Defaults
	config, showVersion, showConfig, err := LoadConfig(args)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if showConfig {
		config.ShowConfig()
		return nil
	}
	if showVersion {
		fmt.Println("Warden version " + version)
		return nil
	}

	if err := logger.Init(logger.Config{
		Level:      config.LogLevel,
		File:       config.LogFile,
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 7,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.Info("Warden version %s", version)

	settings, err := config.Settings()
	if err != nil {
		return err
	}

	if err := setupPrivileges(); err != nil {
		return err
	}

	fw, err := firewall.New(firewall.Config{
		Fwmark:          wireguard.Fwmark,
		ExcludedClassID: splittunnel.DefaultClassID,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize firewall: %w", err)
	}

	dnsKind := platform.ParseDNSManagerType(config.DNSManager)
	redirector := dns.NewRedirector(func(iface string) (platform.DNSConfigurator, error) {
		return platform.New(dnsKind, iface)
	})

	var excluder splitTunnel = splittunnel.Unsupported{}
	cgroup, err := splittunnel.NewCgroupExcluder("", splittunnel.DefaultClassID)
	if err != nil {
		logger.Warn("Split tunneling disabled: %v", err)
	} else {
		excluder = cgroup
	}
	defer excluder.Close()

	events := make(chan tunnel.Event, 16)
	monitor := tunnel.NewMonitor(events, wireguard.NewProvider(wireguard.Config{
		HandshakeTimeout: config.HandshakeTimeoutDuration,
		LogLevel:         config.LogLevel,
		InterfaceName:    config.InterfaceName,
		MTU:              config.MTU,
		UAPI:             true,
	}))
	defer monitor.Close()

	machine, err := tunnelstate.New(tunnelstate.Config{
		Firewall: fw,
		DNS:      redirector,
		Excluder: excluder,
		Monitor:  monitor,
		Events:   events,
		Offline:  offline.NewNetlinkMonitor(config.InterfaceName),
		Settings: settings,
	})
	if err != nil {
		return err
	}

	var server *api.API
	if config.HTTPAddr != "" {
		server = api.NewAPI(config.HTTPAddr, machine)
	} else {
		server = api.NewAPISocket(config.SocketPath, machine)
	}
	server.SetVersion(version)
	if config.DisableMetrics {
		server.DisableMetrics()
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer server.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return machine.Run(gctx)
	})
	g.Go(func() error {
		server.Watch(gctx)
		return nil
	})
	if cgroup != nil {
		g.Go(func() error {
			return cgroup.Run(gctx, config.SplitTunnelIntervalDuration)
		})
	}
	g.Go(func() error {
		select {
		case <-server.GetShutdownChannel():
			logger.Info("Shutdown requested through the API")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	if config.Tunnel != nil {
		params := *config.Tunnel
		g.Go(func() error {
			cctx, ccancel := context.WithTimeout(gctx, 30*time.Second)
			defer ccancel()
			if err := machine.Do(cctx, tunnelstate.Connect{Params: params}); err != nil && !errors.Is(err, tunnelstate.ErrStopped) {
				logger.Error("Failed to connect the configured tunnel: %v", err)
			}
			return nil
		})
	} else {
		logger.Info("No tunnel configured, waiting for a connect command")
	}

	err = g.Wait()
	logger.Info("Shutdown complete")
	return err
}

// splitTunnel is the excluder as the daemon owns it.
type splitTunnel interface {
	SetExcluded(paths []string) error
	Close() error
}
