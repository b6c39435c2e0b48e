// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command flyhookd is the packet-hook daemon. It owns the filter backend,
// the hook-point queues, and the privileged command channel controllers
// attach through.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"grimm.is/flyhook/internal/audit"
	"grimm.is/flyhook/internal/channel"
	"grimm.is/flyhook/internal/cleanup"
	"grimm.is/flyhook/internal/config"
	"grimm.is/flyhook/internal/diag"
	"grimm.is/flyhook/internal/dispatch"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/filter"
	"grimm.is/flyhook/internal/hookattach"
	"grimm.is/flyhook/internal/hookpoints"
	"grimm.is/flyhook/internal/logging"
	"grimm.is/flyhook/internal/metrics"
	"grimm.is/flyhook/internal/privilege"
	"grimm.is/flyhook/internal/provider"
	"grimm.is/flyhook/internal/services"
)

const defaultConfigPath = "/etc/flyhook/flyhook.hcl"

// shutdownDrainTimeout bounds the wait for resource and provider rundown
// once the command channel is down.
const shutdownDrainTimeout = 10 * time.Second

// nftStatsInterval is how often the rule counter collector scrapes the
// kernel when the nft backend is active.
const nftStatsInterval = 15 * time.Second

// version is stamped by the build.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the HCL configuration file")
	check := flag.Bool("check", false, "validate the configuration and exit")
	example := flag.Bool("example", false, "print an example configuration and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if *example {
		os.Stdout.Write(config.Example())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flyhookd: %v\n", err)
		os.Exit(1)
	}
	if *check {
		fmt.Println("configuration OK")
		return
	}

	logging.SetDefault(logging.New(cfg.Logging.Build()))
	log := logging.WithComponent("daemon")
	log.Info("Starting flyhookd", "version", version)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("Daemon failed")
		logging.Default().Sync()
		os.Exit(1)
	}
	logging.Default().Sync()
}

// loadConfig resolves the configuration. An explicit path must exist; the
// default path is optional and its absence means built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return config.Load(defaultConfigPath)
	}
	return config.Default(), nil
}

func run(cfg *config.Config, log *logging.Logger) error {
	met := metrics.New()
	bus := events.NewBus()
	coord := cleanup.NewCoordinator()
	met.RegisterCleanupGauges(coord.Pending)

	backend, err := filter.Open(*cfg.Filter)
	if err != nil {
		return err
	}

	mgr := hookattach.NewManager(backend, coord, bus, met)
	providers := provider.NewRegistry(coord)

	hooks, err := hookpoints.NewRegistry(cfg.HookPoints, mgr, met)
	if err != nil {
		backend.Close()
		return err
	}

	checker, err := privilege.NewChecker(*cfg.Privilege)
	if err != nil {
		backend.Close()
		return err
	}

	var store *audit.Store
	if cfg.Audit.Path != "" {
		store, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			backend.Close()
			return err
		}
		if cfg.Audit.RetentionDays > 0 {
			retention := time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
			if n, err := store.Cleanup(retention); err != nil {
				log.WithError(err).Warn("Audit retention sweep failed")
			} else if n > 0 {
				log.Info("Audit retention sweep", "removed", n)
			}
		}
	}
	auditor := audit.NewLogger(store)

	d := dispatch.NewDispatcher(met, bus, auditor)
	binding := dispatch.Bind(d, dispatch.Deps{
		Manager:   mgr,
		Providers: providers,
		Coord:     coord,
		Hooks:     hooks,
		Version:   version,
	})

	chSrv := channel.NewServer(*cfg.Channel, d, checker)

	var ready atomic.Bool
	diagSrv := diag.NewServer(*cfg.Diag, diag.Deps{
		Manager:    mgr,
		Dispatcher: d,
		Providers:  providers,
		Coord:      coord,
		Hooks:      hooks,
		Bus:        bus,
		Metrics:    met,
		Version:    version,
		Ready:      ready.Load,
	})

	// Stop order is the reverse of registration: the channel goes first so
	// no new commands arrive, then the core cancels what is in flight and
	// drains resource teardown, and audit closes last so every completion
	// is recorded.
	runner := services.NewRunner()
	runner.Register(&services.Adapter{
		ServiceName: "audit",
		StopFn: func(context.Context) error {
			auditor.Close()
			if store != nil {
				return store.Close()
			}
			return nil
		},
	})
	runner.Register(&services.Adapter{
		ServiceName: "core",
		StopFn: func(ctx context.Context) error {
			if err := d.Shutdown(ctx); err != nil {
				log.WithError(err).Warn("Commands still pending at shutdown")
			}
			binding.Close()
			mgr.Shutdown()
			providers.Close()
			if res := coord.Drain(shutdownDrainTimeout); res.TimedOut {
				r, p := coord.Pending()
				log.Warn("Cleanup drain timed out", "resources", r, "providers", p)
			}
			return backend.Close()
		},
	})
	runner.Register(&services.Adapter{
		ServiceName: "hookpoints",
		StartFn:     hooks.Start,
		StopFn: func(context.Context) error {
			hooks.Stop()
			return nil
		},
	})
	if cfg.Filter.Backend == "nft" {
		collector := metrics.NewCollector(met, cfg.Filter.TableName(), nftStatsInterval)
		runner.Register(&services.Adapter{
			ServiceName: "nft-stats",
			StartFn: func(context.Context) error {
				go collector.Start()
				return nil
			},
			StopFn: func(context.Context) error {
				collector.Stop()
				return nil
			},
		})
	}
	runner.Register(&services.Adapter{
		ServiceName: "diag",
		StartFn:     func(context.Context) error { return diagSrv.Start() },
		StopFn:      func(context.Context) error { return diagSrv.Stop() },
	})
	runner.Register(&services.Adapter{
		ServiceName: "channel",
		StartFn:     func(context.Context) error { return chSrv.Start() },
		StopFn:      chSrv.Stop,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runner.StartAll(ctx); err != nil {
		return err
	}
	ready.Store(true)
	log.Info("flyhookd is up", "socket", cfg.Channel.SocketPath, "hookpoints", len(cfg.HookPoints))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", "signal", sig.String())
	ready.Store(false)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return runner.StopAll(stopCtx)
}
