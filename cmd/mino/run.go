package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"mino-hq/mino/pkg/config"
	"mino-hq/mino/pkg/keypool"
	"mino-hq/mino/pkg/maintenance"
	"mino-hq/mino/pkg/proxy"
	"mino-hq/mino/pkg/proxy/middleware"
	"mino-hq/mino/pkg/server"
	"mino-hq/mino/pkg/session"
	"mino-hq/mino/pkg/spike"
	"mino-hq/mino/pkg/store"
	"mino-hq/mino/pkg/telemetry/logging"
	"mino-hq/mino/pkg/telemetry/metrics"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Mino gateway",
	Long: `Start the Mino gateway with the specified configuration.

The server listens on the configured address and proxies provider API
requests through the key allocator, retrying across pool keys on upstream
failures.

Examples:
  # Start with default config
  mino run

  # Start with custom config
  mino run --config /etc/mino/config.yaml

  # Override listen address
  mino run --listen 0.0.0.0:8080

  # Validate config and provider files without starting
  mino run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Apply flag overrides
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := logging.Setup(cfg.Telemetry.Logging)
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	slog.SetDefault(logger)

	registry, err := config.LoadProviderDir(cfg.Providers.Dir)
	if err != nil {
		return fmt.Errorf("failed to load providers from %s: %w", cfg.Providers.Dir, err)
	}

	if runFlags.dryRun {
		fmt.Printf("✓ Configuration valid (%d providers)\n", len(registry.IDs()))
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	st, err := store.NewSQLiteStoreWithConfig(store.SQLiteConfig{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	if err := st.EnsureProviderRows(ctx, registry.IDs()); err != nil {
		return fmt.Errorf("failed to seed provider counters: %w", err)
	}

	var blocklist *middleware.Blocklist
	if cfg.Security.BlockedCIDRDir != "" {
		blocklist, err = middleware.LoadBlocklist(cfg.Security.BlockedCIDRDir)
		if err != nil {
			return fmt.Errorf("failed to load CIDR blocklist: %w", err)
		}
		logger.Info("loaded CIDR blocklist", "ranges", blocklist.Len())
	}

	sessions := session.NewTracker()
	concurrency := keypool.NewConcurrencyTracker()
	allocator := keypool.NewAllocator(st, sessions, concurrency, logger)

	mtr := metrics.New(cfg.Telemetry.Metrics)
	guard := spike.NewGuard(cfg.Security.RequestSpike, logger)
	guard.OnActivate(mtr.IncSpikeActivation)

	cache := proxy.NewModelCache()
	fetcher := proxy.NewModelFetcher(cache, st,
		&http.Client{Timeout: cfg.Proxy.UpstreamTimeout},
		cfg.Memory.MaxModelFetchRetries, logger)
	go fetcher.Refresh(ctx, registry)

	scheduler := maintenance.NewScheduler(cfg.Memory, sessions, st, fetcher, registry, logger)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}
	defer scheduler.Stop()

	if cfg.Providers.WatchReload {
		watcher, err := config.NewProviderWatcher(registry, logger)
		if err != nil {
			return fmt.Errorf("failed to create provider watcher: %w", err)
		}
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Error("provider watcher stopped", "error", err)
			}
		}()
		defer watcher.Stop()
	}

	handler := proxy.NewHandler(cfg.Proxy, proxy.Deps{
		Registry:  registry,
		Store:     st,
		Sessions:  sessions,
		Allocator: allocator,
		Guard:     guard,
		Cache:     cache,
		Metrics:   mtr,
		Logger:    logger,
	})

	srv := server.NewServer(cfg, server.Deps{
		Proxy:     handler,
		Store:     st,
		Metrics:   mtr,
		Guard:     guard,
		Blocklist: blocklist,
	})

	logger.Info("starting gateway",
		"address", cfg.Server.ListenAddress,
		"providers", len(registry.IDs()),
		"watch_reload", cfg.Providers.WatchReload,
	)
	return srv.Start(ctx)
}
