package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"split-dns/pkg/config"
	"split-dns/pkg/dns"
	"split-dns/pkg/logging"
	"split-dns/pkg/routes"
	"split-dns/pkg/storage"
	"split-dns/pkg/telemetry"
)

var (
	configPath  = flag.String("config", "config.yml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Print version and exit")
	version     = "dev"
	buildTime   = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("split-dns %s (built %s)\n", version, buildTime)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "split-dns: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	logging.SetGlobal(logger)

	logger.Info("split-dns starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx := context.Background()

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// Route consumer: channel -> filter -> router, with an optional ledger
	ledgerCfg := storage.DefaultConfig(cfg.Routes.LedgerPath)
	ledger, err := storage.New(&ledgerCfg, metrics)
	if err != nil {
		return fmt.Errorf("failed to open route ledger: %w", err)
	}
	router, err := routes.NewRouter(cfg.Routes, logger.Logger)
	if err != nil {
		_ = ledger.Close()
		return fmt.Errorf("failed to create route installer: %w", err)
	}
	filter, err := routes.NewFilter(cfg.Routes.Filter)
	if err != nil {
		_ = ledger.Close()
		return fmt.Errorf("invalid routes.filter: %w", err)
	}

	routeChan := routes.NewChannel(cfg.Routes.QueueSize)
	installer := routes.NewInstaller(routeChan.C(), router, filter, ledger, metrics, logger.Logger)

	installerCtx, installerCancel := context.WithCancel(ctx)
	defer installerCancel()
	installerDone := make(chan struct{})
	go func() {
		defer close(installerDone)
		if err := installer.Run(installerCtx); err != nil && installerCtx.Err() == nil {
			logger.Error("Route installer stopped", "error", err)
		}
	}()

	server, err := dns.Setup(ctx, dns.OptionsFromConfig(cfg), routeChan, logger, metrics)
	if err != nil {
		routeChan.Close()
		<-installerDone
		_ = ledger.Close()
		return fmt.Errorf("failed to start DNS proxy: %w", err)
	}

	// Only the log level can change without a restart
	watcher, err := config.NewWatcher(*configPath, logger.Logger)
	if err != nil {
		logger.Warn("Config hot reload disabled", "error", err)
	}

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	if watcher != nil {
		watcher.OnChange(func(old, updated *config.Config) {
			if old.Logging.Level != updated.Logging.Level {
				logger.SetLevel(updated.Logging.Level)
				logger.Info("Log level changed", "level", updated.Logging.Level)
			}
			if changed := config.RestartRequired(old, updated); len(changed) > 0 {
				logger.Warn("Config changes need a restart to take effect", "sections", changed)
			}
		})
		go func() {
			if err := watcher.Start(serverCtx); err != nil {
				logger.Error("Config watcher stopped", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Run(serverCtx)
	}()

	logger.Info("split-dns is running",
		"address", server.LocalAddr().String(),
		"trusted", cfg.TrustedAddress(),
		"poisoned", cfg.PoisonedAddress(),
		"route_mode", cfg.Routes.Mode,
	)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case runErr = <-errChan:
		if runErr != nil {
			logger.Error("DNS proxy error", "error", runErr)
		}
	}
	serverCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Close(); err != nil {
		logger.Error("Error during server shutdown", "error", err)
	}

	// Let the installer drain what was already reported
	routeChan.Close()
	select {
	case <-installerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Route installer did not drain in time", "pending", routeChan.Len())
		installerCancel()
		<-installerDone
	}

	if err := router.Close(); err != nil {
		logger.Error("Error closing router", "error", err)
	}
	if err := ledger.Close(); err != nil {
		logger.Error("Error closing route ledger", "error", err)
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("split-dns stopped", "routes", installer.Stats())
	return runErr
}
