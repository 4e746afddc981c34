package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/skydeck-app/skydeck/internal/config"
	"github.com/skydeck-app/skydeck/internal/database"
	"github.com/skydeck-app/skydeck/internal/events"
	"github.com/skydeck-app/skydeck/internal/logger"
	"github.com/skydeck-app/skydeck/internal/pluginhost"
	"github.com/skydeck-app/skydeck/internal/server"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Skydeck service",
		Long: `Serve loads every plugin from the plugin directory, starts the hot
reload watcher, and exposes the panel API for the desktop shell.`,
		RunE: runServe,
	}

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = os.Getenv("SKYDECK_CONFIG_PATH")
	}
	if configPath == "" {
		if _, err := os.Stat("./skydeck.yaml"); err == nil {
			configPath = "./skydeck.yaml"
		}
	}

	if err := config.Load(configPath); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := config.Get()

	log := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	logger.SetRoot(log)

	if configPath != "" {
		log.Info("configuration loaded", "path", configPath)
	} else {
		log.Info("using default configuration")
	}

	if err := database.Initialize(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	db := database.GetDB()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busCfg := events.DefaultEventBusConfig()
	bus := events.NewEventBus(busCfg, log, events.NewDatabaseEventStorage(db))
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metrics := pluginhost.NewMetrics(promRegistry)

	probe := pluginhost.NewHostProbe(pluginhost.HostProbeOptions{
		PlatformVersionOverride: cfg.Compat.PlatformVersionOverride,
		PackageQueryCommands:    cfg.Compat.PackageQueryCommands,
		PackageCacheSize:        cfg.Compat.PackageCacheSize,
	}, log)

	scanner := pluginhost.NewFingerprintScanner(cfg.Plugins.WatchExcludes)
	store := pluginhost.NewStore(db, log)
	registry := pluginhost.NewRegistry(log)

	loader := pluginhost.NewLoader(pluginhost.LoaderOptions{
		Parser:   pluginhost.NewManifestParser(),
		Gate:     pluginhost.NewCompatibilityGate(probe, log),
		Scanner:  scanner,
		Sandbox:  pluginhost.NewPolicySandbox(cfg.Plugins.EnableSandbox, cfg.Plugins.DeniedPermissions, log),
		Consent:  pluginhost.NewPolicyConsent(cfg.Plugins.AutoConsent, cfg.Plugins.RequireVerified, cfg.Plugins.AutoConsentAllowed, log),
		Adapter:  pluginhost.NewAdapter(log),
		Registry: registry,
		Runtimes: []pluginhost.Runtime{
			pluginhost.NewLuaRuntime(cfg.Plugins.LuaCallTimeout, log),
			pluginhost.NewProcessRuntime(cfg.Plugins.StartTimeout, log),
		},
		Store:    store,
		EventBus: bus,
		Metrics:  metrics,
		Workers:  cfg.Plugins.LoadWorkers,
		Logger:   log,
	})

	summary, err := loader.LoadAll(ctx, cfg.Plugins.PluginDir)
	if err != nil {
		return fmt.Errorf("plugin load failed: %w", err)
	}
	log.Info("startup plugin load finished",
		"loaded", len(summary.Loaded),
		"skipped", len(summary.Skipped),
	)

	var watcher *pluginhost.Watcher
	if cfg.Plugins.EnableHotReload {
		watcher, err = pluginhost.NewWatcher(loader, scanner, cfg.Plugins.PluginDir, cfg.Plugins.ReloadDebounce, log)
		if err != nil {
			return fmt.Errorf("failed to create hot reload watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to start hot reload watcher: %w", err)
		}
	}

	icons := pluginhost.NewIconManager(cfg.Icons.MaxFileSize, cfg.Icons.Quality, log)

	srv := server.New(server.Options{
		Config:       cfg,
		Logger:       log,
		Loader:       loader,
		Store:        store,
		Icons:        icons,
		Probe:        probe,
		EventBus:     bus,
		PromRegistry: promRegistry,
	})

	bus.PublishAsync(events.Event{
		Type:    events.EventSystemStarted,
		Source:  "system",
		Title:   "Skydeck started",
		Message: fmt.Sprintf("serving on %s:%d", cfg.Server.Host, cfg.Server.Port),
	})

	// Graceful shutdown on SIGINT/SIGTERM.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", "error", err)
		}
		if watcher != nil {
			if err := watcher.Stop(); err != nil {
				log.Error("watcher shutdown error", "error", err)
			}
		}
		loader.Shutdown(shutdownCtx)
		if err := bus.Stop(shutdownCtx); err != nil {
			log.Error("event bus shutdown error", "error", err)
		}

		cancel()
	}()

	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutdown complete")
	return nil
}
