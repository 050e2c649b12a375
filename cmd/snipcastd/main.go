package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/InsulaLabs/snipcast/config"
	"github.com/InsulaLabs/snipcast/internal/identity"
	"github.com/InsulaLabs/snipcast/internal/publish"
	"github.com/InsulaLabs/snipcast/internal/registry"
	"github.com/InsulaLabs/snipcast/internal/service"
	"github.com/InsulaLabs/snipcast/internal/store"
)

var (
	configPath string
	debug      bool
)

func init() {
	flag.StringVar(&configPath, "config", "snipcast.yaml", "Path to the configuration file")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
}

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	st, err := store.New(store.Config{
		Directory: cfg.Storage.Dir,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("Failed to open snippet store", "dir", cfg.Storage.Dir, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	reg := registry.New(logger)
	pub := publish.New(logger, reg)

	verifier := identity.NewHMACVerifier([]byte(cfg.Auth.SigningSecret))
	resolver := identity.NewResolver(logger, verifier, cfg.Auth.CacheTTL)
	defer resolver.Stop()

	svc := service.New(appCtx, logger, cfg, st, reg, pub, resolver)

	if err := svc.Run(); err != nil {
		logger.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Application exiting.")
}
