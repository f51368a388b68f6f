package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-studio/internal/bus"
	"github.com/loqalabs/loqa-studio/internal/config"
	"github.com/loqalabs/loqa-studio/internal/eventstore"
	"github.com/loqalabs/loqa-studio/internal/natsserver"
	"github.com/loqalabs/loqa-studio/internal/server"
	"github.com/loqalabs/loqa-studio/internal/synth"
	"github.com/loqalabs/loqa-studio/internal/tts"
	"github.com/loqalabs/loqa-studio/internal/voices"
)

var version = "0.1.0-dev"

const pruneInterval = time.Hour

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Telemetry.Level()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	embedded, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	var busClient *bus.Client
	if cfg.Bus.Enabled {
		busCfg := cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		busClient, err = bus.Connect(ctx, busCfg, cfg.RuntimeName, logger)
		if err != nil {
			return err
		}
		defer busClient.Close()
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()
	go pruneLoop(ctx, store, logger)

	catalog, err := voices.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.Synth.TimeoutSec) * time.Second}
	synthesizer, err := synth.New(cfg.Synth, httpClient, logger)
	if err != nil {
		return err
	}

	if busClient != nil {
		timeout := time.Duration(cfg.Synth.TimeoutSec) * time.Second
		svc := tts.NewService(ctx, busClient, synthesizer, catalog, timeout, logger)
		if err := svc.Start(); err != nil {
			return fmt.Errorf("start bus synthesis: %w", err)
		}
		defer svc.Close()
	}

	srv, err := server.New(cfg, server.Deps{
		Synth:   synthesizer,
		Catalog: catalog,
		Store:   store,
		Bus:     busClient,
	}, logger)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

func pruneLoop(ctx context.Context, store *eventstore.Store, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil {
				logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
