// Command talkinghead serves animated, voiced characters over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/talkinghead/internal/app"
	"github.com/MrWong99/talkinghead/internal/config"
	"github.com/MrWong99/talkinghead/internal/observe"
	"github.com/MrWong99/talkinghead/internal/resilience"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", app.DefaultWatchInterval, "config reload poll interval (0 disables reloading)")
	seedCache := flag.String("seed-cache", "", "import missing entries from the speech cache at this directory on startup")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "talkinghead: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "talkinghead: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("talkinghead starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"characters", len(cfg.Characters),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Engines ───────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinEngines(reg)

	engines, err := app.BuildEngines(cfg.Engines, reg, resilience.CircuitBreakerConfig{
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("voice engine circuit changed", "engine", name, "from", from, "to", to)
		},
	})
	if err != nil {
		slog.Error("failed to build engines", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{app.WithLevel(level)}
	if *watch > 0 {
		opts = append(opts, app.WithConfigPath(*configPath, *watch))
	}
	application, err := app.New(ctx, cfg, engines, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *seedCache != "" {
		if _, err := application.ImportCache(ctx, *seedCache); err != nil {
			slog.Error("failed to seed speech cache", "from", *seedCache, "err", err)
			_ = application.Shutdown(context.Background())
			return 1
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}
