// Command visiontalk serves the push-to-talk voice assistant: the browser
// gateway, the vision relay and the health and metrics endpoints.
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

	"github.com/MrWong99/visiontalk/internal/app"
	"github.com/MrWong99/visiontalk/internal/config"
	"github.com/MrWong99/visiontalk/internal/observe"
	"github.com/MrWong99/visiontalk/pkg/realtime"
	oairealtime "github.com/MrWong99/visiontalk/pkg/realtime/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults and environment only when empty)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "visiontalk: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "visiontalk: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("visiontalk starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Realtime provider ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateRealtime(cfg.Realtime)
	if err != nil {
		slog.Error("failed to create realtime provider", "provider", cfg.Realtime.Provider, "known", reg.RealtimeNames(), "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, provider,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.MetricsHandler()),
		app.WithLogLevel(&level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(ctx, *configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the realtime providers that ship with
// visiontalk into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterRealtime("openai", func(rc config.RealtimeConfig) (realtime.Provider, error) {
		if rc.APIKey == "" {
			slog.Warn("openai realtime provider has no api key; connects will be rejected")
		}
		return oairealtime.New(rc.APIKey,
			oairealtime.WithModel(rc.Model),
			oairealtime.WithBaseURL(rc.BaseURL),
		), nil
	})

	for _, name := range reg.RealtimeNames() {
		slog.Debug("registered provider", "kind", "realtime", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       visiontalk: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Realtime", cfg.Realtime.Provider+" / "+cfg.Realtime.Model)
	printRow("Turn detect", string(cfg.Realtime.TurnDetection))
	switch {
	case cfg.Vision.RelayURL != "":
		printRow("Vision", "relay")
	case cfg.Vision.APIKey != "":
		printRow("Vision", cfg.Vision.Model)
	default:
		printRow("Vision", "(disabled)")
	}
	if cfg.Conversations.PostgresDSN != "" {
		printRow("Conv. log", "postgres")
	} else {
		printRow("Conv. log", "memory")
	}
	if cfg.Server.StaticDir != "" {
		printRow("Static dir", cfg.Server.StaticDir)
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
