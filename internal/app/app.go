// Package app wires all visiontalk subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context is done, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithAsker,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/visiontalk/internal/config"
	"github.com/MrWong99/visiontalk/internal/convlog"
	"github.com/MrWong99/visiontalk/internal/convlog/postgres"
	"github.com/MrWong99/visiontalk/internal/gateway"
	"github.com/MrWong99/visiontalk/internal/health"
	"github.com/MrWong99/visiontalk/internal/observe"
	"github.com/MrWong99/visiontalk/internal/resilience"
	"github.com/MrWong99/visiontalk/internal/vision"
	"github.com/MrWong99/visiontalk/pkg/realtime"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider realtime.Provider

	// Subsystems, initialised in New and torn down in Shutdown.
	store          convlog.Store
	asker          vision.Asker
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	gateway        *gateway.Server
	handler        http.Handler

	mu     sync.Mutex
	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation log store instead of creating one from
// config.
func WithStore(s convlog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithAsker injects the snapshot question answerer instead of creating one
// from config.
func WithAsker(asker vision.Asker) Option {
	return func(a *App) { a.asker = asker }
}

// WithMetrics sets the instruments every subsystem records into. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets config reloads change the level of the root logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The realtime provider
// comes from main.go (built via the config registry).
func New(ctx context.Context, cfg *config.Config, provider realtime.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: a realtime provider is required")
	}
	a := &App{
		cfg:      cfg,
		provider: provider,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Conversation log ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init conversation log: %w", err)
	}

	// ── 2. Vision ────────────────────────────────────────────────────────
	if err := a.initVision(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init vision: %w", err)
	}

	// ── 3. Browser gateway ───────────────────────────────────────────────
	a.gateway = gateway.New(gatewayConfig(cfg, provider, a.asker, a.store, a.metrics))

	// ── 4. Routes ────────────────────────────────────────────────────────
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL when a DSN is configured and otherwise
// keeps the log in memory.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Conversations.PostgresDSN
	if dsn == "" {
		a.store = convlog.NewMemStore()
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("conversation log connected to postgres")
	return nil
}

// initVision prefers a configured relay and otherwise calls the model
// directly. Without either, snapshot questions are disabled.
func (a *App) initVision() error {
	if a.asker != nil {
		return nil
	}
	vc := a.cfg.Vision

	if vc.RelayURL != "" {
		a.asker = vision.NewClient(vc.RelayURL, vc.Timeout, resilience.CircuitBreakerConfig{Name: "vision-relay"})
		slog.Info("vision questions go through relay", "url", vc.RelayURL)
		return nil
	}
	if vc.APIKey == "" {
		slog.Warn("vision disabled: no api key and no relay configured")
		return nil
	}

	analyzer, err := vision.NewAnalyzer(vc.APIKey,
		vision.WithBaseURL(vc.BaseURL),
		vision.WithModel(vc.Model),
		vision.WithFallbackModels(vc.FallbackModels...),
		vision.WithMaxTokens(vc.MaxTokens),
		vision.WithTimeout(vc.Timeout),
		vision.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.asker = analyzer
	slog.Info("vision analyzer ready", "models", analyzer.Models())
	return nil
}

func gatewayConfig(cfg *config.Config, provider realtime.Provider, asker vision.Asker, store convlog.Store, m *observe.Metrics) gateway.Config {
	rc := cfg.Realtime
	gc := gateway.Config{
		Provider:        provider,
		Asker:           asker,
		Store:           store,
		Metrics:         m,
		Instructions:    rc.Instructions,
		Voice:           rc.Voice,
		TurnDetection:   realtime.TurnDetection(rc.TurnDetection),
		InputSampleRate: cfg.Audio.InputSampleRate,
		FrameSamples:    cfg.Audio.FrameSamples,
		RenderQuantum:   cfg.Audio.RenderQuantum(),
		MaxMessageBytes: cfg.Server.MaxBodyBytes,
	}
	if !config.Disabled(rc.Greeting) {
		gc.Greeting = rc.Greeting
	}
	if !config.Disabled(rc.TranscriptionModel) {
		gc.TranscriptionModel = rc.TranscriptionModel
	}
	return gc
}

// routes builds the mux. Every route sits behind CORS and the telemetry
// middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	checks := []health.Checker{
		health.NotEmpty("realtime_api_key", "realtime.api_key is not set",
			func() string { return a.cfg.Realtime.APIKey }),
		{Name: "conversation_log", Check: a.store.Ping},
	}
	health.New(checks...).Register(mux)

	if a.asker != nil {
		vision.NewHandler(a.asker, a.cfg.Server.MaxBodyBytes).Register(mux)
	}
	convlog.NewHandler(a.store).Register(mux)
	a.gateway.Register(mux)

	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	if dir := a.cfg.Server.StaticDir; dir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(dir)))
	}

	return cors(observe.Middleware(a.metrics)(mux))
}

// cors allows any origin, like the relay the browser client was written
// against.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig is a [config.ChangeFunc]. It pushes new instructions to every
// live conversation and changes the log level; other changes only take
// effect after a restart.
func (a *App) ApplyConfig(_, _ *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.InstructionsChanged {
		if err := a.gateway.SetInstructions(diff.NewInstructions); err != nil {
			slog.Warn("some conversations kept their old instructions", "err", err)
		} else {
			slog.Info("instructions reloaded", "conversations", a.gateway.Hub().Len())
		}
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", diff.RestartRequired)
	}
}

// SlogLevel converts a config log level to its slog equivalent. Unknown
// values map to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured listen address and blocks until ctx is
// cancelled or the server fails. When ctx is done, Run returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	slog.Info("http server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes browser connections, stops the HTTP server and runs the
// closers. It respects the context deadline: if ctx expires, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "conversations", a.gateway.Hub().Len(), "closers", len(a.closers))

		// WebSocket connections are hijacked; http.Server.Shutdown does not
		// wait for them.
		if err := a.gateway.Shutdown(ctx); err != nil {
			slog.Warn("gateway shutdown incomplete", "err", err)
			shutdownErr = err
		}

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
				shutdownErr = errors.Join(shutdownErr, err)
				_ = srv.Close()
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
