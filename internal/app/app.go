// Package app wires the podscript subsystems into a running service.
//
// The App owns the full lifecycle: New creates the session store, gate,
// compiler and HTTP server from the config, Run serves until the context is
// cancelled, and Shutdown drains in-flight requests and releases resources.
//
// For testing, inject doubles via functional options (WithSessionStore,
// WithMetrics). When an option is not provided, New creates the real
// implementation from the config.
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

	"github.com/MrWong99/podscript/internal/compiler"
	"github.com/MrWong99/podscript/internal/config"
	"github.com/MrWong99/podscript/internal/gate"
	"github.com/MrWong99/podscript/internal/health"
	"github.com/MrWong99/podscript/internal/observe"
	"github.com/MrWong99/podscript/internal/resilience"
	"github.com/MrWong99/podscript/internal/server"
	"github.com/MrWong99/podscript/internal/session"
	"github.com/MrWong99/podscript/pkg/provider/llm"
)

// Providers holds the configured model backends. A nil LLM means only
// compilations that bring their own transcript are served.
type Providers struct {
	LLM llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	promHTTP http.Handler
	level    *slog.LevelVar

	sessions session.Store
	gate     *gate.Gate
	compiler *compiler.Compiler
	server   *server.Server
	http     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from
// config.
func WithSessionStore(s session.Store) Option {
	return func(a *App) { a.sessions = s }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promHTTP = h }
}

// WithLevelVar lets [App.ApplyConfig] change the log level live.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initSessions(ctx); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	a.gate = gate.New(gate.Config{
		MaxRequests:    cfg.Gate.MaxRequests,
		MaxStreams:     cfg.Gate.MaxStreams,
		AcquireTimeout: cfg.Gate.AcquireTimeout,
	}, gate.WithMetrics(a.metrics))
	a.compiler = compiler.New(compiler.WithGate(a.gate), compiler.WithMetrics(a.metrics))

	srvOpts := []server.Option{
		server.WithGate(a.gate),
		server.WithMetrics(a.metrics),
		server.WithScript(cfg.Script),
	}
	if providers.LLM != nil {
		srvOpts = append(srvOpts,
			server.WithLLM(providers.LLM),
			server.WithCheckers(health.Checker{Name: "llm", Check: llmCheck(providers.LLM)}),
		)
	}
	if a.promHTTP != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(a.promHTTP))
	}
	a.server = server.New(a.sessions, a.compiler, srvOpts...)

	a.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("app initialised",
		"listen_addr", cfg.Server.ListenAddr,
		"max_requests", a.gate.Config().MaxRequests,
		"max_streams", a.gate.Config().MaxStreams,
		"llm", providers.LLM != nil,
	)
	return a, nil
}

func (a *App) initSessions(ctx context.Context) error {
	if a.sessions != nil {
		return nil
	}
	if dsn := a.cfg.Sessions.PostgresDSN; dsn != "" {
		store, err := session.NewPostgresStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.sessions = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		slog.Info("session store ready", "backend", "postgres")
		return nil
	}
	store, err := session.NewFileStore(a.cfg.Sessions.Dir)
	if err != nil {
		return err
	}
	a.sessions = store
	slog.Info("session store ready", "backend", "file", "dir", a.cfg.Sessions.Dir)
	return nil
}

// llmCheck reports the model as unready when every backend's breaker is
// open. Providers without breakers are always ready.
func llmCheck(p llm.Provider) func(context.Context) error {
	fb, ok := p.(*resilience.LLMFallback)
	if !ok {
		return func(context.Context) error { return nil }
	}
	return func(context.Context) error {
		for _, st := range fb.Backends() {
			if st != resilience.StateOpen {
				return nil
			}
		}
		return errors.New("all llm backends have open circuit breakers")
	}
}

// Handler returns the HTTP handler with all routes.
func (a *App) Handler() http.Handler { return a.http.Handler }

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.http.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled. It returns ctx.Err() on
// cancellation.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		errCh <- a.http.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ApplyConfig applies a reloaded config. Log level and script settings take
// effect at once; gate and provider changes are logged and wait for a
// restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ScriptChanged {
		a.server.SetScript(new.Script)
		slog.Info("script settings reloaded")
	}
	if d.RequiresRestart() {
		slog.Warn("config change requires a restart to take effect",
			"gate_changed", d.GateChanged,
			"providers_changed", d.ProvidersChanged,
		)
	}
}

// Shutdown stops accepting requests, waits for in-flight ones within ctx and
// then runs the closers in order. If ctx expires first, the remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		st := a.gate.Stats()
		slog.Info("shutting down",
			"closers", len(a.closers),
			"requests_in_flight", st.RequestsInUse,
			"streams_in_flight", st.StreamsInUse,
		)

		if err := a.http.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
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
