// Package app wires the mirrorlive subsystems into a running process.
//
// The App struct owns the full lifecycle: New builds the session controller
// and every configured bridge transport, Run serves them until the context
// ends, and Shutdown releases what Run did not.
//
// For testing, inject doubles via functional options (WithProvider,
// WithSpawner, WithStdio, WithListener). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mirrorlive/internal/capture"
	"github.com/MrWong99/mirrorlive/internal/config"
	"github.com/MrWong99/mirrorlive/internal/dispatch"
	"github.com/MrWong99/mirrorlive/internal/health"
	"github.com/MrWong99/mirrorlive/internal/history"
	"github.com/MrWong99/mirrorlive/internal/notify"
	"github.com/MrWong99/mirrorlive/internal/observe"
	"github.com/MrWong99/mirrorlive/internal/resilience"
	"github.com/MrWong99/mirrorlive/internal/session"
	"github.com/MrWong99/mirrorlive/pkg/provider/live"
	"github.com/MrWong99/mirrorlive/pkg/provider/live/gemini"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	provider live.Provider
	spawner  capture.Spawner
	metrics  *observe.Metrics

	controller *session.Controller

	// Bridge transports; nil when disabled.
	stdio   *notify.Stdio
	hub     *notify.Hub
	nats    *notify.NATS
	history *history.Store

	stdin    io.Reader
	stdout   io.Writer
	listener net.Listener
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects the live provider instead of creating a Gemini client.
func WithProvider(p live.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithSpawner injects the capture spawner instead of creating one from the
// backend registry.
func WithSpawner(sp capture.Spawner) Option {
	return func(a *App) { a.spawner = sp }
}

// WithRegistry replaces the capture backend registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics injects the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithStdio replaces os.Stdin and os.Stdout for the stdio bridge.
func WithStdio(r io.Reader, w io.Writer) Option {
	return func(a *App) { a.stdin, a.stdout = r, w }
}

// WithListener serves HTTP on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Transports that need
// a network connection (NATS) or a file (history) are opened here so that
// configuration problems surface before Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.DefaultRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Live provider ─────────────────────────────────────────────────
	if a.provider == nil {
		gopts := []gemini.Option{gemini.WithModel(cfg.Gemini.Model)}
		if cfg.Gemini.BaseURL != "" {
			gopts = append(gopts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
		}
		a.provider = gemini.New(cfg.Gemini.APIKey, gopts...)
	}

	// ── 2. Capture backend ───────────────────────────────────────────────
	if a.spawner == nil {
		sp, err := a.registry.CreateSpawner(cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("app: capture backend: %w", err)
		}
		a.spawner = sp
	}

	// ── 3. Bridge transports ─────────────────────────────────────────────
	sinks, err := a.initBridge(ctx)
	if err != nil {
		a.runClosers()
		return nil, err
	}

	// ── 4. Session controller ────────────────────────────────────────────
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "live-connect",
		MaxFailures:  cfg.Reconnect.MaxFailures,
		ResetTimeout: cfg.Reconnect.ResetTimeout,
		OnStateChange: func(from, to resilience.State) {
			slog.Info("connect breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	a.controller = session.New(sessionConfig(cfg), a.provider, a.spawner, sinks,
		session.WithMetrics(a.metrics),
		session.WithBreaker(breaker),
	)

	// ── 5. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// sessionConfig maps the configuration onto the controller settings.
func sessionConfig(cfg *config.Config) session.Config {
	connect := live.ConnectConfig{
		Model:        cfg.Gemini.Model,
		Modalities:   []live.Modality{live.ModalityAudio},
		Voice:        cfg.Gemini.Voice,
		Instructions: cfg.Gemini.Instructions,
	}
	if cfg.Gemini.Mode == config.ModeChat {
		connect.Modalities = append(connect.Modalities, live.ModalityText)
		connect.Tools = []string{dispatch.ImageToolName}
	}
	return session.Config{
		Key:            cfg.Gemini.APIKey,
		Connect:        connect,
		Continuous:     cfg.Capture.Mode == config.CaptureContinuous,
		RecordDuration: cfg.RecordDuration(),
		ConnectTimeout: cfg.Gemini.ConnectTimeout,
		Audio:          cfg.AudioFormat(),
		ChunkDuration:  cfg.ChunkDuration(),
	}
}

// initBridge opens every configured transport and returns the fan-out sink.
func (a *App) initBridge(ctx context.Context) (notify.Sink, error) {
	var sinks notify.Multi

	if a.cfg.Bridge.Stdio {
		if a.stdin == nil {
			a.stdin = os.Stdin
		}
		if a.stdout == nil {
			a.stdout = os.Stdout
		}
		a.stdio = notify.NewStdio(a.stdout, a.stdin)
		sinks = append(sinks, a.stdio)
		a.closers = append(a.closers, func() error { return a.stdio.Close(shutdownTimeout) })
	}

	if a.cfg.Bridge.WebSocketPath != "" {
		a.hub = notify.NewHub(a.handleCommand, notify.WithOriginPatterns(a.cfg.Bridge.AllowedOrigins...))
		sinks = append(sinks, a.hub)
		a.closers = append(a.closers, a.hub.Close)
	}

	if nc := a.cfg.Bridge.NATS; len(nc.Servers) > 0 {
		n, err := notify.ConnectNATS(notify.NATSConfig{
			Servers:        nc.Servers,
			SubjectPrefix:  nc.SubjectPrefix,
			Token:          nc.Token,
			ConnectTimeout: time.Duration(nc.ConnectTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("app: nats bridge: %w", err)
		}
		a.nats = n
		sinks = append(sinks, n)
		a.closers = append(a.closers, n.Close)
		slog.Info("nats bridge connected", "servers", nc.Servers, "commands", n.CommandSubject())
	}

	if a.cfg.History.Path != "" {
		st, err := history.Open(ctx, a.cfg.History.Path, a.cfg.RetentionPeriod())
		if err != nil {
			return nil, fmt.Errorf("app: history: %w", err)
		}
		a.history = st
		sinks = append(sinks, st)
		a.closers = append(a.closers, st.Close)
	}

	if len(sinks) == 0 {
		slog.Warn("no bridge transport configured; events are discarded")
	}
	return sinks, nil
}

// initServer builds the helper HTTP server. It is skipped when neither a
// listen address nor a listener is available.
func (a *App) initServer() {
	if a.cfg.Server.ListenAddr == "" && a.listener == nil {
		return
	}

	mux := http.NewServeMux()
	health.New(a.checkers()...).WithStatus(a.status).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	if a.hub != nil {
		mux.Handle(a.cfg.Bridge.WebSocketPath, a.hub)
	}

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// checkers returns the readiness checks of the configured subsystems.
func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if c, ok := a.spawner.(interface{ Check() error }); ok {
		cs = append(cs, health.Checker{Name: "capture", Check: func(context.Context) error { return c.Check() }})
	}
	if a.nats != nil {
		cs = append(cs, health.Checker{Name: "nats", Check: func(context.Context) error {
			if !a.nats.Healthy() {
				return errors.New("not connected")
			}
			return nil
		}})
	}
	if a.history != nil {
		cs = append(cs, health.Checker{Name: "history", Check: a.history.Ping})
	}
	return cs
}

func (a *App) status() health.Status {
	return health.Status{
		State:     a.controller.State().String(),
		Recording: a.controller.Recording(),
	}
}

// handleCommand forwards bridge commands to the controller.
func (a *App) handleCommand(ctx context.Context, cmd notify.Command) {
	slog.Debug("bridge command", "command", cmd.Name)
	a.controller.HandleCommand(ctx, cmd)
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller {
	return a.controller
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the controller and every transport until ctx is cancelled, the
// stdio input ends or a transport fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.controller.Run(gctx) })

	if a.stdio != nil {
		g.Go(func() error {
			err := a.stdio.Serve(gctx, a.handleCommand)
			if err == nil && gctx.Err() == nil {
				slog.Info("stdin closed, shutting down")
				cancel()
			}
			return err
		})
	}

	if a.nats != nil {
		if err := a.nats.Subscribe(gctx, a.handleCommand); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}

	if a.server != nil {
		ln := a.listener
		if ln == nil {
			var err error
			ln, err = net.Listen("tcp", a.server.Addr)
			if err != nil {
				cancel()
				_ = g.Wait()
				return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
			}
		}
		slog.Info("http server listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			// Hub clients are hijacked connections that Shutdown does not
			// wait for; closing the hub ends them.
			if a.hub != nil {
				_ = a.hub.Close()
			}
			return a.server.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session and closes every transport in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.controller.Stop(ctx); err != nil {
			slog.Warn("session stop error", "err", err)
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

// runClosers releases what a failed New already opened.
func (a *App) runClosers() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
