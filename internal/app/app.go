// Package app wires all lecturepulse subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the local UI until the context is done, and
// Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithDevice,
// WithArchive, WithListener, ...). When an option is not provided, New
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
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/lecturepulse/internal/archive"
	"github.com/MrWong99/lecturepulse/internal/config"
	"github.com/MrWong99/lecturepulse/internal/feedback"
	"github.com/MrWong99/lecturepulse/internal/health"
	"github.com/MrWong99/lecturepulse/internal/observe"
	"github.com/MrWong99/lecturepulse/internal/present"
	"github.com/MrWong99/lecturepulse/internal/session"
	"github.com/MrWong99/lecturepulse/internal/transport"
	"github.com/MrWong99/lecturepulse/pkg/audio/capture"
)

const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems initialised in New and torn down in Shutdown.
	device    capture.Device
	store     archive.Store
	chain     *archive.Chain
	postgres  *archive.PostgresStore
	client    *transport.Client
	ctrl      *session.Controller
	restarter *session.Restarter
	ui        *present.Server
	health    *health.Handler
	listener  net.Listener
	server    *http.Server
	metrics   *observe.Metrics

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects a capture device instead of creating one from the registry.
func WithDevice(d capture.Device) Option {
	return func(a *App) { a.device = d }
}

// WithArchive injects an archive store instead of creating one from config.
func WithArchive(s archive.Store) Option {
	return func(a *App) { a.store = s }
}

// WithListener serves the local UI on l instead of listening on
// cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithMetrics records to m instead of the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg resolves the
// configured capture device unless [WithDevice] is given.
//
// New performs all initialisation synchronously: capture device, archive
// (including the PostgreSQL migration), transport client, session
// controller, optional restarter and the local UI server.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Capture device ────────────────────────────────────────────────
	if err := a.initDevice(reg); err != nil {
		return nil, fmt.Errorf("app: init capture device: %w", err)
	}

	// ── 2. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 3. Transport client ──────────────────────────────────────────────
	header := make(http.Header, len(cfg.Backend.Headers))
	for k, v := range cfg.Backend.Headers {
		header.Set(k, v)
	}
	client, err := transport.NewClient(transport.Config{
		BaseURL:      cfg.Backend.URL,
		LectureID:    cfg.Backend.LectureID,
		PresenterID:  cfg.Backend.PresenterID,
		DialTimeout:  cfg.Backend.DialTimeout,
		WriteTimeout: cfg.Backend.WriteTimeout,
		Header:       header,
		Metrics:      a.metrics,
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init transport: %w", err)
	}
	a.client = client

	// ── 4. Session controller ────────────────────────────────────────────
	framer := capture.NewFramer(a.device, capture.Config{FrameDuration: cfg.Capture.FrameDuration})
	ctrl, err := session.New(session.Config{
		Capture:        session.FramerCapture{Framer: framer},
		Transport:      session.ClientTransport{Client: client},
		Archive:        a.store,
		LectureID:      cfg.Backend.LectureID,
		PresenterID:    cfg.Backend.PresenterID,
		ArchiveTimeout: cfg.Session.ArchiveTimeout,
		Metrics:        a.metrics,
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session controller: %w", err)
	}
	a.ctrl = ctrl

	if ar := cfg.Session.AutoRestart; ar.Enabled {
		a.restarter = session.NewRestarter(ctrl, session.RestarterConfig{
			MaxRetries: ar.MaxRetries,
			Backoff:    ar.Backoff,
			MaxBackoff: ar.MaxBackoff,
			Metrics:    a.metrics,
		})
	}

	// ── 5. Local UI ──────────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		_ = ctrl.Close()
		a.closeAll()
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	slog.Info("application initialised",
		"device", cfg.Capture.Device,
		"endpoint", client.Endpoint(),
		"listen_addr", a.listener.Addr().String(),
		"auto_restart", a.restarter != nil,
	)
	return a, nil
}

func (a *App) initDevice(reg *config.Registry) error {
	if a.device == nil {
		if reg == nil {
			return errors.New("no device registry")
		}
		d, err := reg.CreateDevice(a.cfg.Capture)
		if err != nil {
			return err
		}
		a.device = d
	}
	if c, ok := a.device.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	return nil
}

// initArchive builds the archive chain: PostgreSQL first when configured,
// the JSONL file as fallback. A store injected with WithArchive is used as is.
func (a *App) initArchive(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	ac := a.cfg.Archive
	breaker := archive.BreakerConfig{Threshold: ac.BreakerThreshold, Cooldown: ac.BreakerCooldown}

	if ac.PostgresDSN != "" {
		pg, err := archive.NewPostgresStore(ctx, ac.PostgresDSN)
		if err != nil {
			return err
		}
		a.postgres = pg
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		a.chain = archive.NewChain("postgres", pg, breaker)
	}
	if ac.File != "" {
		fs := archive.NewFileStore(ac.File)
		if a.chain == nil {
			a.chain = archive.NewChain("file", fs, breaker)
		} else {
			a.chain.Add("file", fs)
		}
	}
	if a.chain != nil {
		a.store = a.chain
	}
	return nil
}

func (a *App) initServer() error {
	a.ui = present.New(a.ctrl, present.Config{OriginPatterns: a.cfg.Server.AllowedOrigins})

	a.health = health.New(health.Checker{Name: "backend", Check: a.checkBackend})
	if a.chain != nil {
		a.health.Add(health.Checker{Name: "archive", Check: a.checkArchive})
	}

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("/api/", a.ui.Handler())
	if !a.cfg.Telemetry.DisableMetrics {
		mux.Handle("GET /metrics", observe.MetricsHandler())
	}

	if a.listener == nil {
		l, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			a.ui.Close()
			return err
		}
		a.listener = l
	}
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return nil
}

// ─── Readiness ───────────────────────────────────────────────────────────────

// checkBackend fails while a recording session has lost its connection.
// Outside a session it probes that the backend host accepts TCP connections.
func (a *App) checkBackend(ctx context.Context) error {
	st := a.ctrl.State()
	if st.Phase == feedback.PhaseRecording {
		if !st.ConnectionHealthy {
			return errors.New("stream disconnected")
		}
		return nil
	}
	addr, err := dialAddr(a.cfg.Backend.URL)
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (a *App) checkArchive(ctx context.Context) error {
	var errs []error
	for name, st := range a.chain.States() {
		if st == archive.BreakerOpen {
			errs = append(errs, fmt.Errorf("%s: %w", name, archive.ErrBreakerOpen))
		}
	}
	if a.postgres != nil {
		if err := a.postgres.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	return errors.Join(errs...)
}

// dialAddr returns host:port for a backend URL, filling in the scheme's
// default port.
func dialAddr(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "https" || u.Scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Addr returns the address the local UI is served on.
func (a *App) Addr() net.Addr { return a.listener.Addr() }

// Run serves the local UI and, when enabled, watches for connection losses
// until ctx is done or the server fails. It returns ctx.Err() on a normal
// stop.
func (a *App) Run(ctx context.Context) error {
	if a.restarter != nil {
		a.restarter.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Serve(a.listener)
	}()
	slog.Info("local UI listening", "addr", a.listener.Addr().String())

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

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: the restarter first so it cannot start
// a new session, then the UI, then the active session (which archives it),
// then the device and archive stores. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.restarter != nil {
			a.restarter.Stop()
		}

		// Stream clients are hijacked connections that Server.Shutdown does
		// not track.
		a.ui.Close()
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			shutdownErr = err
		}
		// Run may never have served on the listener.
		if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Warn("listener close error", "err", err)
		}

		if err := a.ctrl.Close(); err != nil {
			slog.Warn("session controller close error", "err", err)
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

// closeAll runs the closers collected so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
