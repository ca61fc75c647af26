// Package app wires the lexicaption server together: it builds the
// dictionary backends from configuration, runs one overlay engine per host
// connection behind the WebSocket bridge, and serves the health and metrics
// endpoints next to it.
//
// Typical usage:
//
//	application, err := app.New(ctx, cfg, app.WithLogger(log))
//	if err != nil { … }
//	if err := application.Run(ctx); err != nil { … }
//
// This package lives under internal/ because it encapsulates application
// wiring and is not intended to be imported by external code.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lexicaption/internal/config"
	"github.com/MrWong99/lexicaption/internal/credential"
	"github.com/MrWong99/lexicaption/internal/engine"
	"github.com/MrWong99/lexicaption/internal/health"
	"github.com/MrWong99/lexicaption/internal/hostbridge"
	"github.com/MrWong99/lexicaption/internal/observe"
	"github.com/MrWong99/lexicaption/pkg/audio"
	"github.com/MrWong99/lexicaption/pkg/audio/httpfetch"
	"github.com/MrWong99/lexicaption/pkg/enrich"
)

// BridgePath is where hosts open their WebSocket connection.
const BridgePath = "/ws"

// App owns every long-lived component of a running server.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// level is adjusted in place when the log level is reloaded. It is nil
	// when the caller's logger is not driven by a level variable.
	level *slog.LevelVar

	metrics        *observe.Metrics
	metricsHandler http.Handler
	registry       *config.Registry
	keyFile        *credential.File
	fetcher        audio.Fetcher

	// enricher and primary are built from cfg.Enrichment unless an enricher
	// was injected.
	enricher enrich.Enricher
	primary  Backend

	bridge *hostbridge.Server
	health *health.Handler
	mux    *http.ServeMux
	server *http.Server

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for [New].
type Option func(*App)

// WithLogger sets the logger used by the app and every session.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel hands the app the level variable behind its logger, which
// enables log level reloads.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithRegistry replaces the built-in backend registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to the
// Prometheus handler of the default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithKeyFile sets the key store of the primary backend. Defaults to the
// file named in the configuration.
func WithKeyFile(f *credential.File) Option {
	return func(a *App) { a.keyFile = f }
}

// WithFetcher replaces the HTTP audio fetcher.
func WithFetcher(f audio.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithEnricher skips backend construction and serves lookups with e.
func WithEnricher(e enrich.Enricher) Option {
	return func(a *App) { a.enricher = e }
}

// New creates an App from cfg. cfg must already be validated.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	if err := a.initEnricher(ctx); err != nil {
		return nil, err
	}
	if err := a.initBridge(); err != nil {
		return nil, err
	}
	a.initHTTP()
	return a, nil
}

// ─── Wiring ──────────────────────────────────────────────────────────────────

func (a *App) initEnricher(ctx context.Context) error {
	if a.enricher != nil {
		a.primary = Backend{Name: "custom", Enricher: a.enricher}
		return nil
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltinBackends(a.registry, a.cfg.Enrichment, a.cfg.Audio.TTSBaseURL)
	}
	if a.keyFile == nil && config.NeedsKey(a.cfg.Enrichment.Name) {
		f, err := KeyFile(a.cfg.Enrichment)
		if err != nil {
			return fmt.Errorf("app: key file: %w", err)
		}
		a.keyFile = f
	}
	e, primary, err := BuildEnricher(ctx, a.registry, a.cfg.Enrichment, a.keyFile, a.log, a.metrics)
	if err != nil {
		return err
	}
	a.enricher, a.primary = e, primary
	return nil
}

func (a *App) initBridge() error {
	opts := []hostbridge.Option{
		hostbridge.WithLogger(a.log),
		hostbridge.WithMetrics(a.metrics),
		hostbridge.WithProviderName(a.primary.Name),
		hostbridge.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
		hostbridge.WithSendBuffer(a.cfg.Server.SendBuffer),
		hostbridge.WithTimeouts(a.cfg.Server.WriteTimeout, a.cfg.Audio.AckTimeout),
		hostbridge.WithReadLimit(a.cfg.Server.MaxMessageBytes),
	}
	if !a.cfg.Audio.Disabled {
		if a.fetcher == nil {
			a.fetcher = httpfetch.New(
				httpfetch.WithClient(&http.Client{Timeout: a.cfg.Audio.Timeout}),
				httpfetch.WithMaxBytes(a.cfg.Audio.MaxBytes),
			)
		}
		opts = append(opts, hostbridge.WithFetcher(a.fetcher, a.cfg.Audio.CacheSize))
	}

	bridge, err := hostbridge.NewServer(EngineConfig(a.cfg.Engine, a.cfg.Enrichment.Timeout), a.enricher, opts...)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.bridge = bridge
	return nil
}

func (a *App) initHTTP() {
	checkers := []health.Checker{health.Func("hostbridge", a.bridge.Check)}
	if a.primary.Credential != nil {
		checkers = append(checkers, health.Credential("credential", a.primary.Credential))
	}
	a.health = health.New(a.log, checkers...)

	a.mux = http.NewServeMux()
	a.mux.Handle(BridgePath, observe.Middleware(a.metrics)(a.bridge))
	a.mux.Handle("/metrics", a.metricsHandler)
	a.health.Register(a.mux)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// EngineConfig merges the engine section of the configuration over
// [engine.DefaultConfig]. Zero values keep the defaults, except NewDelay,
// whose default already is zero.
func EngineConfig(c config.EngineConfig, requestTimeout time.Duration) engine.Config {
	out := engine.DefaultConfig()
	rc := &out.Reconcile
	if len(c.ContainerClasses) > 0 {
		rc.ContainerClasses = c.ContainerClasses
	}
	if len(c.RegionClasses) > 0 {
		rc.RegionClasses = c.RegionClasses
	}
	if c.TokenClass != "" {
		rc.TokenClass = c.TokenClass
	}
	if c.NewDelay > 0 {
		rc.NewDelay = c.NewDelay
	}
	if c.UpdateDelay > 0 {
		rc.UpdateDelay = c.UpdateDelay
	}
	if c.SweepDelay > 0 {
		rc.SweepDelay = c.SweepDelay
	}
	if c.SweepInterval > 0 {
		rc.SweepInterval = c.SweepInterval
	}
	if c.SelectedClass != "" {
		out.SelectedClass = c.SelectedClass
	}
	if c.ModifierKey != "" {
		out.ModifierKey = c.ModifierKey
	}
	if requestTimeout > 0 {
		out.RequestTimeout = requestTimeout
	}
	return out
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the bridge, health and metrics.
func (a *App) Handler() http.Handler { return a.mux }

// Bridge returns the host bridge.
func (a *App) Bridge() *hostbridge.Server { return a.bridge }

// Backend returns the primary dictionary backend.
func (a *App) Backend() Backend { return a.primary }

// Enricher returns the enricher lookups are served with, including failover.
func (a *App) Enricher() enrich.Enricher { return a.enricher }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. The shutdown grace period is
// 15 seconds.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.log.Info("app: serving",
		"addr", ln.Addr().String(),
		"backend", a.primary.Name,
		"tls", a.cfg.Server.TLS != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown ends every host session, then stops the HTTP server. It is safe
// to call more than once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "sessions", a.bridge.Active())
		// Hijacked WebSocket connections are invisible to http.Server, so
		// the bridge goes first.
		var errs []error
		if err := a.bridge.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		a.stopErr = errors.Join(errs...)
		if a.stopErr == nil {
			a.log.Info("app: shutdown complete")
		}
	})
	return a.stopErr
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the parts of next that can change at runtime: the log
// level and the debounce timings. Other changes are logged and wait for a
// restart.
func (a *App) Reload(ctx context.Context, prev, next *config.Config) error {
	d := config.Diff(prev, next)
	if !d.Changed() {
		return nil
	}

	var errs []error
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(SlogLevel(d.NewLogLevel))
			a.log.Info("app: log level changed", "level", string(d.NewLogLevel))
		} else {
			d.RestartRequired = append(d.RestartRequired, "server.log_level")
		}
	}
	if d.TimingsChanged {
		rc := EngineConfig(next.Engine, 0).Reconcile
		if err := a.bridge.SetTimings(ctx, rc.NewDelay, rc.UpdateDelay, rc.SweepDelay); err != nil {
			errs = append(errs, err)
		} else {
			a.log.Info("app: timings changed",
				"new_delay", rc.NewDelay,
				"update_delay", rc.UpdateDelay,
				"sweep_delay", rc.SweepDelay,
			)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("app: config changes need a restart", "keys", d.RestartRequired)
	}
	return errors.Join(errs...)
}

// SlogLevel maps a configured level to its [slog.Level]. Unknown levels
// map to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
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
