// Package app wires all vocalink subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves devices until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithArchive,
// WithMCPHost, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/MrWong99/vocalink/internal/archive"
	"github.com/MrWong99/vocalink/internal/archive/postgres"
	"github.com/MrWong99/vocalink/internal/archive/sqlite"
	"github.com/MrWong99/vocalink/internal/config"
	"github.com/MrWong99/vocalink/internal/directory"
	"github.com/MrWong99/vocalink/internal/gateway"
	"github.com/MrWong99/vocalink/internal/health"
	"github.com/MrWong99/vocalink/internal/mcp"
	"github.com/MrWong99/vocalink/internal/mcp/mcphost"
	"github.com/MrWong99/vocalink/internal/observe"
	"github.com/MrWong99/vocalink/internal/session"
)

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar
	log       *slog.Logger

	mu  sync.Mutex
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	store     archive.Gateway
	guard     *archive.Guard
	flusher   *archive.Flusher
	tools     mcp.Host
	directory *directory.Directory
	health    *health.Handler
	sessions  *session.Manager
	gateway   *gateway.Server

	gatewayOpts []gateway.Option

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchive injects an archive store instead of opening the configured one.
func WithArchive(gw archive.Gateway) Option {
	return func(a *App) { a.store = gw }
}

// WithMCPHost injects a tool dispatcher instead of creating one. Configured
// MCP servers are still registered on it.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.tools = h }
}

// WithMetrics sets the metrics shared by all subsystems.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.Reload] change the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithGatewayOptions passes extra options to the HTTP gateway.
func WithGatewayOptions(opts ...gateway.Option) Option {
	return func(a *App) { a.gatewayOpts = append(a.gatewayOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from [BuildProviders].
//
// New performs all initialisation synchronously: archive store connection
// and migration, MCP server registration, directory setup, and construction
// of the session manager and HTTP gateway.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.TTS == nil || providers.LLM == nil || providers.VAD == nil {
		return nil, errors.New("app: stt, tts, llm and vad providers are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 2. Tool dispatcher ───────────────────────────────────────────────
	if err := a.initMCP(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	// ── 3. Device directory ──────────────────────────────────────────────
	a.initDirectory()

	// ── 4. Sessions ──────────────────────────────────────────────────────
	deps := session.Deps{
		STT:     providers.STT,
		STTName: providers.STTName,
		TTS:     providers.TTS,
		TTSName: providers.TTSName,
		LLM:     providers.LLM,
		LLMName: providers.LLMName,
		Models:  providers.Models,
		VAD:     providers.VAD,
		Tools:   a.tools,
		Things:  cfg.IoT,
		Metrics: a.metrics,
		Logger:  a.log,
	}
	if a.directory != nil {
		deps.Directory = a.directory
	}
	if a.flusher != nil {
		deps.Archive = a.flusher
	}
	a.sessions = session.NewManager(deps, SessionConfig(cfg),
		session.WithMaxSessions(cfg.Server.MaxSessions),
		session.WithManagerLogger(a.log),
	)

	// ── 5. HTTP gateway ──────────────────────────────────────────────────
	a.health = health.New(health.Ping("archive", a.guard))
	gwCfg := gateway.Config{
		ListenAddr: cfg.Server.ListenAddr,
		DevicePath: cfg.Server.DevicePath,
	}
	if tls := cfg.Server.TLS; tls != nil {
		gwCfg.CertFile, gwCfg.KeyFile = tls.CertFile, tls.KeyFile
	}
	gwOpts := append([]gateway.Option{
		gateway.WithHealth(a.health),
		gateway.WithLogger(a.log),
		gateway.WithMetrics(a.metrics),
	}, a.gatewayOpts...)
	a.gateway = gateway.New(gwCfg, a.sessions, gwOpts...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initArchive(ctx context.Context) error {
	ac := a.cfg.Archive
	if a.store == nil {
		switch ac.Store {
		case config.StorePostgres:
			s, err := postgres.NewStore(ctx, ac.DSN)
			if err != nil {
				return err
			}
			a.store = s
		case config.StoreSQLite:
			s, err := sqlite.Open(ctx, ac.DSN)
			if err != nil {
				return err
			}
			a.store = s
		default:
			a.store = archive.Discard{}
		}
	}
	a.guard = archive.NewGuard(a.store)
	a.closers = append(a.closers, a.guard.Close)

	if ac.Store == config.StoreNone && ac.Dir == "" {
		a.log.Info("conversation archive disabled")
		return nil
	}
	a.flusher = archive.NewFlusher(a.guard,
		archive.WithDir(ac.Dir),
		archive.WithRetry(ac.RetryMax, archive.DefaultRetryBackoff),
		archive.WithFlusherMetrics(a.metrics),
		archive.WithFlusherLogger(a.log),
	)
	a.log.Info("conversation archive enabled", "store", ac.Store, "dir", ac.Dir)
	return nil
}

func (a *App) initMCP(ctx context.Context) error {
	servers := a.cfg.MCP.Servers
	if a.tools == nil {
		if len(servers) == 0 {
			return nil
		}
		host := mcphost.New(
			mcphost.WithMetrics(a.metrics),
			mcphost.WithDefaultTimeout(30*time.Second),
		)
		a.tools = host
		a.closers = append(a.closers, host.Close)
	}

	for _, srv := range servers {
		if err := a.tools.RegisterServer(ctx, srv.ServerConfig()); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		a.log.Info("registered MCP server", "name", srv.Name, "transport", srv.Transport)
	}
	return nil
}

func (a *App) initDirectory() {
	dc := a.cfg.Directory
	if dc.URL == "" && len(dc.Devices) == 0 {
		return
	}
	opts := []directory.Option{directory.WithStatic(dc.Devices)}
	if dc.URL != "" {
		opts = append(opts, directory.WithURL(dc.URL))
	}
	if dc.TimeoutMs > 0 {
		opts = append(opts, directory.WithTimeout(time.Duration(dc.TimeoutMs)*time.Millisecond))
	}
	// Defaults stay empty so sessions fall back to the live config.
	a.directory = directory.New(directory.Profile{}, opts...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves devices until ctx is
// cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	addr := a.Config().Server.ListenAddr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves devices on ln until ctx is cancelled. Call [App.Shutdown]
// afterwards to drain sessions.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.gateway.Serve(ln) }()

	a.log.Info("app running", "addr", ln.Addr().String())
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		return nil
	}
}

// Sessions returns the session registry.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Health returns the probe handler.
func (a *App) Health() *health.Handler { return a.health }

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a changed configuration. Its signature matches the
// [config.Watcher] callback. Settings that sessions read at start apply to
// new sessions; everything else is logged as requiring a restart.
func (a *App) Reload(old, updated *config.Config) {
	d := config.Diff(old, updated)

	a.mu.Lock()
	a.cfg = updated
	a.mu.Unlock()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(ParseLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.HotReloadable() {
		a.sessions.SetConfig(SessionConfig(updated))
		a.log.Info("session settings reloaded",
			"llm", d.LLMChanged,
			"pipeline", d.PipelineChanged,
			"voice", d.VoiceChanged,
			"exit_phrases", d.ExitPhrasesChanged)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ParseLevel converts a config log level to a slog level. Unknown values map
// to info.
func ParseLevel(l config.LogLevel) slog.Level {
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

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. Readiness fails first so load
// balancers stop routing devices, then the listener closes, live sessions
// end, queued archive takes are stored, and the closers run. It respects the
// context deadline: if ctx expires, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.sessions.Len())
		a.health.SetDraining(true)

		if err := a.gateway.Shutdown(ctx); err != nil {
			a.log.Warn("gateway shutdown error", "err", err)
		}
		if err := a.sessions.Shutdown(ctx); err != nil {
			a.log.Warn("session shutdown error", "err", err)
			shutdownErr = err
		}
		if a.flusher != nil {
			if err := a.flusher.Close(ctx); err != nil {
				a.log.Warn("archive flush error", "err", err)
				shutdownErr = err
			}
		}

		if err := a.runClosers(ctx); err != nil {
			shutdownErr = err
			return
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	return nil
}

// closeAll releases what New opened before it failed.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
