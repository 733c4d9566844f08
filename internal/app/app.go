// Package app wires all haipd subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithArchiver,
// WithRegistry, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/haipio/haip/internal/archive"
	"github.com/haipio/haip/internal/config"
	"github.com/haipio/haip/internal/health"
	"github.com/haipio/haip/internal/observe"
	"github.com/haipio/haip/internal/server"
	"github.com/haipio/haip/internal/session"
	"github.com/haipio/haip/internal/tools"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	metrics  *observe.Metrics
	registry *tools.Registry
	bridge   *tools.MCPBridge
	manager  *session.Manager
	srv      *server.Server
	watcher  *config.Watcher

	auth     session.Authenticator
	archiver session.Archiver
	lister   server.TransactionLister
	checkers []health.Checker

	configPath string
	telemetry  bool

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchiver injects a transaction archiver instead of connecting to the
// configured PostgreSQL DSN.
func WithArchiver(a session.Archiver) Option {
	return func(app *App) { app.archiver = a }
}

// WithRegistry injects a tool registry instead of building one from config.
func WithRegistry(r *tools.Registry) Option {
	return func(app *App) { app.registry = r }
}

// WithAuthenticator injects an authenticator instead of deriving one from
// the config token table.
func WithAuthenticator(a session.Authenticator) Option {
	return func(app *App) { app.auth = a }
}

// WithConfigReload watches path and applies hot-reloadable changes while
// the app runs.
func WithConfigReload(path string) Option {
	return func(app *App) { app.configPath = path }
}

// WithTelemetry controls whether New initialises the global OTel providers.
// Disabled in tests that run several apps in one process.
func WithTelemetry(enabled bool) Option {
	return func(app *App) { app.telemetry = enabled }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		log:       slog.Default(),
		telemetry: true,
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	if err := a.initTools(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	if err := a.initArchive(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init archive: %w", err)
	}
	a.initAuth()

	a.manager = session.NewManager(a.log, a.metrics)
	a.srv = server.New(server.Config{
		Addr:          cfg.Server.ListenAddr,
		TLS:           cfg.Server.TLS,
		Manager:       a.manager,
		Tools:         a.registry,
		Metrics:       a.metrics,
		Authenticator: a.auth,
		Archive:       a.archiver,
		Transactions:  a.lister,
		Checkers:      a.checkers,
		Protocol:      cfg.Protocol,
		Log:           a.log,
	})

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfigChange)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}

	return a, nil
}

// initTelemetry sets up the global OTel providers and the metrics handle.
func (a *App) initTelemetry(ctx context.Context) error {
	if !a.telemetry {
		return nil
	}
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "haipd",
		ServiceVersion: Version,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		return shutdown(context.Background())
	})
	a.metrics = observe.DefaultMetrics()
	return nil
}

// initTools builds the registry, registers builtins and bridges the
// configured MCP servers.
func (a *App) initTools(ctx context.Context) error {
	if a.registry == nil {
		a.registry = tools.NewRegistry()
		if a.cfg.Tools.Builtin {
			if err := tools.RegisterBuiltins(a.registry); err != nil {
				return err
			}
		}
	}

	if len(a.cfg.Tools.MCPServers) == 0 {
		return nil
	}
	a.bridge = tools.NewMCPBridge()
	a.closers = append(a.closers, a.bridge.Close)
	for _, srv := range a.cfg.Tools.MCPServers {
		err := a.bridge.RegisterServer(ctx, a.registry, tools.MCPServerConfig{
			Name:      srv.Name,
			Transport: tools.Transport(srv.Transport),
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		})
		if err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		a.log.Info("registered MCP server", "name", srv.Name, "transport", srv.Transport)
	}
	return nil
}

// initArchive connects the PostgreSQL archive when a DSN is configured and
// no archiver was injected.
func (a *App) initArchive(ctx context.Context) error {
	if a.archiver != nil {
		if l, ok := a.archiver.(server.TransactionLister); ok {
			a.lister = l
		}
		return nil
	}
	dsn := a.cfg.Archive.PostgresDSN
	if dsn == "" {
		return nil
	}

	store, err := archive.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	// The breaker keeps session teardown from stalling on a dead database.
	a.archiver = archive.NewBreaker(store, archive.BreakerConfig{Log: a.log})
	a.lister = store
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	a.checkers = append(a.checkers, health.Checker{Name: "archive", Check: store.Ping})
	a.log.Info("transaction archive connected")
	return nil
}

// initAuth derives the token authenticator from config. An empty token table
// leaves authentication open.
func (a *App) initAuth() {
	if a.auth != nil || len(a.cfg.Auth.Tokens) == 0 {
		return
	}
	a.auth = TokenAuthenticator(a.cfg.Auth.Tokens)
}

// TokenAuthenticator authenticates handshakes against a static token table
// mapping bearer token to subject.
func TokenAuthenticator(table map[string]string) session.Authenticator {
	tokens := make(map[string]string, len(table))
	for token, subject := range table {
		tokens[token] = subject
	}
	return func(_ context.Context, auth map[string]any) (string, error) {
		token, _ := auth["token"].(string)
		if token == "" {
			return "", fmt.Errorf("auth token required")
		}
		subject, ok := tokens[token]
		if !ok {
			return "", fmt.Errorf("unknown auth token")
		}
		return subject, nil
	}
}

// applyConfigChange reacts to a validated config reload. Only the safe
// subset is applied live; everything else logs a restart hint.
func (a *App) applyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		a.log.Info("log level change requires restart", "new_level", d.NewLogLevel)
	}
	if d.ProtocolChanged {
		a.cfg.Protocol = new.Protocol
		a.log.Info("protocol tunables updated; existing sessions keep their parameters")
	}
	if d.AuthChanged {
		a.log.Warn("auth token changes require restart")
	}
	for _, c := range d.MCPServerChanges {
		a.log.Warn("mcp server change requires restart",
			"name", c.Name, "added", c.Added, "removed", c.Removed, "changed", c.Changed)
	}
}

// Manager exposes the session manager, mainly for tests.
func (a *App) Manager() *session.Manager { return a.manager }

// Registry exposes the tool registry, mainly for tests.
func (a *App) Registry() *tools.Registry { return a.registry }

// Run serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.srv.Run(gctx) })

	a.log.Info("haipd running",
		"addr", a.cfg.Server.ListenAddr,
		"tools", a.registry.Len(),
		"archive", a.archiver != nil,
	)
	return g.Wait()
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		if a.manager != nil {
			a.manager.CloseAll("server shutting down")
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// close releases whatever was initialised before a New failure.
func (a *App) close() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
