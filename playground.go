// Package playground wires the scenario runner, its HTTP API and the live
// output channel into one application.
package playground

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/playground/internal/auth"
	"github.com/loykin/playground/internal/config"
	"github.com/loykin/playground/internal/env"
	"github.com/loykin/playground/internal/execution"
	"github.com/loykin/playground/internal/history"
	hfactory "github.com/loykin/playground/internal/history/factory"
	"github.com/loykin/playground/internal/live"
	"github.com/loykin/playground/internal/metrics"
	"github.com/loykin/playground/internal/registry"
	"github.com/loykin/playground/internal/scenario"
	"github.com/loykin/playground/internal/server"
	"github.com/loykin/playground/internal/store"
	sfactory "github.com/loykin/playground/internal/store/factory"
	itls "github.com/loykin/playground/internal/tls"
)

// Re-export types used by embedders and the CLI.

type Config = config.Config

type Execution = store.Execution

type ScenarioRequest = scenario.Request

// OrphanReason is written to executions left unfinished by a previous process.
const OrphanReason = "interrupted by server restart"

// App owns every long-lived component of a playground server.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	auth     *auth.Service
	metrics  *metrics.Aggregator
	sampler  *metrics.ProcessSampler
	registry *registry.Registry
	history  *history.Dispatcher
	resolver *scenario.Resolver
	exec     *execution.Service
	live     *live.Handler
	router   *server.Router
}

// New builds the application from cfg and ensures the store schema exists.
// Nothing is listening until Run is called.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	a := &App{cfg: cfg, logger: cfg.Log.NewSlogger()}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	st, err := sfactory.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st

	if a.auth, err = auth.NewService(cfg.Auth, st); err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		a.logger.Warn("auth.jwt_secret not set; tokens will not survive a restart")
	}

	if a.metrics, err = metrics.New(cfg.Metrics.Aggregator, a.logger.With("component", "metrics")); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if d, ok := st.(interface{ DB() *sql.DB }); ok {
		if err := a.metrics.RegisterDB(d.DB(), "store"); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	a.sampler = metrics.NewProcessSampler(cfg.Metrics.Aggregator.Namespace, cfg.Metrics.ProcessMetrics, a.logger.With("component", "sampler"))
	if err := a.sampler.RegisterWith(a.metrics); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	a.registry = registry.New(registry.WithObserver(a.metrics), registry.WithLogger(a.logger))

	sinks, err := hfactory.NewSinks(cfg.History.Sinks)
	if err != nil {
		return fmt.Errorf("history sinks: %w", err)
	}
	a.history = history.NewDispatcher(sinks, cfg.History.QueueSize, a.logger.With("component", "history"))

	if a.resolver, err = newResolver(cfg.Scenarios, a.logger); err != nil {
		return err
	}

	opts := []execution.Option{
		execution.WithRecorder(a.metrics),
		execution.WithArchive(cfg.Log),
		execution.WithLogger(a.logger),
	}
	if a.history.Len() > 0 {
		opts = append(opts, execution.WithExporter(a.history))
	}
	if a.exec, err = execution.NewService(st, a.resolver, a.registry, cfg.Execution, opts...); err != nil {
		return err
	}

	a.live = live.NewHandler(a.auth, a.registry, cfg.Live, a.logger.With("component", "live"))

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		metricsHandler = a.metrics.Handler()
	}
	a.router = server.NewRouter(server.Options{
		BasePath:   cfg.Server.BasePath,
		Executions: a.exec,
		Catalog:    a.resolver,
		Sessions:   a.auth,
		AuthRateLimit: server.RateLimit{
			Attempts: cfg.Auth.RateLimitAttempts,
			Window:   cfg.Auth.RateLimitWindow,
		},
		Statistics: st,
		Live:       a.live,
		Metrics:    metricsHandler,
		Observer:   a.metrics,
		Logger:     a.logger.With("component", "http"),
	})
	return nil
}

func newResolver(sc config.ScenariosConfig, logger *slog.Logger) (*scenario.Resolver, error) {
	lookup, err := sc.EnvLookup()
	if err != nil {
		return nil, fmt.Errorf("scenario env files: %w", err)
	}
	allow := append(append([]string{}, env.DefaultAllow...), sc.Allow...)
	opts := []scenario.Option{
		scenario.WithEnv(env.New(allow...).WithLookup(lookup)),
		scenario.WithLogger(logger.With("component", "scenario")),
	}
	for _, cat := range sc.Categories {
		if len(cat.Env) > 0 {
			opts = append(opts, scenario.WithCategoryEnv(cat.Name, cat.Env...))
		}
		if cat.Command != "" {
			s, err := scenario.CommandStrategy(cat.Command)
			if err != nil {
				return nil, fmt.Errorf("category %s: %w", cat.Name, err)
			}
			opts = append(opts, scenario.WithStrategy(cat.Name, s))
		}
	}
	return scenario.NewResolver(sc.Root, opts...), nil
}

func (a *App) Logger() *slog.Logger           { return a.logger }
func (a *App) Auth() *auth.Service            { return a.auth }
func (a *App) Store() store.Store             { return a.store }
func (a *App) Resolver() *scenario.Resolver   { return a.resolver }
func (a *App) Executions() *execution.Service { return a.exec }
func (a *App) Metrics() *metrics.Aggregator   { return a.metrics }
func (a *App) Registry() *registry.Registry   { return a.registry }
func (a *App) Handler() http.Handler          { return a.router.Handler() }
func (a *App) Router() *server.Router         { return a.router }
func (a *App) History() *history.Dispatcher   { return a.history }

// Prepare fails executions a previous process left unfinished and seeds the
// execution counters from the store. Run calls it before listening.
func (a *App) Prepare(ctx context.Context) error {
	n, err := a.store.FailOrphaned(ctx, OrphanReason)
	if err != nil {
		return fmt.Errorf("fail orphaned executions: %w", err)
	}
	if n > 0 {
		a.logger.Warn("failed orphaned executions", "count", n)
	}
	if err := a.metrics.Reconcile(ctx, a.store); err != nil {
		return fmt.Errorf("reconcile metrics: %w", err)
	}
	return nil
}

// Run serves HTTP (and the dedicated metrics listener when configured)
// until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	if err := a.Prepare(ctx); err != nil {
		return err
	}
	cfg := a.cfg

	bg, stopBg := context.WithCancel(ctx)
	defer stopBg()
	if cfg.Metrics.Enabled {
		a.metrics.Start(bg, a.store)
		a.sampler.Start(bg, a.exec.Active)
	}

	tlsCfg, err := itls.SetupTLS(cfg.Server)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	srv := server.NewServer(cfg.Server.Listen, a.router)
	srv.TLSConfig = tlsCfg
	srv.ErrorLog = slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn)

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("http server listening", "addr", cfg.Server.Listen, "tls", tlsCfg != nil, "base_path", cfg.Server.BasePath)
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var msrv *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		msrv = metrics.NewServer(cfg.Metrics.Listen, a.metrics)
		go func() {
			a.logger.Info("metrics server listening", "addr", cfg.Metrics.Listen)
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.logger.Info("shutting down", "timeout", timeout)

	var errs []error
	if err := srv.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.exec.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("execution shutdown: %w", err))
	}
	// live connections are hijacked and not tracked by srv
	a.registry.CloseAll()
	if msrv != nil {
		if err := msrv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	stopBg()
	return errors.Join(append([]error{runErr}, errs...)...)
}

// Close releases the store, history sinks and background samplers. It is
// safe to call after a failed New.
func (a *App) Close() error {
	if a.sampler != nil {
		a.sampler.Stop()
	}
	if a.metrics != nil {
		a.metrics.Stop()
	}
	var errs []error
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// WaitExecutions blocks until every triggered execution has finished, or
// until d elapses when d is positive.
func (a *App) WaitExecutions(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		a.exec.Wait()
		close(done)
	}()
	if d <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
