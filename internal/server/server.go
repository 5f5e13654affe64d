// Package server builds the finder's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/appointment-finder/internal/api"
	"github.com/JakeFAU/appointment-finder/internal/clock/system"
	"github.com/JakeFAU/appointment-finder/internal/config"
	"github.com/JakeFAU/appointment-finder/internal/eventlog"
	"github.com/JakeFAU/appointment-finder/internal/logging"
	"github.com/JakeFAU/appointment-finder/internal/metrics"
	"github.com/JakeFAU/appointment-finder/internal/orchestrator"
	"github.com/JakeFAU/appointment-finder/internal/probe"
	"github.com/JakeFAU/appointment-finder/internal/probe/headless"
	"github.com/JakeFAU/appointment-finder/internal/probe/static"
	"github.com/JakeFAU/appointment-finder/internal/profile"
	"github.com/JakeFAU/appointment-finder/internal/progress"
	progresssinks "github.com/JakeFAU/appointment-finder/internal/progress/sinks"
	"github.com/JakeFAU/appointment-finder/internal/reporter"
	"github.com/JakeFAU/appointment-finder/internal/runid"
	"github.com/JakeFAU/appointment-finder/internal/vault"
	"github.com/JakeFAU/appointment-finder/internal/worker"
)

// Options overrides pieces of the graph. Zero values build the production
// implementation.
type Options struct {
	Logger *zap.Logger
	// Output receives the reporter's text stream (default os.Stdout).
	Output io.Writer
	// Workers replaces the probe worker for the listed targets.
	Workers map[profile.Target]worker.Worker
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	ownLogger bool
	events    *eventlog.Log
	vault     *vault.Store
	registry  *prometheus.Registry
	hub       *progress.Hub
	orch      *orchestrator.Orchestrator
	reporter  *reporter.Reporter
	apiServer *api.Server

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies. ctx parents worker and sink
// contexts for the life of the App.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	app := &App{cfg: cfg, logger: opts.Logger}
	if app.logger == nil {
		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		app.logger = logger
		app.ownLogger = true
	}
	app.logger.Info("building application dependencies",
		zap.String("addr", cfg.Addr()),
		zap.String("probe_mode", cfg.Probe.Mode),
		zap.Bool("autobook", cfg.Search.Autobook),
	)

	clock := system.New(time.Local)
	app.events = eventlog.New(cfg.EventLog.Capacity, clock)

	var err error
	app.vault, err = vault.New(cfg.Vault, app.events, app.logger.Named("vault"))
	if err != nil {
		return nil, fmt.Errorf("vault init failed: %w", err)
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	targets, err := setupTargets(app, opts.Workers)
	if err != nil {
		return nil, err
	}
	if err := setupProgress(ctx, app); err != nil {
		return nil, err
	}

	app.orch, err = orchestrator.New(orchestrator.Config{ScratchDir: cfg.Scratch.BaseDir}, orchestrator.Deps{
		Targets:     targets,
		Store:       app.vault,
		Events:      app.events,
		Emitter:     app.hub,
		IDs:         runid.New(),
		Clock:       clock,
		Logger:      app.logger.Named("orchestrator"),
		BaseContext: ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	app.reporter, err = reporter.New(cfg.ReporterSettings(), app.orch, app.events,
		reporter.NewTextRenderer(out), app.logger.Named("reporter"))
	if err != nil {
		return nil, fmt.Errorf("reporter init failed: %w", err)
	}

	httpMetrics, err := metrics.NewHTTP(app.registry)
	if err != nil {
		return nil, fmt.Errorf("http metrics init failed: %w", err)
	}
	app.apiServer, err = api.NewServer(api.Config{
		Autobook:  cfg.Search.Autobook,
		LogWindow: cfg.Reporter.Window,
	}, api.Deps{
		Searcher:          app.orch,
		Profiles:          app.vault,
		Log:               app.events,
		Metrics:           metrics.Handler(app.registry),
		MetricsMiddleware: httpMetrics.Middleware,
		Logger:            app.logger.Named("api"),
	})
	if err != nil {
		return nil, fmt.Errorf("api init failed: %w", err)
	}
	return app, nil
}

func setupProgress(ctx context.Context, app *App) error {
	promSink, err := progresssinks.NewPrometheusSink(app.registry)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	hubCfg := progress.Config{
		BaseContext: ctx,
		Logger:      app.logger.Named("progress_hub"),
	}
	app.hub = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
	)
	app.logger.Debug("progress hub initialized")
	return nil
}

// setupTargets pairs every configured target with a worker and its autobook
// policy, in the fixed target order.
func setupTargets(app *App, overrides map[profile.Target]worker.Worker) ([]orchestrator.TargetSpec, error) {
	settings, policies, err := app.cfg.TargetSettings()
	if err != nil {
		return nil, err
	}
	var probeWorker worker.Worker
	var specs []orchestrator.TargetSpec
	for _, target := range profile.Targets() {
		if _, ok := settings[target]; !ok {
			continue
		}
		w := overrides[target]
		if w == nil {
			if probeWorker == nil {
				if probeWorker, err = newProbeWorker(app, settings); err != nil {
					return nil, err
				}
			}
			w = probeWorker
		}
		specs = append(specs, orchestrator.TargetSpec{
			Target:   target,
			Worker:   w,
			Autobook: policies[target],
		})
		app.logger.Info("target registered",
			zap.String("target", string(target)),
			zap.Stringer("autobook", policies[target]),
		)
	}
	return specs, nil
}

func newProbeWorker(app *App, settings map[profile.Target]probe.TargetConfig) (*probe.Worker, error) {
	var opener probe.Opener
	var err error
	switch app.cfg.Probe.Mode {
	case config.ModeStatic:
		opener, err = static.NewOpener(app.cfg.StaticSettings(), settings)
	default:
		opener, err = headless.NewOpener(app.cfg.HeadlessSettings(), settings)
	}
	if err != nil {
		return nil, fmt.Errorf("%s checker init failed: %w", app.cfg.Probe.Mode, err)
	}
	w, err := probe.New(app.cfg.ProbeSettings(), opener)
	if err != nil {
		return nil, fmt.Errorf("probe worker init failed: %w", err)
	}
	app.logger.Info("using probe worker",
		zap.String("mode", app.cfg.Probe.Mode),
		zap.Duration("poll_interval", app.cfg.ProbeSettings().PollInterval),
	)
	return w, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Orchestrator exposes the run controller.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Vault exposes the profile store.
func (a *App) Vault() *vault.Store { return a.vault }

// Events exposes the user-facing log.
func (a *App) Events() *eventlog.Log { return a.events }

// Reporter exposes the status loop.
func (a *App) Reporter() *reporter.Reporter { return a.reporter }

// Handler returns the control API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Run serves the control API and the status loop until ctx is canceled or
// the process receives SIGINT/SIGTERM, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener, without signal handling.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.logger.Info("application started")
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		a.reporter.Run(ctx)
	}()

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-reporterDone

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close stops any active run, waits for its workers, and flushes progress
// sinks. Later calls return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if err := a.orch.Shutdown(ctx); err != nil {
		a.logger.Warn("orchestrator shutdown incomplete", zap.Error(err))
		errs = append(errs, err)
	}
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("progress hub close failed", zap.Error(err))
		errs = append(errs, err)
	}
	a.logger.Info("shutdown complete")
	if a.ownLogger {
		// Sync on stderr returns EINVAL on some platforms.
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
