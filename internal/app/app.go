package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/vk/pipegrid/internal/artifact"
	"github.com/vk/pipegrid/internal/concurrency"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/history"
	"github.com/vk/pipegrid/internal/loader"
	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/registry"
	"github.com/vk/pipegrid/internal/runner"
	"github.com/vk/pipegrid/internal/scheduler"
	"github.com/vk/pipegrid/internal/secrets"
	"github.com/vk/pipegrid/internal/trigger"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx    context.Context
	config *Config
	outW   io.Writer
	logger *slog.Logger

	registry  *registry.Registry
	artifacts artifact.Store
	history   *history.Store
	scheduler *scheduler.Scheduler
	evaluator *trigger.Evaluator
	pipelines []*model.Pipeline

	closers []io.Closer

	httpServer *http.Server
	cron       *cron.Cron

	closeOnce sync.Once
}

// NewApp is the constructor for the main application. It loads the
// definitions named by cfg.Paths and wires every component. Definition
// problems are returned as *model.DefinitionError.
func NewApp(ctx context.Context, outW io.Writer, cfg *Config, modules ...registry.Module) (_ *App, err error) {
	logger, logCloser := newLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile, outW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	a := &App{ctx: ctx, config: cfg, outW: outW, logger: logger}
	if logCloser != nil {
		a.closers = append(a.closers, logCloser)
	}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	// Load all definitions into the format-agnostic model first.
	if len(cfg.Paths) > 0 {
		a.pipelines, err = loader.Load(ctx, cfg.Paths...)
		if err != nil {
			return nil, err
		}
	}
	a.evaluator = trigger.NewEvaluator(a.pipelines...)
	logger.Debug("Definitions loaded.", "pipelines", len(a.pipelines))

	if len(modules) == 0 {
		modules = coreModules
	}
	a.registry = registry.New(logger, modules...)
	logger.Debug("All Go modules registered.", "count", len(modules), "actions", a.registry.Names())

	var storeOpts []artifact.Option
	if cfg.Retention > 0 {
		storeOpts = append(storeOpts, artifact.WithRetention(cfg.Retention))
	}
	if cfg.ArtifactRoot != "" {
		fs, err := artifact.NewFileStore(cfg.ArtifactRoot, storeOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open artifact store: %w", err)
		}
		a.artifacts = fs
	} else {
		a.artifacts = artifact.NewMemoryStore(storeOpts...)
	}

	driver, dsn, err := ParseDB(cfg.DB)
	if err != nil {
		return nil, err
	}
	if dsn != "" {
		a.history, err = history.Open(driver, dsn, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.history)
	}

	provisioner := &runner.Router{Local: runner.NewLocalProvisioner(cfg.WorkspaceRoot)}
	if cfg.Docker {
		docker, err := runner.NewDockerProvisioner(cfg.DockerHost, cfg.WorkspaceRoot)
		if err != nil {
			return nil, err
		}
		provisioner.Docker = docker
		a.closers = append(a.closers, docker)
	}

	var observers scheduler.Observers
	if a.history != nil {
		observers = append(observers, a.history)
	}

	a.scheduler = scheduler.New(scheduler.Options{
		Workers:     cfg.WorkerCount,
		Provisioner: provisioner,
		Resolver:    secrets.NewResolver(secrets.NewEnvSource(""), cfg.SecretGrants, os.Environ()),
		Artifacts:   a.artifacts,
		Groups:      concurrency.NewManager(),
		Actions:     a.registry,
		Observer:    observers,
		Logger:      logger,
	})
	return a, nil
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Pipelines returns the loaded definitions, ordered by name.
func (a *App) Pipelines() []*model.Pipeline {
	return a.pipelines
}

// Validate checks every loaded pipeline against the graph, expression and
// action rules without running anything.
func (a *App) Validate() error {
	if len(a.pipelines) == 0 {
		return errors.New("no pipelines loaded")
	}
	var errs []error
	for _, p := range a.pipelines {
		if err := scheduler.Validate(p, a.registry); err != nil {
			errs = append(errs, err)
			continue
		}
		a.logger.Info("Pipeline is valid.", "pipeline", p.Name, "jobs", len(p.Jobs), "source", p.Source)
	}
	errs = append(errs, a.ValidateSchedules())
	return errors.Join(errs...)
}

// Close stops the servers, cancels unfinished runs and releases resources.
// Failures are logged before the log sink is closed, then returned.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		a.stopCron()
		if shutdownErr := a.closeHTTPServer(ctx); shutdownErr != nil {
			err = shutdownErr
		}
		if a.scheduler != nil {
			if closeErr := a.scheduler.Close(ctx); closeErr != nil {
				err = errors.Join(err, closeErr)
			}
		}
		if err != nil {
			a.logger.Error("Shutdown did not complete cleanly.", "error", err)
		}
		a.closeResources()
	})
	return err
}

func (a *App) closeResources() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("Failed to close resource.", "error", err)
		}
	}
	a.closers = nil
}
