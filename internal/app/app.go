// Package app wires configuration, storage and orchestration for the CLI
// and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"foundry/internal/config"
	"foundry/internal/db"
	"foundry/internal/delegation"
	"foundry/internal/domain"
	"foundry/internal/logging"
	"foundry/internal/machine"
	"foundry/internal/orchestrator"
	"foundry/internal/store"
)

// DefaultProjectID is used when no config file exists and no project is
// named on the command line.
const DefaultProjectID = "default"

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/foundry.yml.
	ConfigPath string
	// Logger overrides the logger built from the logging config.
	Logger *zap.Logger
}

// App holds the long-lived collaborators for one workspace.
type App struct {
	Workspace  string
	Config     *config.Config
	Definition machine.Definition
	Store      store.Store
	Hub        *orchestrator.Hub
	Logger     *zap.Logger
}

// Open loads config (falling back to defaults when the workspace has none),
// opens the configured store and builds the orchestrator hub.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		if logger, err = logging.New(cfg.Logging); err != nil {
			return nil, err
		}
	}

	def := machine.DefaultDefinition()
	if path := cfg.DefinitionPath(opts.Workspace); path != "" {
		if def, err = machine.DefinitionFromFile(path); err != nil {
			return nil, fmt.Errorf("load machine definition: %w", err)
		}
		logger.Info("using custom lifecycle", zap.String("path", path), zap.String("id", def.ID))
	}

	st, err := openStore(ctx, cfg, opts.Workspace, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		Workspace:  opts.Workspace,
		Config:     cfg,
		Definition: def,
		Store:      st,
		Logger:     logger,
	}
	a.Hub = orchestrator.NewHub(orchestrator.Deps{
		Store:         st,
		Definition:    &a.Definition,
		Seed:          a.seed,
		NewDelegation: a.newDelegation,
		Logger:        logger,
	}, orchestrator.WithStrictIntents(cfg.Orchestrator.StrictIntents))
	return a, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(DefaultProjectID)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config, workspace string, logger *zap.Logger) (store.Store, error) {
	storeLogger := logger.Named("store")
	if cfg.Driver() == config.DriverPostgres {
		pg, err := store.OpenPostgres(ctx, cfg.Store.DSN, store.WithLogger(storeLogger))
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	sq, err := store.OpenSQLite(ctx, db.Config{Workspace: workspace, Path: cfg.Store.DSN}, store.WithLogger(storeLogger))
	if err != nil {
		return nil, err
	}
	return sq, nil
}

func (a *App) seed(projectID string) *domain.StateContext {
	if projectID == a.Config.Project.ID {
		return a.Config.SeedContext()
	}
	return domain.DefaultContext(projectID)
}

func (a *App) newDelegation() *delegation.Engine {
	opts := []delegation.Option{
		delegation.WithLogger(a.Logger.Named("delegation")),
		delegation.WithCascadeFailure(a.Config.Delegation.CascadeFailures),
	}
	if n := a.Config.Delegation.MaxConcurrency; n > 0 {
		opts = append(opts, delegation.WithMaxConcurrency(n))
	}
	return delegation.New(opts...)
}

// ProjectID returns override, or the configured project when it is empty.
func (a *App) ProjectID(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if a.Config.Project.ID == "" {
		return "", errors.New("project not specified; use --project")
	}
	return a.Config.Project.ID, nil
}

// Project returns the orchestrator for override or the configured project.
func (a *App) Project(ctx context.Context, override string) (*orchestrator.Orchestrator, error) {
	id, err := a.ProjectID(override)
	if err != nil {
		return nil, err
	}
	return a.Hub.Get(ctx, id)
}

func (a *App) Close() error {
	_ = a.Logger.Sync()
	return a.Store.Close()
}
