package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/stagehand-ci/stagehand/internal/agentpool"
	"github.com/stagehand-ci/stagehand/internal/artifact"
	"github.com/stagehand-ci/stagehand/internal/buildlog"
	"github.com/stagehand-ci/stagehand/internal/buildstore"
	"github.com/stagehand-ci/stagehand/internal/clock"
	"github.com/stagehand-ci/stagehand/internal/ctxlog"
	"github.com/stagehand-ci/stagehand/internal/engine"
	"github.com/stagehand-ci/stagehand/internal/job"
	"github.com/stagehand-ci/stagehand/internal/postaction"
	"github.com/stagehand-ci/stagehand/internal/registry"
	"github.com/stagehand-ci/stagehand/internal/secret"
	"github.com/stagehand-ci/stagehand/internal/server"
	"github.com/stagehand-ci/stagehand/internal/trigger"

	"github.com/stagehand-ci/stagehand/modules/archive"
	"github.com/stagehand-ci/stagehand/modules/notify"
	"github.com/stagehand-ci/stagehand/modules/setenv"
	"github.com/stagehand-ci/stagehand/modules/shell"
	"github.com/stagehand-ci/stagehand/modules/trigger_build"
	"github.com/stagehand-ci/stagehand/modules/writefile"
)

// LocalAgentID is the id of the built-in agent every instance carries.
const LocalAgentID = "local"

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *Config

	store     *buildstore.Store
	artifacts *artifact.Store
	secrets   secret.Provider
	registry  *registry.Registry
	jobs      *job.Store
	pool      *agentpool.Pool
	logs      *buildlog.Manager
	triggers  *trigger.Subsystem
	engine    *engine.Engine
	server    *server.Server
}

// New constructs a fully wired App: logger, stores, secret provider,
// module registry, job definitions, agent pool, triggers, engine, and
// API server. A definition file that fails to parse is a fatal startup
// error carrying the full issue list.
func New(outW io.Writer, cfg *Config, extraModules ...registry.Module) (*App, error) {
	logger := newLogger(cfg, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	clk := clock.System()

	store, err := buildstore.Open(ctx, filepath.Join(cfg.DataDir, "builds.db"), clk)
	if err != nil {
		return nil, err
	}
	artifacts, err := artifact.NewStore(filepath.Join(cfg.DataDir, "artifacts"))
	if err != nil {
		store.Close()
		return nil, err
	}
	logs, err := buildlog.NewManager(filepath.Join(cfg.DataDir, "logs"))
	if err != nil {
		store.Close()
		return nil, err
	}
	logger.Debug("Data stores opened.", "dir", cfg.DataDir)

	var secrets secret.Provider = secret.StaticProvider{}
	if cfg.SecretsFile != "" {
		secrets, err = secret.NewFileProvider(cfg.SecretsFile)
		if err != nil {
			store.Close()
			return nil, err
		}
		logger.Debug("Secrets file loaded.", "path", cfg.SecretsFile)
	}

	pool := agentpool.New(clk, cfg.AgentTTL)
	local := agentpool.Agent{
		ID:        LocalAgentID,
		Labels:    []string{LocalAgentID, runtime.GOOS},
		Executors: cfg.Executors,
	}
	if err := pool.Register(local, true); err != nil {
		store.Close()
		return nil, err
	}
	if cfg.AgentsFile != "" {
		agents, err := loadAgentsFile(cfg.AgentsFile)
		if err != nil {
			store.Close()
			return nil, err
		}
		for _, a := range agents {
			if err := pool.Register(a, false); err != nil {
				store.Close()
				return nil, fmt.Errorf("agents file %s: %w", cfg.AgentsFile, err)
			}
		}
		logger.Debug("Agents file loaded.", "path", cfg.AgentsFile, "count", len(agents))
	}

	reg := registry.New(
		shell.Module{},
		setenv.Module{},
		writefile.Module{},
		notify.Module{},
		archive.NewModule(artifacts),
	)
	for _, m := range extraModules {
		m.Register(reg)
	}

	jobs := job.NewStore(reg)
	triggers := trigger.New(store, jobs, clk, cfg.Debounce)
	// The 'build' action needs the trigger subsystem, which needs the
	// job store, which checks kinds against the registry. Registering
	// it after the subsystem exists breaks the cycle; definitions are
	// validated later, at load time.
	trigger_build.NewModule(triggers).Register(reg)
	logger.Debug("All modules registered.",
		"steps", reg.StepKinds(), "actions", reg.ActionKinds())

	if err := jobs.LoadDir(ctx, cfg.JobsDir); err != nil {
		store.Close()
		return nil, fmt.Errorf("load job definitions: %w", err)
	}

	dispatcher := postaction.New(reg, jobs, store, artifacts, 0)

	eng := engine.New(engine.Options{
		Jobs:       jobs,
		Store:      store,
		Pool:       pool,
		Registry:   reg,
		Secrets:    secrets,
		Logs:       logs,
		Artifacts:  artifacts,
		Dispatcher: dispatcher,
		Clock:      clk,
		Intake:     triggers.Intake(),
		Workers:    cfg.MaxBuilds,
		WorkRoot:   filepath.Join(cfg.DataDir, "workspaces"),
	})

	srv := server.New(server.Options{
		Jobs:     jobs,
		Store:    store,
		Pool:     pool,
		Logs:     logs,
		Triggers: triggers,
		Engine:   eng,
		Logger:   logger,
	})

	return &App{
		outW:      outW,
		logger:    logger,
		cfg:       cfg,
		store:     store,
		artifacts: artifacts,
		secrets:   secrets,
		registry:  reg,
		jobs:      jobs,
		pool:      pool,
		logs:      logs,
		triggers:  triggers,
		engine:    eng,
		server:    srv,
	}, nil
}

// Registry returns the application's registry. This is primarily for
// testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Jobs returns the job store. This is primarily for testing.
func (a *App) Jobs() *job.Store {
	return a.jobs
}

// Store returns the build store. This is primarily for testing.
func (a *App) Store() *buildstore.Store {
	return a.store
}

// Triggers returns the trigger subsystem. This is primarily for
// testing.
func (a *App) Triggers() *trigger.Subsystem {
	return a.triggers
}

// Handler returns the API route tree, letting tests drive the HTTP
// surface without a real listener.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}
