package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stepline/stepline/internal/application/usecase"
	"github.com/stepline/stepline/internal/domain/repository"
	"github.com/stepline/stepline/internal/domain/service"
	domaintool "github.com/stepline/stepline/internal/domain/tool"
	"github.com/stepline/stepline/internal/infrastructure/config"
	"github.com/stepline/stepline/internal/infrastructure/eventbus"
	"github.com/stepline/stepline/internal/infrastructure/llm"
	_ "github.com/stepline/stepline/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/stepline/stepline/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/stepline/stepline/internal/infrastructure/monitoring"
	"github.com/stepline/stepline/internal/infrastructure/persistence"
	"github.com/stepline/stepline/internal/infrastructure/store"
	toolpkg "github.com/stepline/stepline/internal/infrastructure/tool"
	httpServer "github.com/stepline/stepline/internal/interfaces/http"
	"github.com/stepline/stepline/internal/interfaces/websocket"
	"github.com/stepline/stepline/pkg/safego"
)

// App is the dependency injection container. It owns construction
// order and the start/stop lifecycle of every long-lived component.
type App struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	bus     eventbus.Bus
	monitor *monitoring.Monitor
	journal *persistence.Journal

	plans  repository.PlanStore
	states repository.StateStore

	registry  domaintool.Registry
	llmClient *llm.Client
	gate      *service.ApprovalGate
	scheduler *service.Scheduler
	runner    *usecase.MissionRunner

	wsHub      *websocket.Hub
	httpServer *httpServer.Server
	watcher    *config.Watcher

	cancel context.CancelFunc
}

// NewApp wires the full server: persistence, event bus, LLM routing,
// tools, the scheduler, and the HTTP/WS surface.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config:  cfg,
		logger:  logger,
		monitor: monitoring.NewMonitor(logger),
		bus:     eventbus.NewInMemoryBus(logger, 256),
	}

	if err := app.initStores(); err != nil {
		return nil, fmt.Errorf("init stores: %w", err)
	}
	if err := app.initJournal(); err != nil {
		return nil, fmt.Errorf("init journal: %w", err)
	}
	if err := app.initEngine(); err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("init interfaces: %w", err)
	}
	if err := app.initWatcher(); err != nil {
		logger.Warn("Config watcher unavailable, hot-reload disabled", zap.Error(err))
	}

	return app, nil
}

// NewHeadlessApp wires everything except the HTTP/WS surface and the
// config watcher. Used by one-shot CLI runs.
func NewHeadlessApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config:  cfg,
		logger:  logger,
		monitor: monitoring.NewMonitor(logger),
		bus:     eventbus.NewInMemoryBus(logger, 256),
	}

	if err := app.initStores(); err != nil {
		return nil, fmt.Errorf("init stores: %w", err)
	}
	if err := app.initJournal(); err != nil {
		return nil, fmt.Errorf("init journal: %w", err)
	}
	if err := app.initEngine(); err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}

	return app, nil
}

func (app *App) initStores() error {
	dataDir := app.config.Store.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(config.HomeDir(), "data")
	}

	plans, err := store.NewFilePlanStore(filepath.Join(dataDir, "plans"), app.logger)
	if err != nil {
		return fmt.Errorf("plan store: %w", err)
	}
	app.plans = plans

	switch app.config.Store.Driver {
	case "redis":
		client, err := store.NewRedisClient(
			context.Background(),
			app.config.Store.Redis.Addr,
			app.config.Store.Redis.Password,
			app.config.Store.Redis.DB,
		)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		app.states = store.NewRedisStateStore(client, app.logger)
	default:
		states, err := store.NewFileStateStore(filepath.Join(dataDir, "state"), app.logger)
		if err != nil {
			return fmt.Errorf("state store: %w", err)
		}
		app.states = states
	}

	app.logger.Info("Stores initialized",
		zap.String("driver", app.config.Store.Driver),
		zap.String("data_dir", dataDir),
	)
	return nil
}

func (app *App) initJournal() error {
	dsn := app.config.Store.Journal.DSN
	if app.config.Store.Journal.Driver == "sqlite" && dsn != "" && !filepath.IsAbs(dsn) {
		dataDir := app.config.Store.DataDir
		if dataDir == "" {
			dataDir = filepath.Join(config.HomeDir(), "data")
		}
		dsn = filepath.Join(dataDir, dsn)
	}

	db, err := persistence.NewDBConnection(app.config.Store.Journal.Driver, dsn)
	if err != nil {
		return err
	}
	app.db = db
	app.journal = persistence.NewJournal(db, app.logger)
	app.journal.AttachTo(app.bus)
	return nil
}

func (app *App) initEngine() error {
	// LLM routing: every configured provider registers with the router;
	// a provider with missing credentials is skipped, not fatal, so the
	// server still starts for inspection endpoints.
	router := llm.NewRouter(app.logger)
	for _, p := range app.config.LLM.Providers {
		provider, err := llm.CreateProvider(p, app.logger)
		if err != nil {
			app.logger.Warn("Skipping LLM provider",
				zap.String("name", p.Name),
				zap.String("type", p.Type),
				zap.Error(err),
			)
			continue
		}
		router.AddProvider(provider)
	}
	app.llmClient = llm.NewClient(router, resolveAliases(&app.config.LLM), app.config.LLM.Retry.Policy(), app.logger)

	// Tools.
	app.registry = domaintool.NewInMemoryRegistry()
	workspace := app.config.Engine.Workspace
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	if err := toolpkg.RegisterBuiltins(app.registry, workspace, app.logger); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}

	// Approval gate.
	app.gate = service.NewApprovalGate(approvalPolicy(app.config), app.logger)
	gate := app.gate

	// Planning and execution.
	mutator := service.NewPlanMutator(app.plans, app.logger)
	planner := service.NewPlanner(app.llmClient, app.plans, app.registry, app.logger)
	replanner := service.NewReplanner(app.llmClient, mutator, app.registry, app.logger)

	schedCfg := service.DefaultSchedulerConfig()
	if app.config.Engine.MaxIterations > 0 {
		schedCfg.MaxIterations = app.config.Engine.MaxIterations
	}
	if app.config.Engine.HistoryTail > 0 {
		schedCfg.HistoryTail = app.config.Engine.HistoryTail
	}
	app.scheduler = service.NewScheduler(
		app.llmClient,
		app.registry,
		app.plans,
		app.states,
		planner,
		replanner,
		mutator,
		gate,
		schedCfg,
		app.logger,
	)
	app.scheduler.SetHooks(service.NewHookChain(
		&service.LoggingHook{Logger: app.logger},
		monitoring.NewMonitorHook(app.monitor),
	))

	app.runner = usecase.NewMissionRunner(
		app.scheduler,
		app.states,
		app.bus,
		app.journal,
		app.monitor,
		app.logger,
	)

	app.logger.Info("Engine initialized",
		zap.Int("providers", len(app.config.LLM.Providers)),
		zap.Strings("tools", app.registry.Names()),
		zap.String("approval_mode", app.config.Approval.Mode),
	)
	return nil
}

func (app *App) initInterfaces() error {
	app.wsHub = websocket.NewHub(app.logger)
	app.wsHub.AttachTo(app.bus)

	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.Server.Host,
			Port: app.config.Server.Port,
			Mode: app.config.Server.Mode,
		},
		httpServer.Deps{
			Runner:   app.runner,
			Plans:    app.plans,
			States:   app.states,
			Registry: app.registry,
			Journal:  app.journal,
			Monitor:  app.monitor,
			WSHub:    app.wsHub,
		},
		app.logger,
	)
	return nil
}

func (app *App) initWatcher() error {
	localDir, _ := os.Getwd()
	watcher, err := config.NewWatcher(config.HomeDir(), localDir, app.logger)
	if err != nil {
		return err
	}
	watcher.OnReload(func(cfg *config.Config) {
		app.llmClient.SetAliases(resolveAliases(&cfg.LLM))
		app.gate.UpdateConfig(approvalPolicy(cfg))
		app.logger.Info("Configuration reloaded",
			zap.Int("aliases", len(cfg.LLM.Aliases)),
			zap.String("approval_mode", cfg.Approval.Mode),
		)
	})
	app.watcher = watcher
	return nil
}

// Start brings up the background loops and the HTTP listener.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	runCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	if app.wsHub != nil {
		safego.Go(app.logger, "ws-hub", func() { app.wsHub.Run(runCtx) })
	}
	safego.Go(app.logger, "metrics-collector", func() {
		app.monitor.StartCollector(runCtx, 30*time.Second)
	})

	if app.watcher != nil {
		if err := app.watcher.Start(runCtx); err != nil {
			app.logger.Warn("Config watcher failed to start", zap.Error(err))
		}
	}

	if app.httpServer != nil {
		if err := app.httpServer.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("start HTTP server: %w", err)
		}
	}

	app.logger.Info("Application started")
	return nil
}

// Stop shuts components down in reverse start order.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if app.httpServer != nil {
		if err := app.httpServer.Stop(ctx); err != nil {
			app.logger.Error("Failed to stop HTTP server", zap.Error(err))
		}
	}

	if app.cancel != nil {
		app.cancel()
	}

	app.bus.Close()

	if app.db != nil {
		if sqlDB, err := app.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close journal database", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped")
	return nil
}

// approvalPolicy converts the config form into the gate's policy.
func approvalPolicy(cfg *config.Config) service.ApprovalConfig {
	return service.ApprovalConfig{
		Mode:          service.ApprovalMode(cfg.Approval.Mode),
		TrustedTools:  cfg.Approval.TrustedTools,
		AutoDenyTools: cfg.Approval.AutoDenyTools,
	}
}

// resolveAliases builds the runtime alias table. The configured
// default alias also answers to "main", the engine's fallback, so a
// config that only defines custom names still routes.
func resolveAliases(cfg *config.LLMConfig) map[string]string {
	aliases := make(map[string]string, len(cfg.Aliases)+1)
	for alias, model := range cfg.Aliases {
		aliases[alias] = model
	}
	if d := cfg.DefaultAlias; d != "" && d != service.ModelAliasMain {
		if target, ok := aliases[d]; ok {
			if _, taken := aliases[service.ModelAliasMain]; !taken {
				aliases[service.ModelAliasMain] = target
			}
		}
	}
	return aliases
}

// MissionRunner exposes the mission entry point for CLI callers.
func (app *App) MissionRunner() *usecase.MissionRunner {
	return app.runner
}

// ToolRegistry exposes the tool registry for CLI callers.
func (app *App) ToolRegistry() domaintool.Registry {
	return app.registry
}

// Logger returns the application logger.
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig returns the loaded configuration.
func (app *App) AppConfig() *config.Config {
	return app.config
}
