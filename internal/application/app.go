// Package application wires the browser agent's domain services and
// infrastructure adapters into one runnable unit, the same role
// internal/application plays in the chat-gateway this was adapted from:
// a single construction site so cmd/agent/main.go stays a thin shell.
package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
	"github.com/ngoclaw/browseragent/internal/domain/service"
	domaintool "github.com/ngoclaw/browseragent/internal/domain/tool"
	browserdrv "github.com/ngoclaw/browseragent/internal/infrastructure/browser"
	"github.com/ngoclaw/browseragent/internal/infrastructure/cloudsession"
	"github.com/ngoclaw/browseragent/internal/infrastructure/config"
	"github.com/ngoclaw/browseragent/internal/infrastructure/eventbus"
	"github.com/ngoclaw/browseragent/internal/infrastructure/historystore"
	"github.com/ngoclaw/browseragent/internal/infrastructure/llm"
	_ "github.com/ngoclaw/browseragent/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/ngoclaw/browseragent/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/ngoclaw/browseragent/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/ngoclaw/browseragent/internal/infrastructure/mcp"
	"github.com/ngoclaw/browseragent/internal/infrastructure/monitoring"
	"github.com/ngoclaw/browseragent/internal/infrastructure/prompt"
	"github.com/ngoclaw/browseragent/internal/infrastructure/sessioncache"
	"github.com/ngoclaw/browseragent/internal/infrastructure/skill"
	"github.com/ngoclaw/browseragent/internal/infrastructure/telemetry"
	toolpkg "github.com/ngoclaw/browseragent/internal/infrastructure/tool"
	"github.com/ngoclaw/browseragent/internal/infrastructure/visualizer"
)

// App is the dependency-injection container: one instance per process,
// built once in main and handed a task per run via RunTask.
type App struct {
	config *config.Config
	logger *zap.Logger

	bus              eventbus.Bus
	locks            browser.Locker
	browserFactory   browser.Factory
	llmRouter        *llm.Router
	skillService     *skill.Service
	skillWatchCancel context.CancelFunc
	mcpManager       *mcp.Manager
	mcpRegistry      domaintool.Registry // tools discovered from ~/.browseragent/mcp.json, merged into each run's catalog
	historyStore     *historystore.Store
	renderer         visualizer.Renderer
	promptEngine     *prompt.PromptEngine
	securityHook     *service.SecurityHook
	monitor          *monitoring.Monitor

	cloudClient *cloudsession.GRPCClient // nil unless browser_agent.cloud_session.enabled
	telemetry   *telemetry.Sink          // nil unless browser_agent.telemetry.enabled
}

// NewApp constructs the full dependency graph. Each initXxx stage only
// touches the fields it owns, mirroring the teacher gateway's staged
// NewApp/initRepositories/initDomainServices/... construction.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{config: cfg, logger: logger}

	if err := app.initEventBusAndLocking(); err != nil {
		return nil, fmt.Errorf("init event bus/locking: %w", err)
	}
	if err := app.initBrowser(); err != nil {
		return nil, fmt.Errorf("init browser: %w", err)
	}
	if err := app.initLLM(); err != nil {
		return nil, fmt.Errorf("init llm: %w", err)
	}
	if err := app.initSkillsAndMCP(); err != nil {
		return nil, fmt.Errorf("init skills/mcp: %w", err)
	}
	if err := app.initHistoryAndVisualizer(); err != nil {
		return nil, fmt.Errorf("init history/visualizer: %w", err)
	}
	if err := app.initCloudAndTelemetry(); err != nil {
		return nil, fmt.Errorf("init cloud session/telemetry: %w", err)
	}
	if err := app.initPrompt(); err != nil {
		return nil, fmt.Errorf("init prompt engine: %w", err)
	}

	app.securityHook = service.NewSecurityHook(cfg.Agent.Security, nil, logger)
	app.monitor = monitoring.NewMonitor(logger)

	return app, nil
}

func (app *App) initEventBusAndLocking() error {
	app.bus = eventbus.NewInMemoryBus(app.logger, 256)

	lockCfg := app.config.BrowserAgent.SessionLock
	if lockCfg.Backend == "redis" && lockCfg.RedisAddr != "" {
		app.locks = sessioncache.NewRedisLockTable(lockCfg.RedisAddr, lockCfg.KeyPrefix, lockCfg.LeaseTTL, lockCfg.PollEvery, app.logger)
		app.logger.Info("session lock table backed by redis", zap.String("addr", lockCfg.RedisAddr))
	} else {
		app.locks = browser.NewLockTable()
		app.logger.Info("session lock table backed by memory")
	}
	return nil
}

func (app *App) initBrowser() error {
	app.browserFactory = browserdrv.NewRodFactory(app.logger)
	return nil
}

func (app *App) initLLM() error {
	app.llmRouter = llm.NewRouter(app.logger)
	for _, p := range app.config.Agent.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     p.Name,
			Type:     p.Type,
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		}, app.logger)
		if err != nil {
			app.logger.Error("failed to create LLM provider",
				zap.String("name", p.Name), zap.String("type", p.Type), zap.Error(err))
			continue
		}
		app.llmRouter.AddProvider(provider)
	}
	app.logger.Info("LLM router initialized", zap.Int("providers", len(app.config.Agent.Providers)))
	return nil
}

func (app *App) initSkillsAndMCP() error {
	homeDir := config.HomeDir()
	skillDir := filepath.Join(homeDir, "skills")
	app.skillService = skill.NewService(skillDir)
	app.logger.Info("skill service initialized", zap.String("dir", skillDir), zap.Int("count", len(app.skillService.List())))

	watchCtx, cancel := context.WithCancel(context.Background())
	app.skillWatchCancel = cancel
	if err := app.skillService.Watch(watchCtx, app.logger); err != nil {
		app.logger.Warn("skill hot-reload disabled", zap.Error(err))
	}

	mcpRegistry := domaintool.NewInMemoryRegistry()
	mcpConfigPath := filepath.Join(homeDir, "mcp.json")
	app.mcpManager = mcp.NewManager(mcpConfigPath, mcpRegistry, app.logger)
	app.mcpManager.InitFromConfig(filepath.Dir(homeDir)) // LoadMCPConfig appends .browseragent itself
	app.mcpRegistry = mcpRegistry
	return nil
}

func (app *App) initHistoryAndVisualizer() error {
	dsn := app.config.BrowserAgent.HistoryDSN
	if dsn == "" {
		dsn = filepath.Join(config.HomeDir(), "history.db")
	}
	store, err := historystore.Open(dsn)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	app.historyStore = store

	// No concrete renderer exists yet (see internal/infrastructure/visualizer);
	// the no-op keeps render_gif a valid, harmless config knob until one does.
	app.renderer = visualizer.NewNoopRenderer(app.logger)
	return nil
}

func (app *App) initCloudAndTelemetry() error {
	cloudCfg := app.config.BrowserAgent.CloudSession
	if cloudCfg.Enabled && cloudCfg.Addr != "" {
		client, err := cloudsession.Dial(cloudCfg.Addr, app.logger)
		if err != nil {
			return fmt.Errorf("dial cloud session provider: %w", err)
		}
		app.cloudClient = client
	}

	telCfg := app.config.BrowserAgent.Telemetry
	if telCfg.Enabled && telCfg.URL != "" {
		sink := telemetry.NewSink(telCfg.URL, app.logger)
		eventTypes := telCfg.EventTypes
		if len(eventTypes) == 0 {
			eventTypes = []string{service.EventTypeCreateAgentStep, service.EventTypeUpdateAgentTask}
		}
		sink.Subscribe(app.bus, eventTypes...)
		app.telemetry = sink
	}
	return nil
}

func (app *App) initPrompt() error {
	app.promptEngine = prompt.NewPromptEngine(app.config.Agent.Workspace, app.logger)
	if err := app.promptEngine.Discover(); err != nil {
		app.logger.Warn("prompt engine discovery failed, using empty system prompt", zap.Error(err))
	}
	return nil
}

// TaskRequest describes one run for RunTask.
type TaskRequest struct {
	RunID         string
	SessionID     string // defaults to RunID (copy-mode session) when empty
	Task          string
	Model         string
	MaxSteps      int
	SensitiveData map[string]string
}

// RunTask provisions a fresh browser session, registers its action
// catalog, drives the run to completion through the run controller, and
// persists the resulting history. The *browser.Session this run used is
// always closed before RunTask returns, whether the run succeeded,
// failed, or the context was cancelled.
func (app *App) RunTask(ctx context.Context, req TaskRequest) (*service.RunResult, error) {
	opts := browser.SessionOptions{
		Headless:       app.config.BrowserAgent.Headless,
		UserDataDir:    app.config.BrowserAgent.UserDataDir,
		ProxyServer:    app.config.BrowserAgent.ProxyServer,
		ViewportWidth:  app.config.BrowserAgent.ViewportWidth,
		ViewportHeight: app.config.BrowserAgent.ViewportHeight,
	}
	sess, err := app.browserFactory.NewSession(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("provision browser session: %w", err)
	}
	defer sess.Close(ctx)

	settings := service.DefaultAgentSettings()
	settings.SessionAttachmentMode = app.config.BrowserAgent.AttachmentMode
	settings.GenerateGIF = app.config.BrowserAgent.RenderGIF

	registry, registered := toolpkg.RegisterBrowserActions(toolpkg.BrowserActionDeps{
		Session:   sess,
		UseVision: settings.UseVision,
		Logger:    app.logger,
	})
	app.logger.Info("registered browser actions for run", zap.Int("count", registered), zap.String("run_id", req.RunID))

	// Merge in any MCP-discovered tools (skill-backed and dynamically
	// registered actions live on a separate registry so they survive
	// across runs instead of being rebuilt from a browser.Session).
	if app.mcpRegistry != nil {
		for _, def := range app.mcpRegistry.List() {
			if t, ok := app.mcpRegistry.Get(def.Name); ok {
				if err := registry.Register(t); err != nil {
					app.logger.Warn("failed to merge mcp tool into run registry", zap.String("tool", def.Name), zap.Error(err))
				}
			}
		}
	}

	catalog := domaintool.NewCatalog(registry)

	model := req.Model
	if model == "" {
		model = app.config.Agent.DefaultModel
	}

	loopCfg := service.DefaultAgentLoopConfig()
	loopCfg.Model = model
	if app.config.Agent.Runtime.MaxRetries > 0 {
		loopCfg.MaxRetries = app.config.Agent.Runtime.MaxRetries
	}
	if app.config.Agent.Runtime.RetryBaseWait > 0 {
		loopCfg.RetryBaseWait = app.config.Agent.Runtime.RetryBaseWait
	}
	if app.config.Agent.Guardrails.ContextMaxTokens > 0 {
		loopCfg.ContextMaxTokens = app.config.Agent.Guardrails.ContextMaxTokens
	}
	if app.config.Agent.Compaction.KeepRecent > 0 {
		loopCfg.CompactKeepLast = app.config.Agent.Compaction.KeepRecent
	}
	if app.config.Agent.Runtime.MaxTokenBudget > 0 {
		loopCfg.MaxTokenBudget = app.config.Agent.Runtime.MaxTokenBudget
	}
	if app.config.Agent.Runtime.ToolTimeout > 0 {
		loopCfg.ToolTimeout = app.config.Agent.Runtime.ToolTimeout
	}

	toolNames := make([]string, 0, len(registry.List()))
	for _, t := range registry.List() {
		toolNames = append(toolNames, t.Name())
	}
	systemPrompt := app.promptEngine.Assemble(prompt.PromptContext{
		RegisteredTools: toolNames,
		ModelName:       model,
		UserMessage:     req.Task,
		Workspace:       app.config.Agent.Workspace,
	})

	mw := service.NewMiddlewarePipeline(app.logger)
	mw.Use(service.NewDanglingToolCallMiddleware(app.logger))

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = app.config.Agent.MaxIterations
	}

	hooks := service.NewHookChain(app.securityHook, monitoring.NewMetricsHook(app.monitor))

	controller := service.NewRunController(app.bus, app.locks, app.logger)
	handle, resultCh := controller.Run(ctx, service.RunConfig{
		RunID:         req.RunID,
		SessionID:     req.SessionID,
		Task:          req.Task,
		SystemPrompt:  systemPrompt,
		Session:       sess,
		Catalog:       catalog,
		LLM:           app.llmRouter,
		Settings:      settings,
		Config:        loopCfg,
		Skill:         app.skillService,
		SensitiveData: req.SensitiveData,
		Hooks:         hooks,
		Middleware:    mw,
		MaxSteps:      maxSteps,
	})
	_ = handle // pause/resume/stop belong to an interactive caller, not this one-shot helper

	result := <-resultCh

	if app.historyStore != nil {
		if err := app.historyStore.Save(ctx, result.History); err != nil {
			app.logger.Warn("failed to persist run history", zap.Error(err), zap.String("run_id", req.RunID))
		}
	}

	if app.renderer != nil {
		outDir := filepath.Join(config.HomeDir(), "runs", req.RunID)
		if _, err := os.Stat(outDir); os.IsNotExist(err) {
			_ = os.MkdirAll(outDir, 0755)
		}
		if path, err := app.renderer.Render(ctx, result.History, outDir); err != nil {
			app.logger.Debug("visualizer render skipped", zap.Error(err))
		} else if path != "" {
			app.logger.Info("run visualization rendered", zap.String("path", path))
		}
	}

	return &result, nil
}

// Close releases every long-lived resource the container owns. Safe to
// call once at shutdown.
func (app *App) Close() error {
	var firstErr error
	if closer, ok := app.locks.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			firstErr = err
		}
	}
	if app.skillWatchCancel != nil {
		app.skillWatchCancel()
	}
	if app.skillService != nil {
		if err := app.skillService.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if app.historyStore != nil {
		if err := app.historyStore.Close(); err != nil {
			firstErr = err
		}
	}
	if app.telemetry != nil {
		if err := app.telemetry.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if app.cloudClient != nil {
		if err := app.cloudClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Logger returns the application logger.
func (app *App) Logger() *zap.Logger { return app.logger }

// Config returns the loaded configuration.
func (app *App) Config() *config.Config { return app.config }

// PromptEngine returns the prompt engine.
func (app *App) PromptEngine() *prompt.PromptEngine { return app.promptEngine }

// Monitor returns the process-wide metrics collector every run's
// MetricsHook reports into (used by cmd/agent to print a summary, and by
// an operator wiring monitor.PrometheusHandler() into an HTTP mux).
func (app *App) Monitor() *monitoring.Monitor { return app.monitor }
