package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentcore/agentcore/internal/agent"
	agentctx "github.com/agentcore/agentcore/internal/agent/context"
	"github.com/agentcore/agentcore/internal/agent/providers"
	"github.com/agentcore/agentcore/internal/apiserver"
	"github.com/agentcore/agentcore/internal/auth"
	"github.com/agentcore/agentcore/internal/breaker"
	"github.com/agentcore/agentcore/internal/config"
	"github.com/agentcore/agentcore/internal/health"
	"github.com/agentcore/agentcore/internal/mcp"
)

// runtime holds every long-lived component wired together by the serve and
// doctor subcommands, so both can share one construction path.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	breakers  *breaker.Registry
	breakerDB config.BreakerStore
	mcpMgr    *mcp.Manager
	gateway   *mcp.Gateway
	scheduler *health.Scheduler
	registry  *agent.ToolRegistry
	client    *agent.ModelClient
	loop      *agent.Loop
	finalizer *agent.StreamFinalizer
	authSvc   *auth.Service

	eventPlugins *agent.PluginRegistry
	trace        *agent.TracePlugin
}

// buildRuntime loads configuration and constructs every component up to,
// but not including, the HTTP surface (spec.md §4's full stack: providers,
// breaker registry, tool gateway, health scheduler, model client, loop and
// finalizer).
func buildRuntime(configPath string, logger *slog.Logger) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	store, err := config.OpenStore(cfg.Breaker.Persistence)
	if err != nil {
		return nil, fmt.Errorf("open breaker store: %w", err)
	}

	onTransition := func(name string, from, to breaker.State) {
		logger.Info("breaker state transition", "breaker", name, "from", from, "to", to)
	}
	breakers := breaker.NewRegistry(cfg.Breaker.RegistryConfig(store, onTransition))

	local, remote, err := providers.BuildProviders(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("build llm providers: %w", err)
	}

	mcpMgr := mcp.NewManager(&cfg.MCP, logger)
	scheduler := health.New(health.Config{}, mcpMgr, breakers, logger)
	gateway := mcp.NewGateway(mcpMgr, breakers, scheduler, logger)

	toolRegistry := agent.NewToolRegistry()
	agent.SyncToolRegistry(toolRegistry, gateway, 0)

	packer := agentctx.NewPacker(agentctx.DefaultPackOptions())
	compactionMgr := agent.NewCompactionManager(agent.DefaultCompactionConfig(), packer)
	toolRegistry.Register(agent.NewCompactionTool(compactionMgr))

	fallbackModel := ""
	if ollama, ok := cfg.LLM.Providers["ollama"]; ok {
		fallbackModel = ollama.DefaultModel
	}
	client := agent.NewModelClient(local, remote, breakers, scheduler, agent.ModelClientConfig{
		FallbackModel: fallbackModel,
	})

	loopCfg := agent.DefaultLoopConfig()
	loopCfg.ContextPruning = config.EffectiveContextPruningSettings(cfg.ContextPruning)
	loopCfg.ContextWindowChars = config.EffectiveContextWindowChars(cfg.ContextPruning)

	eventPlugins := agent.NewPluginRegistry()
	eventPlugins.Use(agent.NewStatsCollector("process"))
	var tracePlugin *agent.TracePlugin
	if cfg.Tracing.Enabled && cfg.Tracing.Path != "" {
		tp, err := agent.NewTracePluginFile(cfg.Tracing.Path, "process")
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		eventPlugins.Use(tp)
		tracePlugin = tp
	}
	loopCfg.EventSink = agent.NewPluginSink(eventPlugins)

	loop := agent.NewLoop(client, toolRegistry, loopCfg)
	finalizer := agent.NewStreamFinalizer(client, toolRegistry, breakers, loopCfg)

	authSvc := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     convertAPIKeys(cfg.Auth.APIKeys),
	})

	return &runtime{
		cfg:          cfg,
		logger:       logger,
		breakers:     breakers,
		breakerDB:    store,
		mcpMgr:       mcpMgr,
		gateway:      gateway,
		scheduler:    scheduler,
		registry:     toolRegistry,
		client:       client,
		loop:         loop,
		finalizer:    finalizer,
		authSvc:      authSvc,
		eventPlugins: eventPlugins,
		trace:        tracePlugin,
	}, nil
}

func convertAPIKeys(in []config.APIKeyConfig) []auth.APIKeyConfig {
	out := make([]auth.APIKeyConfig, len(in))
	for i, k := range in {
		out[i] = auth.APIKeyConfig{Key: k.Key, UserID: k.UserID, Email: k.Email, Name: k.Name}
	}
	return out
}

// start connects the MCP manager and launches the health scheduler. Callers
// that only need doctor-style introspection may skip start and just read
// cfg/registry state.
func (rt *runtime) start(ctx context.Context) error {
	if err := rt.mcpMgr.Start(ctx); err != nil {
		return fmt.Errorf("start mcp manager: %w", err)
	}
	rt.scheduler.Start(ctx)
	return nil
}

func (rt *runtime) stop() {
	rt.scheduler.Stop()
	if err := rt.mcpMgr.Stop(); err != nil {
		rt.logger.Warn("mcp manager stop error", "error", err)
	}
	if rt.trace != nil {
		if err := rt.trace.Close(); err != nil {
			rt.logger.Warn("trace file close error", "error", err)
		}
	}
}

func (rt *runtime) apiServerConfig() apiserver.Config {
	defaultModel := ""
	if pc, ok := rt.cfg.LLM.Providers[rt.cfg.LLM.DefaultProvider]; ok {
		defaultModel = pc.DefaultModel
	}
	return apiserver.Config{
		Host:         rt.cfg.Server.Host,
		HTTPPort:     rt.cfg.Server.HTTPPort,
		MetricsPort:  rt.cfg.Server.MetricsPort,
		DefaultModel: defaultModel,
	}
}
