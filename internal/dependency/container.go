// Package dependency wires the core services using go.uber.org/dig.
package dependency

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/dig"

	"github.com/silverotter/silverotter/internal/agent"
	"github.com/silverotter/silverotter/internal/bus"
	"github.com/silverotter/silverotter/internal/config"
	"github.com/silverotter/silverotter/internal/cron"
	"github.com/silverotter/silverotter/internal/heartbeat"
	"github.com/silverotter/silverotter/internal/mcp"
	"github.com/silverotter/silverotter/internal/memory"
	"github.com/silverotter/silverotter/internal/providers"
	"github.com/silverotter/silverotter/internal/schema"
	"github.com/silverotter/silverotter/internal/session"
	"github.com/silverotter/silverotter/internal/tools"
)

// Container holds the resolved core service singletons.
// Callers use the typed getter methods; they never need to import dig.
type Container struct {
	provider schema.LLMProvider
	msgBus   *bus.MessageBus
	loop     *agent.AgentLoop
	cronSvc  *cron.Service
	hbSvc    *heartbeat.Service
}

func (c *Container) Provider() schema.LLMProvider  { return c.provider }
func (c *Container) MessageBus() *bus.MessageBus   { return c.msgBus }
func (c *Container) AgentLoop() *agent.AgentLoop   { return c.loop }
func (c *Container) CronService() *cron.Service    { return c.cronSvc }
func (c *Container) Heartbeat() *heartbeat.Service { return c.hbSvc }

// LLMModel is a named string type so dig can distinguish it from plain
// strings when injecting the effective model name.
type LLMModel string

// AgentRegistry wraps the full tool registry used by the main agent loop.
type AgentRegistry struct{ *tools.Registry }

// SubagentRegistry wraps the restricted tool registry used by subagents.
// It must not contain the spawn, message or cron tools, to prevent
// recursion and unsolicited outbound messages.
type SubagentRegistry struct{ *tools.Registry }

// New builds and wires all core services from cfg.
func New(cfg *config.Config) (*Container, error) {
	d := dig.New()

	providerFns := []any{
		func() *config.Config { return cfg },
		newProvider,
		resolveLLMModel,
		newMessageBus,
		newSessionStore,
		newMemoryStore,
		newConsolidator,
		newSkillsLoader,
		newContextBuilder,
		newMCPManager,
		newSubagentRegistry,
		newAgentFactory,
		newSubagentManager,
		newCronService,
		newAgentRegistry,
		newAgentLoop,
		newHeartbeat,
	}
	for _, fn := range providerFns {
		if err := d.Provide(fn); err != nil {
			return nil, err
		}
	}

	var result *Container
	err := d.Invoke(func(
		provider schema.LLMProvider,
		msgBus *bus.MessageBus,
		loop *agent.AgentLoop,
		cronSvc *cron.Service,
		hbSvc *heartbeat.Service,
	) {
		result = &Container{
			provider: provider,
			msgBus:   msgBus,
			loop:     loop,
			cronSvc:  cronSvc,
			hbSvc:    hbSvc,
		}
	})
	if err != nil {
		return nil, err
	}

	// Cron fires agent turns through ProcessDirect; replies are delivered
	// through the bus when the job asks for it.
	result.cronSvc.SetOnJob(func(ctx context.Context, job cron.Job) (string, error) {
		response := result.loop.ProcessDirect(ctx,
			job.Payload.Message, "cron:"+job.ID, bus.ChannelCron, job.ID)
		if job.Payload.Deliver && job.Payload.Channel != nil && job.Payload.To != nil {
			out := bus.NewOutboundMessage(*job.Payload.Channel, *job.Payload.To, response)
			result.msgBus.PublishOutbound(out)
		}
		return response, nil
	})

	return result, nil
}

func newProvider(cfg *config.Config) (schema.LLMProvider, error) {
	model := cfg.Agents.Defaults.Model
	result := cfg.MatchProvider(model)

	if result.Provider == nil {
		return nil, fmt.Errorf("no API key configured for model %q — edit %s", model, config.ConfigPath())
	}

	apiBase := result.Provider.APIBase
	if apiBase == "" {
		apiBase = cfg.GetAPIBase(model)
	}
	return providers.New(providers.Params{
		APIKey:       result.Provider.APIKey,
		APIBase:      apiBase,
		ExtraHeaders: result.Provider.ExtraHeaders,
		DefaultModel: model,
		ProviderName: result.Name,
	}), nil
}

func resolveLLMModel(cfg *config.Config, p schema.LLMProvider) LLMModel {
	m := cfg.Agents.Defaults.Model
	if m == "" {
		m = p.DefaultModel()
	}
	return LLMModel(m)
}

func newMessageBus() *bus.MessageBus {
	return bus.NewMessageBus()
}

func newSessionStore(cfg *config.Config) (*session.Store, error) {
	return session.NewStore(cfg.WorkspacePath())
}

func newMemoryStore(cfg *config.Config) (*memory.Store, error) {
	return memory.NewStore(cfg.WorkspacePath())
}

func newConsolidator(cfg *config.Config, mem *memory.Store, sessions *session.Store, p schema.LLMProvider, m LLMModel) *memory.Consolidator {
	return memory.NewConsolidator(mem, sessions, p, string(m), cfg.Agents.Defaults.MemoryWindow)
}

func newSkillsLoader(cfg *config.Config) *agent.SkillsLoader {
	return agent.NewSkillsLoader(cfg.WorkspacePath(), "")
}

func newContextBuilder(cfg *config.Config, mem *memory.Store, skills *agent.SkillsLoader) *agent.ContextBuilder {
	return agent.NewContextBuilder(cfg.WorkspacePath(), mem, skills)
}

func newMCPManager(cfg *config.Config) *mcp.Manager {
	servers := make(map[string]mcp.ServerConfig, len(cfg.Tools.MCPServers))
	for name, sc := range cfg.Tools.MCPServers {
		servers[name] = mcp.ServerConfig{
			Command: sc.Command,
			Args:    sc.Args,
			Env:     sc.Env,
			URL:     sc.URL,
			Headers: sc.Headers,
		}
	}
	return mcp.NewManager(servers)
}

func newSubagentRegistry(cfg *config.Config) SubagentRegistry {
	workspace := cfg.WorkspacePath()
	allowedDir := ""
	if cfg.Tools.RestrictToWorkspace {
		allowedDir = workspace
	}

	return SubagentRegistry{tools.NewRegistry(
		tools.NewReadFileTool(workspace, allowedDir),
		tools.NewWriteFileTool(workspace, allowedDir),
		tools.NewEditFileTool(workspace, allowedDir),
		tools.NewListDirTool(workspace, allowedDir),
		tools.NewExecTool(workspace, cfg.Tools.Exec.Timeout, cfg.Tools.RestrictToWorkspace),
		tools.NewWebSearchTool(cfg.Tools.Web.Search.APIKey, cfg.Tools.Web.Search.MaxResults),
		tools.NewWebFetchTool(0),
	)}
}

func newAgentFactory(
	p schema.LLMProvider,
	cfg *config.Config,
	m LLMModel,
	coreReg AgentRegistry,
	subReg SubagentRegistry,
	mcpMgr *mcp.Manager,
) *agent.AgentFactory {
	coreSettings := schema.NewAgentSettings(
		string(m),
		cfg.Agents.Defaults.MaxToolIter,
		cfg.Agents.Defaults.Temperature,
		cfg.Agents.Defaults.MaxTokens,
		cfg.Agents.Defaults.MemoryWindow,
	)

	// Subagents run shorter loops and never consolidate memory.
	subSettings := schema.NewAgentSettings(
		string(m),
		15,
		cfg.Agents.Defaults.Temperature,
		cfg.Agents.Defaults.MaxTokens,
		0,
	)

	return agent.NewFactory(p, coreSettings, subSettings, coreReg.Registry, subReg.Registry, mcpMgr, cfg.WorkspacePath())
}

// newSubagentManager also registers the spawn tool into the live core
// registry. The registry is built before the factory (which shares it),
// so the tool that needs the manager is added here rather than there.
func newSubagentManager(factory *agent.AgentFactory, b *bus.MessageBus, reg AgentRegistry) *agent.SubagentManager {
	subMgr := agent.NewSubagentManager(factory, b)
	reg.Add(tools.NewSpawnTool(subMgr))
	return subMgr
}

func newCronService() *cron.Service {
	return cron.NewService(filepath.Join(config.DataDir(), "cron", "jobs.json"))
}

func newAgentRegistry(
	cfg *config.Config,
	b *bus.MessageBus,
	cronSvc *cron.Service,
) AgentRegistry {
	workspace := cfg.WorkspacePath()
	allowedDir := ""
	if cfg.Tools.RestrictToWorkspace {
		allowedDir = workspace
	}

	return AgentRegistry{tools.NewRegistry(
		tools.NewReadFileTool(workspace, allowedDir),
		tools.NewWriteFileTool(workspace, allowedDir),
		tools.NewEditFileTool(workspace, allowedDir),
		tools.NewListDirTool(workspace, allowedDir),
		tools.NewDeleteFileTool(workspace, allowedDir),
		tools.NewExecTool(workspace, cfg.Tools.Exec.Timeout, cfg.Tools.RestrictToWorkspace),
		tools.NewWebSearchTool(cfg.Tools.Web.Search.APIKey, cfg.Tools.Web.Search.MaxResults),
		tools.NewWebFetchTool(0),
		tools.NewMessageTool(b),
		tools.NewCronTool(cronSvc),
	)}
}

func newAgentLoop(
	b *bus.MessageBus,
	factory *agent.AgentFactory,
	cfg *config.Config,
	m LLMModel,
	sessions *session.Store,
	consolidator *memory.Consolidator,
	reg AgentRegistry,
	subMgr *agent.SubagentManager,
	skills *agent.SkillsLoader,
	cb *agent.ContextBuilder,
) *agent.AgentLoop {
	settings := schema.NewAgentSettings(
		string(m),
		cfg.Agents.Defaults.MaxToolIter,
		cfg.Agents.Defaults.Temperature,
		cfg.Agents.Defaults.MaxTokens,
		cfg.Agents.Defaults.MemoryWindow,
	)

	return agent.NewAgentLoop(b, factory, settings, sessions, consolidator, reg.Registry, subMgr, skills, cb)
}

func newHeartbeat(cfg *config.Config, loop *agent.AgentLoop) *heartbeat.Service {
	onHeartbeat := func(ctx context.Context, prompt string) (string, error) {
		key := bus.ChannelHeartbeat + ":main"
		return loop.ProcessDirect(ctx, prompt, key, bus.ChannelHeartbeat, "main"), nil
	}
	interval := time.Duration(cfg.Heartbeat.IntervalMinutes) * time.Minute
	return heartbeat.NewService(cfg.WorkspacePath(), onHeartbeat, interval)
}
