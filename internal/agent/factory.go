package agent

import (
	"github.com/silverotter/silverotter/internal/mcp"
	"github.com/silverotter/silverotter/internal/schema"
	"github.com/silverotter/silverotter/internal/tools"
)

// AgentFactory creates per-request CoreAgent and SubAgent instances.
// It holds construction-time dependencies; created agents are lightweight
// objects that own only what they need for one execution.
type AgentFactory struct {
	provider    schema.LLMProvider
	settings    schema.AgentSettings // CoreAgent settings
	subSettings schema.AgentSettings // SubAgent settings (smaller iteration budget)
	coreTools   *tools.Registry      // shared live registry — MCP tools appear here
	subTools    *tools.Registry      // restricted registry: no message/spawn/cron
	mcpManager  *mcp.Manager
	workspace   string
}

// NewFactory constructs an AgentFactory. coreRegistry is shared with the
// agent loop so MCP tools registered at runtime are visible to every
// CoreAgent; subRegistry is the restricted tool set for SubAgents.
func NewFactory(
	provider schema.LLMProvider,
	settings, subSettings schema.AgentSettings,
	coreRegistry, subRegistry *tools.Registry,
	mcpManager *mcp.Manager,
	workspace string,
) *AgentFactory {
	return &AgentFactory{
		provider:    provider,
		settings:    settings,
		subSettings: subSettings,
		coreTools:   coreRegistry,
		subTools:    subRegistry,
		mcpManager:  mcpManager,
		workspace:   workspace,
	}
}

// Close shuts down MCP server subprocesses. Called by AgentLoop.Run on exit.
func (f *AgentFactory) Close() {
	f.mcpManager.Close()
}

// NewCoreAgent creates a CoreAgent ready to execute one user message.
func (f *AgentFactory) NewCoreAgent() *CoreAgent {
	return &CoreAgent{
		LoopRunner: newLoopRunner(f.provider, f.settings),
		tools:      f.coreTools,
		mcpManager: f.mcpManager,
	}
}

// NewSubAgent creates a SubAgent ready to execute one background task.
func (f *AgentFactory) NewSubAgent() *SubAgent {
	return &SubAgent{
		LoopRunner: newLoopRunner(f.provider, f.subSettings),
		tools:      f.subTools,
		workspace:  f.workspace,
	}
}
