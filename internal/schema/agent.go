package schema

import "context"

// AgentSettings bundles the knobs of one tool-calling loop instance.
type AgentSettings struct {
	Model        string
	MaxIter      int // upper bound on LLM/tool iterations per turn
	Temperature  float64
	MaxTokens    int
	MemoryWindow int // messages kept live in the prompt; consolidation trigger
}

func NewAgentSettings(model string, maxIter int, temperature float64, maxTokens, memoryWindow int) AgentSettings {
	return AgentSettings{
		Model:        model,
		MaxIter:      maxIter,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
		MemoryWindow: memoryWindow,
	}
}

// AgentLooper is the runtime surface exposed to drivers (CLI, cron,
// heartbeat, gateway).
type AgentLooper interface {
	// ProcessDirect handles a single synthetic turn outside the bus flow
	// and returns the final text response.
	ProcessDirect(ctx context.Context, content, sessionKey, channel, chatID string) string
	// Run consumes inbound bus messages until ctx is cancelled or the bus
	// is stopped.
	Run(ctx context.Context) error
}

// Spawner is the interface the spawn tool uses to create background
// subagents. Implemented by agent.SubagentManager; defined here to avoid an
// import cycle.
type Spawner interface {
	Spawn(ctx context.Context, task, label, originChannel, originChatID string) (string, error)
}

// SkillResolver resolves a skill name to its body text.
// Implemented by agent.SkillsLoader.
type SkillResolver interface {
	// Resolve returns the skill body and true on a hit, or "" and false
	// for an unknown skill.
	Resolve(name string) (string, bool)
}
