package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/silverotter/silverotter/internal/bus"
	"github.com/silverotter/silverotter/internal/schema"
	"github.com/silverotter/silverotter/internal/shared/llmutils"
)

// SubagentManager runs background tasks (subagents) and reports their
// results back through the bus. Each subagent is constructed via
// AgentFactory.NewSubAgent() so it carries a restricted tool set.
type SubagentManager struct {
	factory *AgentFactory
	bus     *bus.MessageBus

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewSubagentManager creates a SubagentManager backed by the given factory.
func NewSubagentManager(factory *AgentFactory, b *bus.MessageBus) *SubagentManager {
	return &SubagentManager{
		factory: factory,
		bus:     b,
		running: make(map[string]context.CancelFunc),
	}
}

// Spawn starts a background subagent goroutine and returns immediately.
// Implements schema.Spawner.
func (sm *SubagentManager) Spawn(_ context.Context, task, label, originChannel, originChatID string) (string, error) {
	taskID := uuid.NewString()[:8]
	label = llmutils.StringOrDefault(label, task)
	label = llmutils.Truncate(label, 30)

	// Detached from the caller: the spawning turn finishes long before the
	// subagent does.
	subctx, cancel := context.WithCancel(context.Background())

	sm.mu.Lock()
	sm.running[taskID] = cancel
	sm.mu.Unlock()

	go func() {
		defer func() {
			sm.mu.Lock()
			delete(sm.running, taskID)
			sm.mu.Unlock()
			cancel()
		}()
		sm.runSubagent(subctx, taskID, task, label, originChannel, originChatID)
	}()

	slog.Info("Spawned subagent", "id", taskID, "label", label)
	return fmt.Sprintf("Subagent [%s] started (id: %s). I'll notify you when it completes.", label, taskID), nil
}

// RunningCount returns the number of subagents currently executing.
func (sm *SubagentManager) RunningCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.running)
}

// runSubagent executes the task and announces the outcome. The announcement
// happens in a deferred block so it fires exactly once, even when the task
// panics.
func (sm *SubagentManager) runSubagent(
	ctx context.Context,
	taskID, task, label, originChannel, originChatID string,
) {
	slog.Info("Subagent starting", "id", taskID, "label", label)

	result := ""
	status := "completed successfully"

	defer func() {
		if rec := recover(); rec != nil {
			result = fmt.Sprintf("Error: subagent panicked: %v", rec)
			status = "failed"
			slog.Error("Subagent panicked", "id", taskID, "panic", rec)
		}
		sm.announceResult(label, task, result, status, originChannel, originChatID)
	}()

	subAgent := sm.factory.NewSubAgent()
	conversation := schema.NewMessages(
		schema.NewSystemMessage(subAgent.buildSystemPrompt()),
		schema.NewUserMessage(task),
	)

	content, _ := subAgent.Execute(ctx, conversation, nil)
	result = llmutils.StringOrDefault(content, "Task completed but no final response was generated.")
	slog.Info("Subagent completed", "id", taskID)
}

// announceResult injects the outcome into the inbound bus as a system-channel
// message. The main loop summarizes it and routes the summary to the chat
// the subagent was spawned from.
func (sm *SubagentManager) announceResult(
	label, task, result, status, originChannel, originChatID string,
) {
	content := fmt.Sprintf(`[Subagent '%s' %s]

Task: %s

Result:
%s

Summarize this naturally for the user. Keep it brief (1-2 sentences). Do not mention technical details like "subagent" or task IDs.`,
		label, status, task, result)

	msg := bus.NewInboundMessage(bus.ChannelSystem, "subagent", originChannel+":"+originChatID, content)
	sm.bus.PublishInbound(msg)
}
