package agent

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/silverotter/silverotter/internal/mcp"
	"github.com/silverotter/silverotter/internal/schema"
	"github.com/silverotter/silverotter/internal/tools"
)

// CoreAgent processes a single user-facing request.
// It carries the full tool set (including spawn, message, cron) and uses the
// rich system prompt built from workspace files and memory.
// Constructed per message by AgentFactory.NewCoreAgent().
type CoreAgent struct {
	LoopRunner

	tools      *tools.Registry // shared with AgentLoop — picks up MCP tools automatically
	mcpManager *mcp.Manager
}

// Execute runs the agent on a fully built conversation (system prompt +
// history + user message). MCP servers are connected lazily on the first
// call; a failed attempt is retried on the next message.
func (a *CoreAgent) Execute(ctx context.Context, conversation schema.Messages, onProgress func(string)) (string, []string) {
	if err := a.mcpManager.EnsureConnected(ctx, a.tools); err != nil {
		slog.Warn("MCP connect attempt failed, continuing without MCP tools", "err", err)
	}

	return a.run(ctx, conversation, a.tools, onProgress)
}

// SubAgent handles a single background task.
// It carries a restricted tool set (no spawn/message/cron) and starts fresh
// with no session history.
// Constructed per spawn call by AgentFactory.NewSubAgent().
type SubAgent struct {
	LoopRunner

	tools     *tools.Registry
	workspace string
}

// Execute runs the subagent to completion on a fresh conversation.
func (a *SubAgent) Execute(ctx context.Context, conversation schema.Messages, onProgress func(string)) (string, []string) {
	return a.run(ctx, conversation, a.tools, onProgress)
}

func (a *SubAgent) buildSystemPrompt() string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	tz, _ := time.Now().Zone()
	if tz == "" {
		tz = "UTC"
	}

	ws := expandHome(a.workspace)

	goos := runtime.GOOS
	if goos == "darwin" {
		goos = "macOS"
	}

	return strings.Join([]string{
		"# Subagent",
		"",
		"## Current Time",
		now + " (" + tz + ")",
		"",
		"You are a subagent spawned by the main agent to complete a specific task.",
		"",
		"## Rules",
		"1. Stay focused - complete only the assigned task, nothing else",
		"2. Your final response will be reported back to the main agent",
		"3. Do not initiate conversations or take on side tasks",
		"4. Be concise but informative in your findings",
		"",
		"## What You Can Do",
		"- Read and write files in the workspace",
		"- Execute shell commands",
		"- Search the web and fetch web pages",
		"- Complete the task thoroughly",
		"",
		"## What You Cannot Do",
		"- Send messages directly to users (no message tool available)",
		"- Spawn other subagents",
		"- Access the main agent's conversation history",
		"",
		"## Workspace",
		"Your workspace is at: " + ws,
		"Skills are available at: " + ws + "/skills/ (read SKILL.md files as needed)",
		"OS: " + goos + " " + runtime.GOARCH,
		"",
		"When you have completed the task, provide a clear summary of your findings or actions.",
	}, "\n")
}
