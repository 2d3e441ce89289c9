package agent

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/silverotter/silverotter/internal/schema"
	"github.com/silverotter/silverotter/internal/shared/llmutils"
	"github.com/silverotter/silverotter/internal/tools"
)

// LoopRunner executes the LLM ↔ tool iteration loop.
// It is embedded by CoreAgent and SubAgent to share the loop body.
type LoopRunner struct {
	provider schema.LLMProvider
	settings schema.AgentSettings
}

func newLoopRunner(provider schema.LLMProvider, settings schema.AgentSettings) LoopRunner {
	return LoopRunner{provider: provider, settings: settings}
}

// run is the canonical LLM ↔ tool loop body shared by CoreAgent and SubAgent.
//
// A degenerate response (no tool calls and no content) is retried exactly
// once with the identical message list before giving up. Provider failures
// arrive as FinishReason "error" responses and terminate the loop with the
// error text as the final content.
func (r *LoopRunner) run(ctx context.Context, conversation schema.Messages, reg *tools.Registry, onProgress func(string)) (finalContent string, toolsUsed []string) {
	retried := false

	for i := 0; i < r.settings.MaxIter; i++ {
		resp, err := r.provider.Chat(ctx,
			conversation,
			reg.Definitions(),
			schema.NewChatOptions(r.settings.Model, r.settings.MaxTokens, r.settings.Temperature),
		)

		if err != nil {
			slog.Error("LLM error", "err", err)
			return "Sorry, I encountered an error calling the LLM.", toolsUsed
		}

		if resp.IsError() {
			slog.Error("LLM call failed", "reason", resp.Text())
			return resp.Text(), toolsUsed
		}

		if !resp.HasToolCalls() {
			content := llmutils.StripThink(resp.Text())
			if content == "" && !retried {
				// Some models occasionally return an empty terminal turn;
				// one repeat of the same request usually recovers. The
				// retry does not count against the iteration budget, so it
				// still happens on the final permitted iteration.
				retried = true
				slog.Warn("Degenerate LLM response, retrying once")
				i--
				continue
			}
			return content, toolsUsed
		}

		// Progress: emit partial text, then a tool hint.
		if onProgress != nil {
			if clean := llmutils.StripThink(resp.Text()); clean != "" {
				onProgress(clean)
			}
			onProgress(llmutils.ToolHint(resp.ToolCalls))
		}

		var toolCalls []schema.ToolCall
		for _, tc := range resp.ToolCalls {
			toolCalls = append(toolCalls, schema.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		conversation.AddAssistant(resp.Content, toolCalls, resp.ReasoningContent)

		for _, tc := range resp.ToolCalls {
			toolsUsed = append(toolsUsed, tc.Name)
			argsJSON, _ := json.Marshal(tc.Arguments)

			slog.Info("Tool call", "name", tc.Name, "args", llmutils.Truncate(string(argsJSON), 200))

			result := reg.Execute(ctx, tc.Name, tc.Arguments)
			conversation.AddToolResult(tc.ID, tc.Name, result)
		}
	}

	return "I've reached the maximum number of tool iterations without a final answer.", toolsUsed
}
