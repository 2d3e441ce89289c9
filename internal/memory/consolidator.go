package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/silverotter/silverotter/internal/schema"
	"github.com/silverotter/silverotter/internal/session"
)

// ErrConsolidationSkipped is the soft failure returned when the model did
// not produce the expected save_memory call. The consolidation cursor is
// left unchanged, so the next trigger retries the same window.
var ErrConsolidationSkipped = errors.New("consolidation skipped: model did not call save_memory")

// saveMemoryToolDef is the single callable action offered to the model
// during consolidation, in OpenAI function-calling format.
var saveMemoryToolDef = []map[string]any{
	{
		"type": "function",
		"function": map[string]any{
			"name":        "save_memory",
			"description": "Save the memory consolidation result to persistent storage.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"history_entry": map[string]any{
						"type": "string",
						"description": "A paragraph (2-5 sentences) summarizing key events/decisions/topics. " +
							"Start with [YYYY-MM-DD HH:MM]. Include detail useful for grep search.",
					},
					"memory_update": map[string]any{
						"type": "string",
						"description": "Full updated long-term memory as markdown. Include all existing " +
							"facts plus new ones. Return unchanged if nothing new.",
					},
				},
				"required": []string{"history_entry", "memory_update"},
			},
		},
	},
}

// Per-session scheduling states.
const (
	stateRunning uint8 = 1 // goroutine is actively consolidating
	stateQueued  uint8 = 2 // goroutine is running AND another run is pending
)

// Consolidator compresses aged session messages into the memory files via a
// single LLM tool call. Window selection and cursor bookkeeping live here;
// file I/O is delegated to the Store, session persistence to the session
// Store.
type Consolidator struct {
	store    *Store
	sessions *session.Store
	provider schema.LLMProvider
	model    string
	window   int // memory window; keep = window/2 messages stay unconsolidated

	mu     sync.Mutex
	active map[string]uint8 // session key → scheduling state
}

// NewConsolidator returns a Consolidator for the given stores and provider.
func NewConsolidator(store *Store, sessions *session.Store, provider schema.LLMProvider, model string, window int) *Consolidator {
	return &Consolidator{
		store:    store,
		sessions: sessions,
		provider: provider,
		model:    model,
		window:   window,
		active:   make(map[string]uint8),
	}
}

// Schedule runs consolidation for sess in the background, enforcing at most
// one active run per key with one pending slot.
//
// State machine per key:
//
//	absent       → stateRunning  launch goroutine
//	stateRunning → stateQueued   mark pending, goroutine will re-run
//	stateQueued  → stateQueued   already queued, nothing to do
func (c *Consolidator) Schedule(key string, sess *session.Session, archiveAll bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.active[key] {
	case stateRunning:
		c.active[key] = stateQueued
		return
	case stateQueued:
		return
	}

	c.active[key] = stateRunning
	go func() {
		for {
			if err := c.Consolidate(context.Background(), sess, archiveAll); err != nil {
				slog.Warn("memory consolidation failed", "key", key, "err", err)
			}

			c.mu.Lock()
			if c.active[key] == stateQueued {
				c.active[key] = stateRunning
				c.mu.Unlock()
				continue
			}
			delete(c.active, key)
			c.mu.Unlock()
			return
		}
	}()
}

// Consolidate compresses the aged window of sess into MEMORY.md/HISTORY.md.
//
// The window is messages[lastConsolidated : len-keep) with keep = window/2,
// so the most recent keep messages stay live in the prompt context. An empty
// window is a no-op success. archiveAll processes everything after the
// cursor and resets the cursor to zero (used when a session is retired).
//
// Safe to call concurrently for different sessions; Schedule guards against
// concurrent runs for the same session.
func (c *Consolidator) Consolidate(ctx context.Context, sess *session.Session, archiveAll bool) error {
	msgs, cursor := sess.Snapshot()

	keep := c.window / 2
	end := len(msgs.Messages) - keep
	if archiveAll {
		keep = 0
		end = len(msgs.Messages)
	}
	if end <= cursor {
		return nil // nothing old enough to consolidate
	}

	window := msgs.Messages[cursor:end]
	slog.Info("memory consolidation", "key", sess.Key, "window", len(window), "keep", keep, "archive_all", archiveAll)

	if err := c.summarize(ctx, window); err != nil {
		return err
	}

	if archiveAll {
		sess.SetLastConsolidated(0)
	} else {
		sess.SetLastConsolidated(end)
		if err := c.sessions.Save(sess); err != nil {
			slog.Warn("memory consolidation: failed to persist session cursor", "err", err)
		}
	}

	slog.Info("memory consolidation done", "key", sess.Key, "last_consolidated", sess.LastConsolidated())
	return nil
}

// summarize sends the window to the LLM together with the current long-term
// memory and commits the save_memory result. Missing or wrong tool calls are
// the soft ErrConsolidationSkipped failure; nothing is written in that case.
func (c *Consolidator) summarize(ctx context.Context, window []schema.Message) error {
	current := c.store.ReadLongTerm()

	prompt := fmt.Sprintf(
		"Process this conversation and call the save_memory tool with your consolidation.\n\n"+
			"## Current Long-term Memory\n%s\n\n"+
			"## Conversation to Process\n%s",
		orElse(current, "(empty)"),
		transcript(window),
	)

	messages := schema.NewMessages(
		schema.NewSystemMessage("You are a memory consolidation agent. Call the save_memory tool with your consolidation of the conversation."),
		schema.NewUserMessage(prompt),
	)

	resp, err := c.provider.Chat(ctx, messages, saveMemoryToolDef, schema.ChatOptions{
		Model:       c.model,
		MaxTokens:   4096,
		Temperature: 0.3,
	})
	if err != nil {
		return fmt.Errorf("consolidation LLM call: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("consolidation LLM call: %s", resp.Text())
	}
	if !resp.HasToolCalls() || resp.ToolCalls[0].Name != "save_memory" {
		slog.Warn("memory consolidation: model did not call save_memory, skipping")
		return ErrConsolidationSkipped
	}

	args := resp.ToolCalls[0].Arguments

	if entry := stringOrJSON(args["history_entry"]); entry != "" {
		if err := c.store.AppendHistory(entry); err != nil {
			slog.Warn("failed to append history", "err", err)
		}
	}
	if update := stringOrJSON(args["memory_update"]); update != "" && update != current {
		if err := c.store.WriteLongTerm(update); err != nil {
			slog.Warn("failed to write long-term memory", "err", err)
		}
	}

	return nil
}

// transcript renders the window into timestamped labelled lines for the
// consolidation prompt.
func transcript(msgs []schema.Message) string {
	var lines []string
	for _, msg := range msgs {
		content := msg.Text()
		if content == "" {
			continue
		}
		toolsStr := ""
		if len(msg.ToolsUsed) > 0 {
			toolsStr = " [tools: " + strings.Join(msg.ToolsUsed, ", ") + "]"
		}
		ts := msg.Timestamp.UTC().Format("2006-01-02T15:04")
		lines = append(lines, fmt.Sprintf("[%s] %s%s: %s", ts, strings.ToUpper(msg.Role), toolsStr, content))
	}
	return strings.Join(lines, "\n")
}

// stringOrJSON coerces a tool-argument value to a string. Models sometimes
// return structured values for these fields; anything non-string is
// JSON-encoded so the store only ever sees text.
func stringOrJSON(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func orElse(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
