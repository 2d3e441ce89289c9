package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/silverotter/silverotter/internal/bus"
	"github.com/silverotter/silverotter/internal/schema"
	"github.com/silverotter/silverotter/internal/session"
	"github.com/silverotter/silverotter/internal/shared/llmutils"
	"github.com/silverotter/silverotter/internal/tools"
)

// Compactor schedules background memory consolidation for a session.
// Implemented by memory.Consolidator.
type Compactor interface {
	Schedule(key string, sess *session.Session, archiveAll bool)
}

// AgentLoop is the core processing engine.
//
// It reads InboundMessages from the bus one at a time, so turns within a
// chat are strictly ordered, routes each message to the appropriate
// channel-kind handler, and publishes OutboundMessages.
type AgentLoop struct {
	bus      *bus.MessageBus
	settings schema.AgentSettings

	promptBuilder *ContextBuilder
	sessions      *session.Store
	compactor     Compactor
	tools         *tools.Registry // shared live registry; MCP tools land here
	subagents     *SubagentManager
	skills        schema.SkillResolver

	runner  LoopRunner    // shared LLM iteration logic (used by handleSystemChannel)
	factory *AgentFactory // creates per-request CoreAgent / SubAgent instances
}

// NewAgentLoop creates an AgentLoop with the supplied factory, tool registry,
// and subagent manager.
func NewAgentLoop(
	b *bus.MessageBus,
	factory *AgentFactory,
	settings schema.AgentSettings,
	sessions *session.Store,
	compactor Compactor,
	registry *tools.Registry,
	subagents *SubagentManager,
	skills schema.SkillResolver,
	promptBuilder *ContextBuilder,
) *AgentLoop {
	return &AgentLoop{
		bus:           b,
		settings:      settings,
		promptBuilder: promptBuilder,
		sessions:      sessions,
		compactor:     compactor,
		tools:         registry,
		subagents:     subagents,
		skills:        skills,
		runner:        newLoopRunner(factory.provider, settings),
		factory:       factory,
	}
}

var _ schema.AgentLooper = (*AgentLoop)(nil)

// Run consumes the inbound bus until ctx is cancelled or the bus is stopped.
// Messages are processed sequentially: a turn must finish before the next
// begins, which keeps session history writes ordered.
func (loop *AgentLoop) Run(ctx context.Context) error {
	slog.Info("Agent loop started")

	go func() {
		<-ctx.Done()
		loop.bus.Stop()
	}()

	for {
		msg, ok := loop.bus.ConsumeInbound()
		if !ok {
			break
		}
		loop.handleMessage(ctx, msg)
	}

	slog.Info("Agent loop stopping")
	loop.factory.Close()
	return ctx.Err()
}

// ProcessDirect handles a message outside the bus (CLI, cron, heartbeat).
// Returns the final text response.
func (loop *AgentLoop) ProcessDirect(ctx context.Context, content, sessionKey, channel, chatID string) string {
	msg := bus.NewInboundMessage(channel, "user", chatID, content)
	res := loop.processMessage(ctx, msg, sessionKey)
	if res == nil {
		return ""
	}
	return res.Content
}

func (loop *AgentLoop) handleMessage(ctx context.Context, msg bus.InboundMessage) {
	resp := loop.processMessage(ctx, msg, "")

	if resp != nil {
		loop.bus.PublishOutbound(*resp)
	} else if msg.Channel == bus.ChannelCLI {
		// The CLI blocks waiting for a reply; send an empty sentinel so it
		// unblocks even when the message tool already answered.
		out := bus.NewOutboundMessage(msg.Channel, msg.ChatID, "")
		out.Metadata = msg.Metadata
		loop.bus.PublishOutbound(out)
	}
}

// processMessage dispatches msg to the appropriate channel-kind handler.
// sessionKeyOverride is non-empty only when called from ProcessDirect.
func (loop *AgentLoop) processMessage(ctx context.Context, msg bus.InboundMessage, sessionKeyOverride string) *bus.OutboundMessage {
	switch msg.Channel {
	case bus.ChannelSystem:
		return loop.handleSystemChannel(ctx, msg)
	case bus.ChannelCron, bus.ChannelHeartbeat:
		// These run via ProcessDirect; if a message arrives on the bus the
		// pipeline still runs but nothing is auto-published.
		loop.handleExternalChannel(ctx, msg, sessionKeyOverride)
		return nil
	default:
		return loop.handleExternalChannel(ctx, msg, sessionKeyOverride)
	}
}

// handleSystemChannel processes system-channel messages injected by
// subagents. It parses the original channel/chat from msg.ChatID, runs one
// LLM summarisation turn, and routes the reply to the original chat.
func (loop *AgentLoop) handleSystemChannel(ctx context.Context, msg bus.InboundMessage) *bus.OutboundMessage {
	channel, chatID, _ := strings.Cut(msg.ChatID, ":")
	if chatID == "" {
		channel = bus.ChannelCLI
		chatID = msg.ChatID
	}

	slog.Info("Processing system message", "sender", msg.SenderID)

	key := channel + ":" + chatID
	sess := loop.sessions.GetOrCreate(key)

	ctx = tools.WithTurn(ctx, &tools.Turn{Channel: channel, ChatID: chatID})

	conversation := loop.promptBuilder.BuildMessages(
		sess.History(loop.settings.MemoryWindow),
		msg.Content,
		nil,
		channel,
		chatID,
	)

	final, _ := loop.runner.run(ctx, conversation, loop.tools, nil)
	final = llmutils.StringOrDefault(final, "Background task completed.")

	sess.AddUser(fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content))
	sess.AddAssistant(final, nil)
	if err := loop.sessions.Save(sess); err != nil {
		slog.Warn("Failed to save session", "key", key, "err", err)
	}

	out := bus.NewOutboundMessage(channel, chatID, final)
	return &out
}

// handleExternalChannel processes messages from user-facing channels
// (telegram, slack, discord, email, cli). It runs slash commands, skill
// expansion, the full LLM loop, saves the session, and returns an
// OutboundMessage — or nil when the message tool already replied in the
// same chat.
func (loop *AgentLoop) handleExternalChannel(ctx context.Context, msg bus.InboundMessage, sessionKeyOverride string) *bus.OutboundMessage {
	slog.Info(
		"Processing message",
		"sender", msg.SenderID,
		"channel", msg.Channel,
		"content", llmutils.Truncate(msg.Content, 80),
	)

	key := llmutils.StringOrDefault(sessionKeyOverride, msg.SessionKey())
	ses := loop.sessions.GetOrCreate(key)

	if resp := loop.handleSlashCommand(msg, ses, key); resp != nil {
		return resp
	}

	loop.compactor.Schedule(key, ses, false)

	turn := &tools.Turn{Channel: msg.Channel, ChatID: msg.ChatID}
	if v, ok := msg.Metadata["message_id"].(string); ok {
		turn.MessageID = v
	}
	ctx = tools.WithTurn(ctx, turn)

	conversation := loop.promptBuilder.BuildMessages(
		ses.History(loop.settings.MemoryWindow),
		loop.expandSkillCommand(msg.Content),
		msg.Media,
		msg.Channel,
		msg.ChatID,
	)

	coreAgent := loop.factory.NewCoreAgent()
	final, toolsUsed := coreAgent.Execute(ctx, conversation, loop.makeProgressCallback(msg))
	if final == "" {
		final = "I've completed processing but have no response to give."
	}

	slog.Info("Response", "channel", msg.Channel, "sender", msg.SenderID, "length", len(final))

	// The session keeps the user's literal text, not the skill expansion.
	ses.AddUser(msg.Content)
	ses.AddAssistant(final, toolsUsed)
	if err := loop.sessions.Save(ses); err != nil {
		slog.Warn("Failed to save session", "key", key, "err", err)
	}

	// If the message tool already delivered to this chat, suppress the
	// duplicate automatic reply. Cross-chat sends do not suppress.
	if turn.SameChatMessageSent() {
		return nil
	}

	out := bus.NewOutboundMessage(msg.Channel, msg.ChatID, final)
	out.Metadata = msg.Metadata
	return &out
}

// expandSkillCommand replaces a "skill:<name> ..." invocation with the skill
// body, any trailing text appended after it. Unknown skills pass through
// unchanged.
func (loop *AgentLoop) expandSkillCommand(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "skill:") {
		return content
	}
	name, args, _ := strings.Cut(strings.TrimPrefix(trimmed, "skill:"), " ")
	name = strings.TrimSpace(name)
	if name == "" {
		return content
	}
	body, ok := loop.skills.Resolve(name)
	if !ok {
		return content
	}
	if args = strings.TrimSpace(args); args != "" {
		return body + "\n\n" + args
	}
	return body
}

// handleSlashCommand checks msg.Content for a known slash command.
// Returns non-nil if the command was handled (caller should return early).
func (loop *AgentLoop) handleSlashCommand(
	msg bus.InboundMessage,
	ses *session.Session,
	key string,
) *bus.OutboundMessage {
	cmd := strings.TrimSpace(strings.ToLower(msg.Content))
	switch cmd {
	case "/new":
		return loop.handleCmdNew(msg, ses, key)
	case "/help":
		return loop.handleCmdHelp(msg)
	}
	return nil
}

// handleCmdNew clears the current session and triggers background memory
// consolidation over the archived messages, then replies with a confirmation.
func (loop *AgentLoop) handleCmdNew(msg bus.InboundMessage, sess *session.Session, key string) *bus.OutboundMessage {
	archived, _ := sess.Snapshot()
	sess.Clear()
	if err := loop.sessions.Save(sess); err != nil {
		slog.Warn("Failed to save cleared session", "key", key, "err", err)
	}
	loop.sessions.Invalidate(key)

	tmp := session.NewArchived(key, archived)
	loop.compactor.Schedule(key+":archive", tmp, true)

	out := bus.NewOutboundMessage(msg.Channel, msg.ChatID, "New session started. Memory consolidation in progress.")
	out.Metadata = msg.Metadata
	return &out
}

// handleCmdHelp returns the help text listing available slash commands.
func (loop *AgentLoop) handleCmdHelp(msg bus.InboundMessage) *bus.OutboundMessage {
	out := bus.NewOutboundMessage(msg.Channel, msg.ChatID,
		"silverotter commands:\n/new — Start a new conversation\n/help — Show available commands")
	out.Metadata = msg.Metadata
	return &out
}

// makeProgressCallback returns a function that pushes intermediate output to
// the outbound bus so clients can display streaming progress.
func (loop *AgentLoop) makeProgressCallback(msg bus.InboundMessage) func(string) {
	return func(content string) {
		meta := map[string]any{bus.MetaProgress: true}
		for k, v := range msg.Metadata {
			meta[k] = v
		}
		out := bus.NewOutboundMessage(msg.Channel, msg.ChatID, content)
		out.Metadata = meta
		loop.bus.PublishOutbound(out)
	}
}
