package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silverotter/silverotter/internal/bus"
	"github.com/silverotter/silverotter/internal/mcp"
	"github.com/silverotter/silverotter/internal/memory"
	"github.com/silverotter/silverotter/internal/schema"
	"github.com/silverotter/silverotter/internal/session"
	"github.com/silverotter/silverotter/internal/tools"
)

// scriptProvider returns canned responses in order and records every call.
type scriptProvider struct {
	mu        sync.Mutex
	calls     []schema.Messages
	responses []schema.LLMResponse
}

func (p *scriptProvider) Chat(_ context.Context, messages schema.Messages, _ []map[string]any, _ schema.ChatOptions) (schema.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, messages.Clone())
	if len(p.responses) == 0 {
		return schema.ErrorResponse("script exhausted"), nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptProvider) DefaultModel() string { return "test-model" }

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptProvider) call(i int) schema.Messages {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

func textResponse(s string) schema.LLMResponse {
	return schema.LLMResponse{Content: &s, FinishReason: "stop"}
}

func toolResponse(content string, calls ...schema.ToolCallRequest) schema.LLMResponse {
	var c *string
	if content != "" {
		c = &content
	}
	return schema.LLMResponse{Content: c, ToolCalls: calls, FinishReason: "tool_calls"}
}

// recordingCompactor records Schedule calls without consolidating anything.
type recordingCompactor struct {
	mu       sync.Mutex
	keys     []string
	archived []bool
}

func (c *recordingCompactor) Schedule(key string, _ *session.Session, archiveAll bool) {
	c.mu.Lock()
	c.keys = append(c.keys, key)
	c.archived = append(c.archived, archiveAll)
	c.mu.Unlock()
}

// mapResolver is a SkillResolver backed by a map.
type mapResolver map[string]string

func (m mapResolver) Resolve(name string) (string, bool) {
	body, ok := m[name]
	return body, ok
}

type loopFixture struct {
	loop      *AgentLoop
	bus       *bus.MessageBus
	provider  *scriptProvider
	sessions  *session.Store
	compactor *recordingCompactor
	registry  *tools.Registry
}

func newLoopFixture(t *testing.T, provider *scriptProvider, extraTools ...schema.Tool) *loopFixture {
	t.Helper()
	workspace := t.TempDir()

	sessions, err := session.NewStore(workspace)
	require.NoError(t, err)
	sessions.SetLegacyDir(t.TempDir())

	mem, err := memory.NewStore(workspace)
	require.NoError(t, err)

	b := bus.NewMessageBus()
	t.Cleanup(b.Stop)

	registry := tools.NewRegistry(extraTools...)
	registry.Add(tools.NewMessageTool(b))
	subRegistry := tools.NewRegistry(extraTools...)

	settings := schema.NewAgentSettings("test-model", 10, 0.7, 4096, 50)
	subSettings := schema.NewAgentSettings("test-model", 5, 0.7, 4096, 0)

	mcpManager := mcp.NewManager(nil)
	factory := NewFactory(provider, settings, subSettings, registry, subRegistry, mcpManager, workspace)

	skills := NewSkillsLoader(workspace, "")
	builder := NewContextBuilder(workspace, mem, skills)
	compactor := &recordingCompactor{}
	subagents := NewSubagentManager(factory, b)

	resolver := mapResolver{"greet": "Greet the user warmly and ask about their day."}

	loop := NewAgentLoop(b, factory, settings, sessions, compactor, registry, subagents, resolver, builder)
	return &loopFixture{
		loop:      loop,
		bus:       b,
		provider:  provider,
		sessions:  sessions,
		compactor: compactor,
		registry:  registry,
	}
}

func lastUserText(msgs schema.Messages) string {
	for i := len(msgs.Messages) - 1; i >= 0; i-- {
		if msgs.Messages[i].Role == "user" {
			if s, ok := msgs.Messages[i].Content.(string); ok {
				return s
			}
		}
	}
	return ""
}

func TestProcessDirectSimpleReply(t *testing.T) {
	p := &scriptProvider{responses: []schema.LLMResponse{textResponse("Hello back!")}}
	f := newLoopFixture(t, p)

	out := f.loop.ProcessDirect(context.Background(), "hello", "", "cli", "direct")
	assert.Equal(t, "Hello back!", out)

	sess := f.sessions.GetOrCreate("cli:direct")
	assert.Equal(t, 2, sess.Len())
	assert.Equal(t, []string{"cli:direct"}, f.compactor.keys)
}

func TestToolCallLoopFeedsResultBack(t *testing.T) {
	echo := &stubEchoTool{}
	p := &scriptProvider{responses: []schema.LLMResponse{
		toolResponse("", schema.ToolCallRequest{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "ping"}}),
		textResponse("The tool said: ping"),
	}}
	f := newLoopFixture(t, p, echo)

	out := f.loop.ProcessDirect(context.Background(), "run echo", "", "cli", "direct")
	assert.Equal(t, "The tool said: ping", out)
	require.Equal(t, 2, p.callCount())

	// Second call must include the assistant tool-call turn and the result.
	second := p.call(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Equal(t, "echoed: ping", last.Content)

	sess := f.sessions.GetOrCreate("cli:direct")
	hist, _ := sess.Snapshot()
	assert.Equal(t, []string{"echo"}, hist.Messages[1].ToolsUsed)
}

type stubEchoTool struct{}

func (s *stubEchoTool) Name() string                { return "echo" }
func (s *stubEchoTool) Description() string         { return "echoes" }
func (s *stubEchoTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s *stubEchoTool) Execute(_ context.Context, params map[string]any) (string, error) {
	text, _ := params["text"].(string)
	return "echoed: " + text, nil
}

func TestDegenerateResponseRetriedOnceWithIdenticalMessages(t *testing.T) {
	p := &scriptProvider{responses: []schema.LLMResponse{
		textResponse(""), // degenerate
		textResponse("recovered"),
	}}
	f := newLoopFixture(t, p)

	out := f.loop.ProcessDirect(context.Background(), "hello", "", "cli", "direct")
	assert.Equal(t, "recovered", out)
	require.Equal(t, 2, p.callCount())
	assert.Equal(t, p.call(0).Messages, p.call(1).Messages,
		"the retry must resend the identical message list")
}

func TestDegenerateResponseTwiceFallsBack(t *testing.T) {
	p := &scriptProvider{responses: []schema.LLMResponse{
		textResponse(""),
		textResponse("   "),
	}}
	f := newLoopFixture(t, p)

	out := f.loop.ProcessDirect(context.Background(), "hello", "", "cli", "direct")
	assert.Equal(t, "I've completed processing but have no response to give.", out)
	assert.Equal(t, 2, p.callCount(), "only one retry allowed")
}

func TestDegenerateResponseOnLastIterationStillRetried(t *testing.T) {
	p := &scriptProvider{responses: []schema.LLMResponse{
		textResponse(""), // degenerate on the only permitted iteration
		textResponse("recovered"),
	}}
	r := newLoopRunner(p, schema.NewAgentSettings("test-model", 1, 0.7, 4096, 0))

	conversation := schema.NewMessages()
	conversation.AddUser("hello")

	out, _ := r.run(context.Background(), conversation, tools.NewRegistry(), nil)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, 2, p.callCount(), "the retry must not consume an iteration")
}

func TestProviderErrorIsTerminalContent(t *testing.T) {
	p := &scriptProvider{responses: []schema.LLMResponse{
		schema.ErrorResponse("LLM API error: 429 rate limited"),
	}}
	f := newLoopFixture(t, p)

	out := f.loop.ProcessDirect(context.Background(), "hello", "", "cli", "direct")
	assert.Equal(t, "LLM API error: 429 rate limited", out)
	assert.Equal(t, 1, p.callCount())
}

func TestMaxIterationsBound(t *testing.T) {
	var responses []schema.LLMResponse
	for i := 0; i < 20; i++ {
		responses = append(responses, toolResponse("",
			schema.ToolCallRequest{ID: fmt.Sprintf("c%d", i), Name: "echo", Arguments: map[string]any{"text": "x"}}))
	}
	p := &scriptProvider{responses: responses}
	f := newLoopFixture(t, p, &stubEchoTool{})

	out := f.loop.ProcessDirect(context.Background(), "loop forever", "", "cli", "direct")
	assert.Equal(t, "I've reached the maximum number of tool iterations without a final answer.", out)
	assert.Equal(t, 10, p.callCount())
}

func TestProgressEmission(t *testing.T) {
	p := &scriptProvider{responses: []schema.LLMResponse{
		toolResponse("<think>hmm</think>Let me check the file",
			schema.ToolCallRequest{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "/tmp/a"}}),
		textResponse("done"),
	}}
	f := newLoopFixture(t, p, &stubEchoTool{})

	msg := bus.NewInboundMessage("telegram", "u1", "42", "check it")
	f.loop.handleMessage(context.Background(), msg)

	first, ok := f.bus.ConsumeOutbound()
	require.True(t, ok)
	assert.True(t, first.IsProgress())
	assert.Equal(t, "Let me check the file", first.Content, "think block must be stripped")

	second, ok := f.bus.ConsumeOutbound()
	require.True(t, ok)
	assert.True(t, second.IsProgress())
	assert.Equal(t, `echo("/tmp/a")`, second.Content)

	final, ok := f.bus.ConsumeOutbound()
	require.True(t, ok)
	assert.False(t, final.IsProgress())
	assert.Equal(t, "done", final.Content)
}

func TestMessageToolSameChatSuppressesFinalReply(t *testing.T) {
	p := &scriptProvider{responses: []schema.LLMResponse{
		toolResponse("", schema.ToolCallRequest{ID: "c1", Name: "message",
			Arguments: map[string]any{"content": "direct send"}}),
		textResponse("already answered"),
	}}
	f := newLoopFixture(t, p)

	msg := bus.NewInboundMessage("telegram", "u1", "42", "ping")
	f.loop.handleMessage(context.Background(), msg)

	var contents []string
	for f.bus.OutboundSize() > 0 {
		out, ok := f.bus.ConsumeOutbound()
		require.True(t, ok)
		if !out.IsProgress() {
			contents = append(contents, out.Content)
		}
	}
	assert.Equal(t, []string{"direct send"}, contents,
		"the automatic reply must be suppressed after a same-chat message tool send")

	// The final text is still recorded in the session.
	hist, _ := f.sessions.GetOrCreate("telegram:42").Snapshot()
	assert.Equal(t, "already answered", hist.Messages[1].Text())
}

func TestMessageToolCrossChatKeepsFinalReply(t *testing.T) {
	p := &scriptProvider{responses: []schema.LLMResponse{
		toolResponse("", schema.ToolCallRequest{ID: "c1", Name: "message",
			Arguments: map[string]any{"content": "fyi", "channel": "slack", "chat_id": "C9"}}),
		textResponse("sent a note to slack"),
	}}
	f := newLoopFixture(t, p)

	msg := bus.NewInboundMessage("telegram", "u1", "42", "tell slack")
	f.loop.handleMessage(context.Background(), msg)

	var finals []bus.OutboundMessage
	for f.bus.OutboundSize() > 0 {
		out, ok := f.bus.ConsumeOutbound()
		require.True(t, ok)
		if !out.IsProgress() {
			finals = append(finals, out)
		}
	}
	require.Len(t, finals, 2)
	assert.Equal(t, "slack", finals[0].Channel)
	assert.Equal(t, "telegram", finals[1].Channel)
	assert.Equal(t, "sent a note to slack", finals[1].Content)
}

func TestCLIEmptySentinelAfterMessageTool(t *testing.T) {
	p := &scriptProvider{responses: []schema.LLMResponse{
		toolResponse("", schema.ToolCallRequest{ID: "c1", Name: "message",
			Arguments: map[string]any{"content": "hello there"}}),
		textResponse("done"),
	}}
	f := newLoopFixture(t, p)

	msg := bus.NewInboundMessage("cli", "user", "direct", "hi")
	msg.Metadata = map[string]any{"request_id": "r1"}
	f.loop.handleMessage(context.Background(), msg)

	var finals []bus.OutboundMessage
	for f.bus.OutboundSize() > 0 {
		out, ok := f.bus.ConsumeOutbound()
		require.True(t, ok)
		if !out.IsProgress() {
			finals = append(finals, out)
		}
	}
	require.Len(t, finals, 2)
	assert.Equal(t, "hello there", finals[0].Content)
	assert.Equal(t, "", finals[1].Content, "CLI must receive an empty sentinel to unblock")
	assert.Equal(t, "r1", finals[1].Metadata["request_id"])
}

func TestSkillCommandExpandsForLLMButSessionKeepsOriginal(t *testing.T) {
	p := &scriptProvider{responses: []schema.LLMResponse{textResponse("Good morning!")}}
	f := newLoopFixture(t, p)

	out := f.loop.ProcessDirect(context.Background(), "skill:greet and be brief", "", "cli", "direct")
	assert.Equal(t, "Good morning!", out)

	sent := lastUserText(p.call(0))
	assert.Equal(t, "Greet the user warmly and ask about their day.\n\nand be brief", sent)

	hist, _ := f.sessions.GetOrCreate("cli:direct").Snapshot()
	assert.Equal(t, "skill:greet and be brief", hist.Messages[0].Content)
}

func TestUnknownSkillPassesThrough(t *testing.T) {
	p := &scriptProvider{responses: []schema.LLMResponse{textResponse("ok")}}
	f := newLoopFixture(t, p)

	f.loop.ProcessDirect(context.Background(), "skill:nope do it", "", "cli", "direct")
	assert.Equal(t, "skill:nope do it", lastUserText(p.call(0)))
}

func TestSlashNewClearsSessionAndArchives(t *testing.T) {
	p := &scriptProvider{responses: []schema.LLMResponse{textResponse("first answer")}}
	f := newLoopFixture(t, p)

	f.loop.ProcessDirect(context.Background(), "remember this", "", "telegram", "42")
	require.Equal(t, 2, f.sessions.GetOrCreate("telegram:42").Len())

	msg := bus.NewInboundMessage("telegram", "u1", "42", "/new")
	f.loop.handleMessage(context.Background(), msg)

	out, ok := f.bus.ConsumeOutbound()
	require.True(t, ok)
	assert.Contains(t, out.Content, "New session started")

	assert.Equal(t, 0, f.sessions.GetOrCreate("telegram:42").Len())

	f.compactor.mu.Lock()
	defer f.compactor.mu.Unlock()
	require.NotEmpty(t, f.compactor.keys)
	assert.Equal(t, "telegram:42:archive", f.compactor.keys[len(f.compactor.keys)-1])
	assert.True(t, f.compactor.archived[len(f.compactor.archived)-1])
}

func TestSlashHelp(t *testing.T) {
	p := &scriptProvider{}
	f := newLoopFixture(t, p)

	msg := bus.NewInboundMessage("telegram", "u1", "42", "/HELP")
	f.loop.handleMessage(context.Background(), msg)

	out, ok := f.bus.ConsumeOutbound()
	require.True(t, ok)
	assert.Contains(t, out.Content, "/new")
	assert.Contains(t, out.Content, "/help")
	assert.Equal(t, 0, p.callCount(), "slash commands bypass the LLM")
}

func TestSystemChannelRoutesToOriginChat(t *testing.T) {
	p := &scriptProvider{responses: []schema.LLMResponse{textResponse("Your research finished: all good.")}}
	f := newLoopFixture(t, p)

	msg := bus.NewInboundMessage(bus.ChannelSystem, "subagent", "telegram:42", "[Subagent 'research' completed successfully]\n\nResult: fine")
	f.loop.handleMessage(context.Background(), msg)

	out, ok := f.bus.ConsumeOutbound()
	require.True(t, ok)
	assert.Equal(t, "telegram", out.Channel)
	assert.Equal(t, "42", out.ChatID)
	assert.Equal(t, "Your research finished: all good.", out.Content)

	hist, _ := f.sessions.GetOrCreate("telegram:42").Snapshot()
	require.Equal(t, 2, hist.Len())
	assert.Contains(t, hist.Messages[0].Content, "[System: subagent]")
}

func TestRunConsumesSequentiallyUntilStopped(t *testing.T) {
	p := &scriptProvider{responses: []schema.LLMResponse{
		textResponse("one"),
		textResponse("two"),
	}}
	f := newLoopFixture(t, p)

	f.bus.PublishInbound(bus.NewInboundMessage("telegram", "u1", "42", "first"))
	f.bus.PublishInbound(bus.NewInboundMessage("telegram", "u1", "42", "second"))

	done := make(chan error, 1)
	go func() { done <- f.loop.Run(context.Background()) }()

	first, ok := f.bus.ConsumeOutbound()
	require.True(t, ok)
	assert.Equal(t, "one", first.Content)
	second, ok := f.bus.ConsumeOutbound()
	require.True(t, ok)
	assert.Equal(t, "two", second.Content)

	f.bus.Stop()
	require.NoError(t, <-done)

	hist, _ := f.sessions.GetOrCreate("telegram:42").Snapshot()
	require.Equal(t, 4, hist.Len())
	assert.Equal(t, "first", hist.Messages[0].Content)
	assert.Equal(t, "one", hist.Messages[1].Text())
	assert.Equal(t, "second", hist.Messages[2].Content)
}
