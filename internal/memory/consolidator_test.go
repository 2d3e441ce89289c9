package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silverotter/silverotter/internal/schema"
	"github.com/silverotter/silverotter/internal/session"
)

// scriptProvider returns canned responses and records every call.
type scriptProvider struct {
	responses []schema.LLMResponse
	calls     []schema.Messages
}

func (p *scriptProvider) Chat(_ context.Context, messages schema.Messages, _ []map[string]any, _ schema.ChatOptions) (schema.LLMResponse, error) {
	p.calls = append(p.calls, messages.Clone())
	if len(p.calls) > len(p.responses) {
		return schema.ErrorResponse("script exhausted"), nil
	}
	return p.responses[len(p.calls)-1], nil
}

func (p *scriptProvider) DefaultModel() string { return "test-model" }

func saveMemoryResponse(historyEntry, memoryUpdate any) schema.LLMResponse {
	return schema.LLMResponse{
		ToolCalls: []schema.ToolCallRequest{{
			ID:   "tc1",
			Name: "save_memory",
			Arguments: map[string]any{
				"history_entry": historyEntry,
				"memory_update": memoryUpdate,
			},
		}},
		FinishReason: "tool_calls",
	}
}

func newFixture(t *testing.T, provider schema.LLMProvider, window int) (*Consolidator, *Store, *session.Store) {
	t.Helper()
	ws := t.TempDir()
	store, err := NewStore(ws)
	require.NoError(t, err)
	sessions, err := session.NewStore(ws)
	require.NoError(t, err)
	sessions.SetLegacyDir("")
	return NewConsolidator(store, sessions, provider, "test-model", window), store, sessions
}

func sessionWithMessages(n int) *session.Session {
	s := session.New("cli:direct")
	for i := 0; i < n; i++ {
		s.AddUser("message")
	}
	return s
}

func TestConsolidateWindowSelection(t *testing.T) {
	provider := &scriptProvider{responses: []schema.LLMResponse{
		saveMemoryResponse("[2026-02-14] summary", "- facts"),
	}}
	c, _, _ := newFixture(t, provider, 50)

	s := sessionWithMessages(60)
	require.NoError(t, c.Consolidate(context.Background(), s, false))

	// keep = 25, so messages[0:35) are consolidated and the cursor lands on 35.
	assert.Equal(t, 35, s.LastConsolidated())
	assert.Equal(t, 60, s.Len(), "messages are never dropped by consolidation")
	require.Len(t, provider.calls, 1)
}

func TestConsolidateEmptyWindowIsNoop(t *testing.T) {
	provider := &scriptProvider{}
	c, _, _ := newFixture(t, provider, 50)

	s := sessionWithMessages(10) // 10 <= keep(25): nothing old enough
	require.NoError(t, c.Consolidate(context.Background(), s, false))

	assert.Equal(t, 0, s.LastConsolidated())
	assert.Empty(t, provider.calls, "no LLM call for an empty window")
}

func TestConsolidateSkippedWithoutSaveMemoryCall(t *testing.T) {
	text := "I refuse to call tools."
	provider := &scriptProvider{responses: []schema.LLMResponse{
		{Content: &text, FinishReason: "stop"},
	}}
	c, store, _ := newFixture(t, provider, 50)

	s := sessionWithMessages(60)
	err := c.Consolidate(context.Background(), s, false)

	assert.ErrorIs(t, err, ErrConsolidationSkipped)
	assert.Equal(t, 0, s.LastConsolidated(), "cursor unchanged on skip")
	assert.Equal(t, "", store.ReadLongTerm())
	assert.NoFileExists(t, store.historyFile)
}

func TestConsolidateSkippedOnWrongToolCall(t *testing.T) {
	provider := &scriptProvider{responses: []schema.LLMResponse{{
		ToolCalls:    []schema.ToolCallRequest{{ID: "tc1", Name: "delete_everything", Arguments: map[string]any{}}},
		FinishReason: "tool_calls",
	}}}
	c, store, _ := newFixture(t, provider, 50)

	s := sessionWithMessages(60)
	err := c.Consolidate(context.Background(), s, false)

	assert.ErrorIs(t, err, ErrConsolidationSkipped)
	assert.Equal(t, 0, s.LastConsolidated())
	assert.Equal(t, "", store.ReadLongTerm())
}

func TestConsolidateCommitsResult(t *testing.T) {
	provider := &scriptProvider{responses: []schema.LLMResponse{
		saveMemoryResponse("[2026-02-14 10:00] talked about Go", "- User writes Go"),
	}}
	c, store, _ := newFixture(t, provider, 50)

	s := sessionWithMessages(60)
	require.NoError(t, c.Consolidate(context.Background(), s, false))

	assert.Equal(t, "- User writes Go", store.ReadLongTerm())
	history, err := os.ReadFile(store.historyFile)
	require.NoError(t, err)
	assert.Contains(t, string(history), "talked about Go")
}

func TestConsolidateSerializesStructuredValues(t *testing.T) {
	provider := &scriptProvider{responses: []schema.LLMResponse{
		saveMemoryResponse(
			map[string]any{"timestamp": "2026-02-14", "summary": "structured"},
			[]any{"fact one", "fact two"},
		),
	}}
	c, store, _ := newFixture(t, provider, 50)

	s := sessionWithMessages(60)
	require.NoError(t, c.Consolidate(context.Background(), s, false))

	history, err := os.ReadFile(store.historyFile)
	require.NoError(t, err)
	assert.Contains(t, string(history), `"summary":"structured"`)
	assert.Contains(t, store.ReadLongTerm(), `"fact one"`)
}

func TestConsolidateArchiveAllResetsCursor(t *testing.T) {
	provider := &scriptProvider{responses: []schema.LLMResponse{
		saveMemoryResponse("[2026-02-14] archived", "- archived facts"),
	}}
	c, _, _ := newFixture(t, provider, 50)

	s := sessionWithMessages(10) // below the trigger, but archive-all forces it
	require.NoError(t, c.Consolidate(context.Background(), s, true))

	assert.Equal(t, 0, s.LastConsolidated())
	require.Len(t, provider.calls, 1)
}

func TestConsolidatePersistsCursor(t *testing.T) {
	provider := &scriptProvider{responses: []schema.LLMResponse{
		saveMemoryResponse("[2026-02-14] entry", "- fact"),
	}}
	c, _, sessions := newFixture(t, provider, 50)

	s := sessions.GetOrCreate("cli:direct")
	for i := 0; i < 60; i++ {
		s.AddUser("message")
	}
	require.NoError(t, c.Consolidate(context.Background(), s, false))

	sessions.Invalidate("cli:direct")
	reloaded := sessions.GetOrCreate("cli:direct")
	assert.Equal(t, 35, reloaded.LastConsolidated())
}

func TestHistoryAppendsAreOrderedAndSeparated(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.AppendHistory("a"))
	require.NoError(t, store.AppendHistory("b"))

	data, err := os.ReadFile(store.historyFile)
	require.NoError(t, err)
	assert.Equal(t, "a\n\nb\n\n", string(data))
}

func TestLongTermOverwrite(t *testing.T) {
	ws := t.TempDir()
	store, err := NewStore(ws)
	require.NoError(t, err)

	require.NoError(t, store.WriteLongTerm("- old"))
	require.NoError(t, store.WriteLongTerm("- new"))
	assert.Equal(t, "- new", store.ReadLongTerm())

	assert.FileExists(t, filepath.Join(ws, "memory", "MEMORY.md"))
}

func TestContextFormatsLongTerm(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "", store.Context())
	require.NoError(t, store.WriteLongTerm("- a fact"))
	assert.Equal(t, "## Long-term Memory\n- a fact", store.Context())
}
