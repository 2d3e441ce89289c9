package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silverotter/silverotter/internal/bus"
)

type stubTool struct {
	name string
	fn   func(ctx context.Context, params map[string]any) (string, error)
}

func (s *stubTool) Name() string                 { return s.name }
func (s *stubTool) Description() string          { return "stub" }
func (s *stubTool) Parameters() json.RawMessage  { return json.RawMessage(`{"type":"object"}`) }
func (s *stubTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	return s.fn(ctx, params)
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	out := r.Execute(context.Background(), "nope", nil)
	assert.Equal(t, "Error: unknown tool: nope", out)
}

func TestRegistryExecuteEncodesError(t *testing.T) {
	r := NewRegistry(&stubTool{name: "boom", fn: func(context.Context, map[string]any) (string, error) {
		return "", errors.New("disk on fire")
	}})
	out := r.Execute(context.Background(), "boom", nil)
	assert.Contains(t, out, "Error executing tool boom")
	assert.Contains(t, out, "disk on fire")
}

func TestRegistryExecuteRecoversPanic(t *testing.T) {
	r := NewRegistry(&stubTool{name: "panic", fn: func(context.Context, map[string]any) (string, error) {
		panic("nil map write")
	}})
	out := r.Execute(context.Background(), "panic", nil)
	assert.Contains(t, out, "panic")
	assert.Contains(t, out, "nil map write")
}

func TestRegistryDefinitionsFormat(t *testing.T) {
	r := NewRegistry(&stubTool{name: "a", fn: nil}, &stubTool{name: "b", fn: nil})
	defs := r.Definitions()
	require.Len(t, defs, 2)
	for _, d := range defs {
		assert.Equal(t, "function", d["type"])
		fn, ok := d["function"].(map[string]any)
		require.True(t, ok)
		assert.NotEmpty(t, fn["name"])
		assert.NotNil(t, fn["parameters"])
	}
	// sorted by name
	assert.Equal(t, "a", defs[0]["function"].(map[string]any)["name"])
	assert.Equal(t, "b", defs[1]["function"].(map[string]any)["name"])
}

// MCP connect registers tools into a registry that other agent turns are
// already reading, so Add must be safe against concurrent readers.
func TestRegistryConcurrentAddAndRead(t *testing.T) {
	r := NewRegistry(&stubTool{name: "seed", fn: func(context.Context, map[string]any) (string, error) {
		return "ok", nil
	}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Add(&stubTool{name: fmt.Sprintf("tool_%d_%d", i, j), fn: nil})
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Definitions()
				r.Names()
				r.Execute(context.Background(), "seed", nil)
				r.Get("seed")
			}
		}()
	}
	wg.Wait()

	assert.Len(t, r.Names(), 1+8*50)
}

func TestMessageToolNotesSameChatDelivery(t *testing.T) {
	b := bus.NewMessageBus()
	defer b.Stop()

	turn := &Turn{Channel: "telegram", ChatID: "42"}
	ctx := WithTurn(context.Background(), turn)

	mt := NewMessageTool(b)
	out, err := mt.Execute(ctx, map[string]any{"content": "hi there"})
	require.NoError(t, err)
	assert.Contains(t, out, "Message sent to telegram:42")
	assert.True(t, turn.SameChatMessageSent())

	msg, ok := b.ConsumeOutbound()
	require.True(t, ok)
	assert.Equal(t, "telegram", msg.Channel)
	assert.Equal(t, "42", msg.ChatID)
	assert.Equal(t, "hi there", msg.Content)
}

func TestMessageToolCrossChatDoesNotSuppress(t *testing.T) {
	b := bus.NewMessageBus()
	defer b.Stop()

	turn := &Turn{Channel: "telegram", ChatID: "42"}
	ctx := WithTurn(context.Background(), turn)

	mt := NewMessageTool(b)
	_, err := mt.Execute(ctx, map[string]any{
		"content": "heads up",
		"channel": "slack",
		"chat_id": "C99",
	})
	require.NoError(t, err)
	assert.False(t, turn.SameChatMessageSent(),
		"sending to another chat must not suppress the origin-chat reply")

	msg, ok := b.ConsumeOutbound()
	require.True(t, ok)
	assert.Equal(t, "slack", msg.Channel)
	assert.Equal(t, "C99", msg.ChatID)
}

func TestMessageToolSameChannelDifferentChat(t *testing.T) {
	b := bus.NewMessageBus()
	defer b.Stop()

	turn := &Turn{Channel: "telegram", ChatID: "42"}
	ctx := WithTurn(context.Background(), turn)

	mt := NewMessageTool(b)
	_, err := mt.Execute(ctx, map[string]any{"content": "fyi", "chat_id": "43"})
	require.NoError(t, err)
	assert.False(t, turn.SameChatMessageSent())
}

func TestMessageToolRequiresTarget(t *testing.T) {
	b := bus.NewMessageBus()
	defer b.Stop()

	mt := NewMessageTool(b)
	out, err := mt.Execute(context.Background(), map[string]any{"content": "orphan"})
	require.NoError(t, err)
	assert.Equal(t, "Error: No target channel/chat specified", out)
	assert.Equal(t, 0, b.OutboundSize())
}

func TestMessageToolForwardsMessageID(t *testing.T) {
	b := bus.NewMessageBus()
	defer b.Stop()

	turn := &Turn{Channel: "telegram", ChatID: "42", MessageID: "m-7"}
	ctx := WithTurn(context.Background(), turn)

	mt := NewMessageTool(b)
	_, err := mt.Execute(ctx, map[string]any{"content": "reply"})
	require.NoError(t, err)

	msg, ok := b.ConsumeOutbound()
	require.True(t, ok)
	assert.Equal(t, "m-7", msg.Metadata["message_id"])
}

type stubSpawner struct {
	task, label, channel, chatID string
	err                          error
}

func (s *stubSpawner) Spawn(_ context.Context, task, label, originChannel, originChatID string) (string, error) {
	s.task, s.label, s.channel, s.chatID = task, label, originChannel, originChatID
	if s.err != nil {
		return "", s.err
	}
	return "Subagent started", nil
}

func TestSpawnToolUsesTurnOrigin(t *testing.T) {
	sp := &stubSpawner{}
	st := NewSpawnTool(sp)

	ctx := WithTurn(context.Background(), &Turn{Channel: "slack", ChatID: "C1"})
	out, err := st.Execute(ctx, map[string]any{"task": "summarize inbox", "label": "inbox"})
	require.NoError(t, err)
	assert.Equal(t, "Subagent started", out)
	assert.Equal(t, "summarize inbox", sp.task)
	assert.Equal(t, "slack", sp.channel)
	assert.Equal(t, "C1", sp.chatID)
}

func TestSpawnToolDefaultsOriginToCLI(t *testing.T) {
	sp := &stubSpawner{}
	st := NewSpawnTool(sp)

	_, err := st.Execute(context.Background(), map[string]any{"task": "x"})
	require.NoError(t, err)
	assert.Equal(t, bus.ChannelCLI, sp.channel)
	assert.Equal(t, "direct", sp.chatID)
}

func TestSpawnToolEncodesSpawnerError(t *testing.T) {
	sp := &stubSpawner{err: errors.New("too many subagents")}
	st := NewSpawnTool(sp)

	out, err := st.Execute(context.Background(), map[string]any{"task": "x"})
	require.NoError(t, err)
	assert.Contains(t, out, "Error spawning subagent")
}

func TestEditFileReplacesFirstOccurrence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha\nbeta\ngamma\n"), 0o644))

	et := NewEditFileTool(dir, "")
	out, err := et.Execute(context.Background(), map[string]any{
		"path": "notes.txt", "old_text": "beta", "new_text": "delta",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Successfully edited")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "alpha\ndelta\ngamma\n", string(data))
}

func TestEditFileAmbiguousMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dup.txt")
	require.NoError(t, os.WriteFile(path, []byte("x\nx\n"), 0o644))

	et := NewEditFileTool(dir, "")
	out, err := et.Execute(context.Background(), map[string]any{
		"path": "dup.txt", "old_text": "x", "new_text": "y",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "appears 2 times")
}

func TestEditFileNotFoundSuggestsClosestMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "code.txt")
	require.NoError(t, os.WriteFile(path, []byte("func main() {\n\tprintln(\"hello\")\n}\n"), 0o644))

	et := NewEditFileTool(dir, "")
	out, err := et.Execute(context.Background(), map[string]any{
		"path": "code.txt", "old_text": "func main() {\n\tprintln(\"helo\")\n}", "new_text": "x",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "old_text not found")
	assert.Contains(t, out, "Best match")
}

func TestReadFileOutsideAllowedDir(t *testing.T) {
	dir := t.TempDir()
	rt := NewReadFileTool(dir, dir)
	out, err := rt.Execute(context.Background(), map[string]any{"path": "/etc/hostname"})
	require.NoError(t, err)
	assert.Contains(t, out, "outside allowed directory")
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	wt := NewWriteFileTool(dir, "")
	rt := NewReadFileTool(dir, "")

	out, err := wt.Execute(context.Background(), map[string]any{
		"path": "sub/město.txt", "content": "naučit se",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Successfully wrote")

	got, err := rt.Execute(context.Background(), map[string]any{"path": "sub/město.txt"})
	require.NoError(t, err)
	assert.Equal(t, "naučit se", got)
}

func TestListDirMarksFilesAndDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	lt := NewListDirTool(dir, "")
	out, err := lt.Execute(context.Background(), map[string]any{"path": "."})
	require.NoError(t, err)
	assert.Equal(t, "[D] docs\n[F] a.txt", out)
}

func TestDeleteFileRemovesSymlinkNotTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.txt")
	link := filepath.Join(dir, "link.txt")
	require.NoError(t, os.WriteFile(target, []byte("keep me"), 0o644))
	require.NoError(t, os.Symlink(target, link))

	dt := NewDeleteFileTool(dir, dir)
	out, err := dt.Execute(context.Background(), map[string]any{"path": "link.txt"})
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted")

	_, statErr := os.Lstat(link)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(target)
	assert.NoError(t, statErr, "symlink target must survive")
}

func TestDeleteFileRefusesDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	dt := NewDeleteFileTool(dir, dir)
	out, err := dt.Execute(context.Background(), map[string]any{"path": "sub"})
	require.NoError(t, err)
	assert.Contains(t, out, "Not a file")
}

func TestDeleteFileOutsideAllowedDir(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()
	victim := filepath.Join(other, "v.txt")
	require.NoError(t, os.WriteFile(victim, []byte("x"), 0o644))

	dt := NewDeleteFileTool(dir, dir)
	out, err := dt.Execute(context.Background(), map[string]any{"path": victim})
	require.NoError(t, err)
	assert.Contains(t, out, "outside allowed directory")
	_, statErr := os.Stat(victim)
	assert.NoError(t, statErr)
}
