// Package session manages per-conversation history stored as JSONL files.
//
// File format:
//
//	Line 1:  {"_type":"metadata","key":"…","created_at":"…","updated_at":"…",
//	           "metadata":{…},"last_consolidated":N}
//	Line 2+: one JSON message object per line
//
// Messages are append-only; consolidation only advances the cursor and
// writes to the memory files.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/silverotter/silverotter/internal/schema"
)

// Store loads and persists sessions as JSONL files.
//
// Lookup order: the workspace-scoped sessions directory first; if absent, the
// legacy home-directory location, migrating the legacy file into the
// workspace on first successful load. A failed migration degrades to
// "session not found" and leaves the legacy file untouched.
type Store struct {
	sessionsDir string // <workspace>/sessions/
	legacyDir   string // ~/.silverotter/sessions/ (overridable for tests)
	cache       sync.Map
}

// NewStore creates a Store rooted at the workspace directory.
// It creates the sessions subdirectory if necessary.
func NewStore(workspace string) (*Store, error) {
	dir := filepath.Join(workspace, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	legacy := ""
	if home, err := os.UserHomeDir(); err == nil {
		legacy = filepath.Join(home, ".silverotter", "sessions")
	}

	return &Store{sessionsDir: dir, legacyDir: legacy}, nil
}

// SetLegacyDir overrides the legacy lookup location. Used by tests.
func (st *Store) SetLegacyDir(dir string) { st.legacyDir = dir }

// GetOrCreate returns the cached session for key, loading from disk if
// needed, or creating an empty new one.
func (st *Store) GetOrCreate(key string) *Session {
	if v, ok := st.cache.Load(key); ok {
		return v.(*Session)
	}

	s := st.load(key)
	if s == nil {
		s = New(key)
	}

	actual, _ := st.cache.LoadOrStore(key, s)
	return actual.(*Session)
}

// Save writes the session to disk and updates the cache.
func (st *Store) Save(s *Session) error {
	path := st.sessionPath(s.Key)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	msgs, lastConsolidated := s.Snapshot()
	header := map[string]any{
		"_type":             "metadata",
		"key":               s.Key,
		"created_at":        s.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":        time.Now().UTC().Format(time.RFC3339),
		"metadata":          s.Metadata,
		"last_consolidated": lastConsolidated,
	}
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	for _, msg := range msgs.Messages {
		if err := enc.Encode(messageToWire(msg)); err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", path, err)
	}

	st.cache.Store(s.Key, s)
	return nil
}

// Invalidate removes a session from the in-memory cache (used after /new).
func (st *Store) Invalidate(key string) {
	st.cache.Delete(key)
}

// List returns metadata for all sessions, sorted newest-first.
// The key comes from the file header so keys containing "_" survive exactly;
// only headerless files fall back to filename reconstruction, which can only
// restore the first "_" to ":".
func (st *Store) List() []map[string]any {
	entries, _ := filepath.Glob(filepath.Join(st.sessionsDir, "*.jsonl"))
	var out []map[string]any

	for _, path := range entries {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		if scanner.Scan() {
			var data map[string]any
			if json.Unmarshal(scanner.Bytes(), &data) == nil && data["_type"] == "metadata" {
				key, _ := data["key"].(string)
				if key == "" {
					base := strings.TrimSuffix(filepath.Base(path), ".jsonl")
					key = strings.Replace(base, "_", ":", 1)
				}
				out = append(out, map[string]any{
					"key":        key,
					"created_at": data["created_at"],
					"updated_at": data["updated_at"],
					"path":       path,
				})
			}
		}
		f.Close()
	}

	sort.Slice(out, func(i, j int) bool {
		ai, _ := out[i]["updated_at"].(string)
		aj, _ := out[j]["updated_at"].(string)
		return ai > aj // RFC3339 sorts lexicographically
	})

	return out
}

// ---------------------------------------------------------------------------
// Wire format helpers

// wireMessage is the on-disk JSON representation of a message.
type wireMessage struct {
	Role             string           `json:"role"`
	Content          any              `json:"content"`
	ToolCalls        []map[string]any `json:"tool_calls,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
	Name             string           `json:"name,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolsUsed        []string         `json:"tools_used,omitempty"`
	Timestamp        string           `json:"timestamp"`
}

func messageToWire(msg schema.Message) wireMessage {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	w := wireMessage{
		Role:      msg.Role,
		Timestamp: ts.UTC().Format(time.RFC3339),
		ToolsUsed: msg.ToolsUsed,
	}

	switch v := msg.Content.(type) {
	case string:
		w.Content = v
	case *string:
		if v != nil {
			w.Content = *v
		}
	default:
		w.Content = msg.Content
	}

	if msg.ReasoningContent != nil {
		w.ReasoningContent = *msg.ReasoningContent
	}
	for _, tc := range msg.ToolCalls {
		w.ToolCalls = append(w.ToolCalls, tc.ToWireMap())
	}
	w.ToolCallID = msg.ToolCallID
	w.Name = msg.ToolName

	return w
}

func wireToMessage(data map[string]any) schema.Message {
	role, _ := data["role"].(string)
	content := data["content"]
	if content == nil {
		content = ""
	}

	msg := schema.Message{Role: role, Content: content}

	if tcs, ok := data["tool_calls"].([]any); ok {
		for _, tc := range tcs {
			tcm, ok := tc.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := tcm["function"].(map[string]any)
			id, _ := tcm["id"].(string)
			name, _ := fn["name"].(string)
			argsStr, _ := fn["arguments"].(string)
			var args map[string]any
			_ = json.Unmarshal([]byte(argsStr), &args)
			msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{ID: id, Name: name, Arguments: args})
		}
	}

	if id, ok := data["tool_call_id"].(string); ok {
		msg.ToolCallID = id
	}
	if name, ok := data["name"].(string); ok {
		msg.ToolName = name
	}
	if rc, ok := data["reasoning_content"].(string); ok && rc != "" {
		msg.ReasoningContent = &rc
	}
	if tu, ok := data["tools_used"].([]any); ok {
		for _, t := range tu {
			if s, ok := t.(string); ok {
				msg.ToolsUsed = append(msg.ToolsUsed, s)
			}
		}
	}
	if ts, ok := data["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			msg.Timestamp = t
		}
	}

	return msg
}

// ---------------------------------------------------------------------------
// Paths and loading

// sessionPath converts a session key to its JSONL file path:
// safeFilename(key with ":" replaced by "_") + ".jsonl".
func (st *Store) sessionPath(key string) string {
	return filepath.Join(st.sessionsDir, keyToFilename(key))
}

func (st *Store) legacyPath(key string) string {
	if st.legacyDir == "" {
		return ""
	}
	return filepath.Join(st.legacyDir, keyToFilename(key))
}

func keyToFilename(key string) string {
	return safeFilename(strings.ReplaceAll(key, ":", "_")) + ".jsonl"
}

// safeFilename replaces filesystem-unsafe characters with underscores.
func safeFilename(name string) string {
	const unsafe = `<>:"/\|?*`
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(unsafe, r) {
			b.WriteByte('_')
		} else {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// load reads a session from disk, migrating from the legacy path if needed.
// Returns nil when the session does not exist or cannot be read.
func (st *Store) load(key string) *Session {
	path := st.sessionPath(key)

	if _, err := os.Stat(path); err != nil {
		if !st.migrateLegacy(key, path) {
			return nil
		}
	}

	return st.read(key, path)
}

// migrateLegacy moves the legacy session file for key into the workspace
// location. Returns false when there is nothing to migrate or the move
// failed; a failed move leaves the legacy file in place.
func (st *Store) migrateLegacy(key, dst string) bool {
	src := st.legacyPath(key)
	if src == "" {
		return false
	}
	if _, err := os.Stat(src); err != nil {
		return false
	}

	if err := os.Rename(src, dst); err != nil {
		// Cross-device moves and permission errors end up here. The legacy
		// file stays intact; the caller sees "session not found".
		slog.Warn("legacy session migration failed", "key", key, "err", err)
		return false
	}
	slog.Info("migrated legacy session", "key", key)
	return true
}

func (st *Store) read(key, path string) *Session {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var (
		messages         = schema.NewMessages()
		meta             = map[string]any{}
		createdAt        time.Time
		lastConsolidated int
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20) // 1 MB per line
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var data map[string]any
		if err := json.Unmarshal(line, &data); err != nil {
			slog.Warn("skipping malformed session line", "key", key, "err", err)
			continue
		}

		if data["_type"] == "metadata" {
			if m2, ok := data["metadata"].(map[string]any); ok {
				meta = m2
			}
			if ts, ok := data["created_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339, ts); err == nil {
					createdAt = t
				}
			}
			if lc, ok := data["last_consolidated"].(float64); ok {
				lastConsolidated = int(lc)
			}
		} else {
			messages.Add(wireToMessage(data))
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Warn("error reading session file", "key", key, "err", err)
		return nil
	}

	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return newLoaded(key, messages, createdAt, meta, lastConsolidated)
}
