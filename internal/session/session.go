package session

import (
	"sync"
	"time"

	"github.com/silverotter/silverotter/internal/schema"
)

// Session holds one conversation's messages and metadata.
//
// Messages are append-only: once added they are never mutated.
// lastConsolidated is the count of messages already compressed into
// long-term memory; the invariant 0 <= lastConsolidated <= len(messages)
// holds at all times.
type Session struct {
	Key       string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]any

	mu               sync.Mutex
	messages         schema.Messages
	lastConsolidated int
}

// New creates an empty session for key.
func New(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{},
		messages:  schema.NewMessages(),
	}
}

// newLoaded constructs a Session with all fields set. Used by the store
// when loading from disk.
func newLoaded(key string, messages schema.Messages, createdAt time.Time, meta map[string]any, lastConsolidated int) *Session {
	if lastConsolidated < 0 {
		lastConsolidated = 0
	}
	if lastConsolidated > len(messages.Messages) {
		lastConsolidated = len(messages.Messages)
	}
	return &Session{
		Key:              key,
		CreatedAt:        createdAt,
		UpdatedAt:        time.Now(),
		Metadata:         meta,
		messages:         messages,
		lastConsolidated: lastConsolidated,
	}
}

// NewArchived creates a temporary session with pre-populated messages and no
// consolidation history. Used for the /new archive-all consolidation of the
// old snapshot.
func NewArchived(key string, messages schema.Messages) *Session {
	s := New(key)
	s.messages = messages.Clone()
	return s
}

// AddUser appends a user message.
func (s *Session) AddUser(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages.AddUser(content)
	s.UpdatedAt = time.Now()
}

// AddAssistant appends an assistant message together with the names of the
// tools used during the turn.
func (s *Session) AddAssistant(content string, toolsUsed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := content
	s.messages.Add(schema.Message{
		Role:      "assistant",
		Content:   &c,
		ToolsUsed: toolsUsed,
		Timestamp: time.Now(),
	})
	s.UpdatedAt = time.Now()
}

// History returns up to maxMessages of the most recent messages for the LLM.
// maxMessages <= 0 returns everything.
func (s *Session) History(maxMessages int) schema.Messages {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages.Messages
	if maxMessages > 0 && len(msgs) > maxMessages {
		msgs = msgs[len(msgs)-maxMessages:]
	}
	out := make([]schema.Message, len(msgs))
	copy(out, msgs)
	return schema.Messages{Messages: out}
}

// Snapshot returns a copy of the full message list and the current
// consolidation cursor, taken atomically.
func (s *Session) Snapshot() (schema.Messages, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.Clone(), s.lastConsolidated
}

// Len returns the number of messages in the session.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages.Messages)
}

// LastConsolidated returns the consolidation cursor.
func (s *Session) LastConsolidated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConsolidated
}

// SetLastConsolidated advances the consolidation cursor, clamped to the
// session invariant.
func (s *Session) SetLastConsolidated(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n > len(s.messages.Messages) {
		n = len(s.messages.Messages)
	}
	s.lastConsolidated = n
	s.UpdatedAt = time.Now()
}

// Clear resets messages and the consolidation cursor.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = schema.NewMessages()
	s.lastConsolidated = 0
	s.UpdatedAt = time.Now()
}
