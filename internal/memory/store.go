// Package memory holds the agent's two-tier persistent memory: long-term
// facts in MEMORY.md (whole-file overwrite) and an append-only, grep-friendly
// HISTORY.md log, plus the LLM-driven consolidation that feeds them.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store reads and writes the memory files under <workspace>/memory/.
type Store struct {
	memoryFile  string
	historyFile string
}

// NewStore creates a Store rooted at workspace.
// The memory/ subdirectory is created if it does not exist.
func NewStore(workspace string) (*Store, error) {
	dir := filepath.Join(workspace, "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}

	return &Store{
		memoryFile:  filepath.Join(dir, "MEMORY.md"),
		historyFile: filepath.Join(dir, "HISTORY.md"),
	}, nil
}

// ReadLongTerm returns the current contents of MEMORY.md, or "" if not yet written.
func (m *Store) ReadLongTerm() string {
	data, err := os.ReadFile(m.memoryFile)
	if err != nil {
		return ""
	}
	return string(data)
}

// WriteLongTerm overwrites MEMORY.md with content.
func (m *Store) WriteLongTerm(content string) error {
	return os.WriteFile(m.memoryFile, []byte(content), 0o644)
}

// AppendHistory appends an entry to HISTORY.md followed by a blank line.
// Entries are never rewritten; the file only grows.
func (m *Store) AppendHistory(entry string) error {
	f, err := os.OpenFile(m.historyFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s\n\n", strings.TrimRight(entry, " \r\n"))
	return err
}

// Context returns the long-term memory formatted for injection into the
// system prompt, or "" if MEMORY.md is empty.
func (m *Store) Context() string {
	lt := m.ReadLongTerm()
	if lt == "" {
		return ""
	}
	return "## Long-term Memory\n" + lt
}
