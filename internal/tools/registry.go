package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/silverotter/silverotter/internal/schema"
)

// Registry holds a named set of tools and exposes them for LLM calls and
// runtime extension (e.g. MCP servers). A registry is shared across
// concurrent agent turns: MCP connect can Add tools while another turn
// reads Definitions, so all map access goes through mu.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]schema.Tool
}

func NewRegistry(ts ...schema.Tool) *Registry {
	r := &Registry{tools: make(map[string]schema.Tool, len(ts))}
	for _, t := range ts {
		r.tools[t.Name()] = t
	}
	return r
}

// Get returns the tool with the given name, or nil if not found.
func (r *Registry) Get(name string) schema.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Add registers a new tool, replacing any existing tool with the same name.
func (r *Registry) Add(t schema.Tool) schema.Tool {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()

	return t
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns all tool definitions in OpenAI function-calling format.
func (r *Registry) Definitions() []map[string]any {
	r.mu.RLock()
	snapshot := make([]schema.Tool, 0, len(r.tools))
	for _, name := range r.namesLocked() {
		snapshot = append(snapshot, r.tools[name])
	}
	r.mu.RUnlock()

	list := make([]map[string]any, 0, len(snapshot))
	for _, t := range snapshot {
		var params any
		if err := json.Unmarshal(t.Parameters(), &params); err != nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		list = append(list, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name(),
				"description": t.Description(),
				"parameters":  params,
			},
		})
	}
	return list
}

// Execute runs the named tool and always returns a result string: missing
// tools, execution errors, and panics are all encoded into the result so the
// agent loop can feed them back to the model instead of aborting the turn.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (result string) {
	// The lock covers only the lookup; tools may block for a long time.
	r.mu.RLock()
	t := r.tools[name]
	r.mu.RUnlock()
	if t == nil {
		return fmt.Sprintf("Error: unknown tool: %s", name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = fmt.Sprintf("Error executing tool %s: panic: %v", name, rec)
		}
	}()

	out, err := t.Execute(ctx, params)
	if err != nil {
		return fmt.Sprintf("Error executing tool %s: %v", name, err)
	}
	return out
}
