package schema

import (
	"context"
	"encoding/json"
)

// Tool is the interface all LLM-callable tools must satisfy.
// Built-in tools and MCP-wrapped tools both implement it.
//
// Execute never reports tool-level failures through the error return:
// failures are encoded in the result string so they can be fed back to the
// model. The error return is reserved for context cancellation.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema (as raw JSON bytes) for this tool's parameters.
	Parameters() json.RawMessage
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// ToolRegistrar is the subset of the tool registry used by the MCP manager
// to add discovered tools at runtime.
type ToolRegistrar interface {
	Add(t Tool) Tool
}
