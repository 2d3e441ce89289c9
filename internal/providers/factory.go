package providers

import "github.com/silverotter/silverotter/internal/schema"

// Params are the raw values needed to construct a schema.LLMProvider.
// The caller extracts them from config.Config to avoid an import cycle.
type Params struct {
	APIKey       string
	APIBase      string
	ExtraHeaders map[string]string
	DefaultModel string
	ProviderName string // registry name, e.g. "openrouter", "anthropic"
}

// New creates the schema.LLMProvider for the given params. Every registry
// entry is served by the OpenAI-compatible provider; Anthropic's native
// Messages API is detected and handled inside it.
func New(p Params) schema.LLMProvider {
	return NewOpenAIProvider(p.APIKey, p.APIBase, p.DefaultModel, p.ProviderName, p.ExtraHeaders)
}
