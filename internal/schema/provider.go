package schema

import "context"

// FinishError is the FinishReason value providers use to report a failed
// call. Provider-side failures are surfaced this way rather than as Go
// errors so the agent loop can treat them uniformly as terminal content.
const FinishError = "error"

// ChatOptions configures a single LLM chat request.
type ChatOptions struct {
	Model          string
	MaxTokens      int
	Temperature    float64
	PromptCacheKey string // provider hint for prompt caching; may be empty
}

func NewChatOptions(model string, maxTokens int, temperature float64) ChatOptions {
	return ChatOptions{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
}

// ToolCallRequest is one tool invocation requested by the model.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// LLMResponse is the normalised response from any LLM provider.
type LLMResponse struct {
	Content          *string // nil when the response contains only tool calls
	ToolCalls        []ToolCallRequest
	FinishReason     string // "stop", "tool_calls", "length", "error", …
	Usage            map[string]int
	ReasoningContent *string // DeepSeek-R1 / Kimi thinking block
}

// HasToolCalls reports whether the response contains at least one tool call.
func (r LLMResponse) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Text returns the response content, or "" when nil.
func (r LLMResponse) Text() string {
	if r.Content == nil {
		return ""
	}
	return *r.Content
}

// IsError reports whether the provider failed and encoded the failure in
// FinishReason instead of returning a Go error.
func (r LLMResponse) IsError() bool { return r.FinishReason == FinishError }

// LLMProvider is the interface every LLM backend must satisfy.
//
// API and transport failures are returned as a response with
// FinishReason == FinishError and the error text in Content; the Go error
// return is reserved for context cancellation and programming mistakes.
type LLMProvider interface {
	Chat(ctx context.Context, messages Messages, tools []map[string]any, opts ChatOptions) (LLMResponse, error)
	DefaultModel() string
}

// ErrorResponse builds the canonical failed-call response.
func ErrorResponse(msg string) LLMResponse {
	return LLMResponse{Content: &msg, FinishReason: FinishError}
}
