// Package llmutils holds small helpers for massaging LLM input and output.
package llmutils

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/silverotter/silverotter/internal/schema"
)

var reThink = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Truncate shortens a string to at most n characters, adding "..." if it was truncated.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// StripThink removes <think>…</think> blocks that some models embed.
func StripThink(s string) string {
	return strings.TrimSpace(reThink.ReplaceAllString(s, ""))
}

// StringOrDefault returns s if it's not empty, or def otherwise.
func StringOrDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ToolHint renders pending tool calls as a compact progress string,
// e.g. `read_file("/a"), write_file("/b")`. Each call contributes
// name("first-string-argument"); calls without a string argument contribute
// just the name. Keys are scanned in sorted order so the hint is stable.
func ToolHint(tcs []schema.ToolCallRequest) string {
	parts := make([]string, 0, len(tcs))
	for _, tc := range tcs {
		arg := firstStringArg(tc.Arguments)
		if arg == "" {
			parts = append(parts, tc.Name)
			continue
		}
		if len(arg) > 40 {
			arg = arg[:40] + "…"
		}
		parts = append(parts, fmt.Sprintf("%s(%q)", tc.Name, arg))
	}
	return strings.Join(parts, ", ")
}

func firstStringArg(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := args[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
