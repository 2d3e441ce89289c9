// Package heartbeat runs the agent against HEARTBEAT.md on a fixed
// interval so long-lived tasks get checked without user input.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// OKToken is what the agent replies when the heartbeat needed no action.
const OKToken = "HEARTBEAT_OK"

// Prompt is the synthetic turn sent when HEARTBEAT.md has active tasks.
const Prompt = "Read HEARTBEAT.md in your workspace and follow any instructions " +
	"or pending tasks there. If nothing needs attention right now, reply with " +
	OKToken + " and do nothing else."

// OnHeartbeatFunc runs the agent with the heartbeat prompt and returns its
// response text.
type OnHeartbeatFunc func(ctx context.Context, prompt string) (string, error)

// Service periodically checks HEARTBEAT.md in the workspace.
type Service struct {
	workspace   string
	onHeartbeat OnHeartbeatFunc
	interval    time.Duration
}

// NewService creates a heartbeat Service. interval defaults to 30 minutes
// when zero.
func NewService(workspace string, onHeartbeat OnHeartbeatFunc, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Service{
		workspace:   workspace,
		onHeartbeat: onHeartbeat,
		interval:    interval,
	}
}

// Start runs the heartbeat loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("heartbeat: started", "interval", s.interval)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			slog.Info("heartbeat: stopped")
			return ctx.Err()
		}
	}
}

// TriggerNow runs one heartbeat immediately regardless of file content.
func (s *Service) TriggerNow(ctx context.Context) (string, error) {
	if s.onHeartbeat == nil {
		return "", nil
	}
	return s.onHeartbeat(ctx, Prompt)
}

func (s *Service) tick(ctx context.Context) {
	path := filepath.Join(s.workspace, "HEARTBEAT.md")
	data, err := os.ReadFile(path)
	if err != nil {
		// No heartbeat file is the normal idle state.
		return
	}
	if isHeartbeatEmpty(string(data)) {
		return
	}

	slog.Info("heartbeat: active tasks found, running agent")
	if s.onHeartbeat == nil {
		return
	}
	resp, err := s.onHeartbeat(ctx, Prompt)
	if err != nil {
		slog.Error("heartbeat: agent error", "err", err)
		return
	}
	if strings.Contains(resp, OKToken) {
		slog.Debug("heartbeat: nothing to do")
	}
}

var (
	htmlCommentRe  = regexp.MustCompile(`(?s)<!--.*?-->`)
	bareCheckboxRe = regexp.MustCompile(`^[-*]\s*\[[ xX]?\]\s*$`)
)

// isHeartbeatEmpty reports whether HEARTBEAT.md contains no actionable
// content: only headings, HTML comments, blank lines and bare checkboxes.
// A checkbox with text after it counts as actionable.
func isHeartbeatEmpty(content string) bool {
	stripped := htmlCommentRe.ReplaceAllString(content, "")
	for _, line := range strings.Split(stripped, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		if bareCheckboxRe.MatchString(trimmed) {
			continue
		}
		return false
	}
	return true
}
