package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCronService struct {
	jobs    []CronJobSummary
	added   map[string]any
	removed string
}

func (s *stubCronService) AddJob(name, message, kind string, everyMs int64, cronExpr, tz string,
	atMs int64, deliver bool, channel, chatID string, deleteAfterRun bool) (string, error) {
	s.added = map[string]any{
		"name": name, "message": message, "kind": kind, "everyMs": everyMs,
		"cronExpr": cronExpr, "channel": channel, "chatID": chatID,
		"deleteAfterRun": deleteAfterRun,
	}
	return "job-1", nil
}

func (s *stubCronService) ListJobs() []CronJobSummary { return s.jobs }

func (s *stubCronService) RemoveJob(id string) bool {
	s.removed = id
	return id == "job-1"
}

func TestCronToolAddRecurringJob(t *testing.T) {
	svc := &stubCronService{}
	ct := NewCronTool(svc)
	ctx := WithTurn(context.Background(), &Turn{Channel: "telegram", ChatID: "42"})

	out, err := ct.Execute(ctx, map[string]any{
		"action": "add", "message": "stand up", "every_seconds": float64(3600),
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Created job 'stand up'")
	assert.Equal(t, "every", svc.added["kind"])
	assert.Equal(t, int64(3600000), svc.added["everyMs"])
	assert.Equal(t, "telegram", svc.added["channel"])
	assert.Equal(t, "42", svc.added["chatID"])
}

func TestCronToolAddOneShotDeletesAfterRun(t *testing.T) {
	svc := &stubCronService{}
	ct := NewCronTool(svc)
	ctx := WithTurn(context.Background(), &Turn{Channel: "cli", ChatID: "direct"})

	out, err := ct.Execute(ctx, map[string]any{
		"action": "add", "message": "dentist", "at": "2026-09-01T10:30:00",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Created job")
	assert.Equal(t, "at", svc.added["kind"])
	assert.Equal(t, true, svc.added["deleteAfterRun"])
}

func TestCronToolAddRequiresSessionContext(t *testing.T) {
	ct := NewCronTool(&stubCronService{})
	out, err := ct.Execute(context.Background(), map[string]any{
		"action": "add", "message": "x", "every_seconds": float64(5),
	})
	require.NoError(t, err)
	assert.Contains(t, out, "no session context")
}

func TestCronToolListAndRemove(t *testing.T) {
	svc := &stubCronService{jobs: []CronJobSummary{{ID: "job-1", Name: "stand up", Kind: "every"}}}
	ct := NewCronTool(svc)

	out, err := ct.Execute(context.Background(), map[string]any{"action": "list"})
	require.NoError(t, err)
	assert.Contains(t, out, "stand up (id: job-1, every)")

	out, err = ct.Execute(context.Background(), map[string]any{"action": "remove", "job_id": "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "Removed job job-1", out)

	out, err = ct.Execute(context.Background(), map[string]any{"action": "remove", "job_id": "nope"})
	require.NoError(t, err)
	assert.Contains(t, out, "not found")
}
