package dependency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silverotter/silverotter/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Agents.Defaults.Workspace = t.TempDir()
	cfg.Agents.Defaults.Model = "gpt-4o"
	cfg.Providers.OpenAI.APIKey = "sk-test"
	return &cfg
}

func TestNewBuildsContainer(t *testing.T) {
	c, err := New(testConfig(t))
	require.NoError(t, err)

	assert.NotNil(t, c.Provider())
	assert.NotNil(t, c.MessageBus())
	assert.NotNil(t, c.AgentLoop())
	assert.NotNil(t, c.CronService())
	assert.NotNil(t, c.Heartbeat())
}

func TestNewFailsWithoutAPIKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agents.Defaults.Workspace = t.TempDir()
	cfg.Agents.Defaults.Model = "gpt-4o"

	_, err := New(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API key configured")
}
