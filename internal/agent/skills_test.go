package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSkill(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, "skills", name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0o644))
}

func TestSkillsLoaderListsWorkspaceOverBuiltin(t *testing.T) {
	workspace := t.TempDir()
	builtin := t.TempDir()
	writeSkill(t, workspace, "notes", "workspace version")
	require.NoError(t, os.MkdirAll(filepath.Join(builtin, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(builtin, "notes", "SKILL.md"), []byte("builtin version"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(builtin, "weather"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(builtin, "weather", "SKILL.md"), []byte("forecasts"), 0o644))

	sl := NewSkillsLoader(workspace, builtin)
	skills := sl.ListSkills(false)
	require.Len(t, skills, 2)
	assert.Equal(t, "notes", skills[0].Name)
	assert.Equal(t, "workspace", skills[0].Source)
	assert.Equal(t, "weather", skills[1].Name)
	assert.Equal(t, "builtin", skills[1].Source)

	assert.Equal(t, "workspace version", sl.LoadSkill("notes"))
}

func TestSkillsLoaderResolveStripsFrontmatter(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, workspace, "greet", "---\ndescription: greeting skill\n---\n\nSay hello nicely.")

	sl := NewSkillsLoader(workspace, "")
	body, ok := sl.Resolve("greet")
	require.True(t, ok)
	assert.Equal(t, "Say hello nicely.", body)

	_, ok = sl.Resolve("missing")
	assert.False(t, ok)
}

func TestSkillsLoaderAlwaysSkills(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, workspace, "core", "---\ndescription: core rules\nalways: true\n---\n\nAlways apply these rules.")
	writeSkill(t, workspace, "optional", "---\ndescription: optional\n---\n\nOn demand.")

	sl := NewSkillsLoader(workspace, "")
	assert.Equal(t, []string{"core"}, sl.GetAlwaysSkills())

	ctxContent := sl.LoadSkillsForContext([]string{"core"})
	assert.Contains(t, ctxContent, "### Skill: core")
	assert.Contains(t, ctxContent, "Always apply these rules.")
	assert.NotContains(t, ctxContent, "always: true")
}

func TestSkillsLoaderRequirementsFilter(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, workspace, "needsbin",
		"---\ndescription: needs a binary\nmetadata: '{\"silverotter\": {\"requires\": {\"bins\": [\"definitely-not-a-real-binary-9x\"]}}}'\n---\n\nbody")
	writeSkill(t, workspace, "plain", "---\ndescription: plain\n---\n\nbody")

	sl := NewSkillsLoader(workspace, "")
	available := sl.ListSkills(true)
	require.Len(t, available, 1)
	assert.Equal(t, "plain", available[0].Name)

	summary := sl.BuildSkillsSummary()
	assert.Contains(t, summary, `<skill available="false">`)
	assert.Contains(t, summary, "CLI: definitely-not-a-real-binary-9x")
}
