package schema

// SkillInfo describes one discovered skill.
type SkillInfo struct {
	Name   string
	Path   string // path to SKILL.md
	Source string // "workspace" | "builtin"
}
