// Package skilltool adds named, persisted, user-definable capabilities on
// top of the Tool Registry. A skill is a directory holding a SKILL.md file
// (YAML frontmatter + Markdown instructions, plus optional support files);
// loading one exposes it as a regular tool whose invocation activates the
// skill's instructions in the model's context. Three management tools
// (skill_create, skill_invoke, skill_list) let the model define and use
// skills through the same JSON call format as everything else.
package skilltool

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillFileName is the manifest each skill directory must contain.
const SkillFileName = "SKILL.md"

// Skill is one loaded capability.
type Skill struct {
	// Name is the tool-facing name, always prefixed skill_ with hyphens
	// folded to underscores.
	Name        string
	Description string

	// Content is the Markdown instruction body below the frontmatter.
	Content string

	// DisableAutoInvoke keeps the skill out of the Tool Registry; it stays
	// reachable through skill_invoke only.
	DisableAutoInvoke bool

	// AllowedTools optionally restricts which tools the skill's
	// instructions may lean on. Advisory: it is surfaced to the model, not
	// enforced mechanically.
	AllowedTools []string

	// Path is the skill's directory on disk.
	Path string
}

type frontmatter struct {
	Name              string   `yaml:"name"`
	Description       string   `yaml:"description"`
	DisableAutoInvoke bool     `yaml:"disable_auto_invoke"`
	AllowedTools      []string `yaml:"allowed_tools"`
}

// ParseSkill parses a SKILL.md document: a --- delimited YAML frontmatter
// block followed by the Markdown instruction body. path is the skill's
// directory, used as the name fallback when the frontmatter omits one.
func ParseSkill(content, path string) (Skill, error) {
	if !strings.HasPrefix(content, "---") {
		return Skill{}, fmt.Errorf("skill %s: missing frontmatter", path)
	}

	parts := strings.SplitN(content, "---", 3)
	if len(parts) < 3 {
		return Skill{}, fmt.Errorf("skill %s: unterminated frontmatter", path)
	}

	var meta frontmatter
	if err := yaml.Unmarshal([]byte(parts[1]), &meta); err != nil {
		return Skill{}, fmt.Errorf("skill %s: invalid frontmatter: %w", path, err)
	}

	name := meta.Name
	if name == "" {
		name = baseName(path)
	}
	if name == "" {
		return Skill{}, fmt.Errorf("skill %s: missing name", path)
	}

	return Skill{
		Name:              ToolName(name),
		Description:       meta.Description,
		Content:           strings.TrimSpace(parts[2]),
		DisableAutoInvoke: meta.DisableAutoInvoke,
		AllowedTools:      meta.AllowedTools,
		Path:              path,
	}, nil
}

// ToolName normalizes a skill name to its tool-facing form:
// skill_<name> with hyphens folded to underscores.
func ToolName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "-", "_")
	if strings.HasPrefix(name, "skill_") {
		return name
	}
	return "skill_" + name
}

func baseName(path string) string {
	path = strings.TrimRight(path, "/\\")
	if idx := strings.LastIndexAny(path, "/\\"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// Render produces the SKILL.md document for a skill, the inverse of
// ParseSkill. The frontmatter name keeps the user-facing spelling the
// caller supplied.
func Render(name, description string, disableAutoInvoke bool, allowedTools []string, content string) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "name: %s\n", name)
	fmt.Fprintf(&b, "description: %s\n", description)
	fmt.Fprintf(&b, "disable_auto_invoke: %t\n", disableAutoInvoke)
	if len(allowedTools) > 0 {
		b.WriteString("allowed_tools:\n")
		for _, t := range allowedTools {
			fmt.Fprintf(&b, "  - %s\n", t)
		}
	}
	b.WriteString("---\n\n")
	b.WriteString(content)
	b.WriteString("\n")
	return b.String()
}
