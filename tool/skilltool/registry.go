package skilltool

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kadirpekel/loopcore/permission"
	"github.com/kadirpekel/loopcore/registry"
	"github.com/kadirpekel/loopcore/tool"
)

// Registry holds the loaded skills and knows which directories to scan:
// typically one global and one project-local, later entries overriding
// earlier ones by name.
type Registry struct {
	base *registry.BaseRegistry[Skill]
	dirs []string
}

// NewRegistry creates a Registry scanning dirs in order.
func NewRegistry(dirs ...string) *Registry {
	return &Registry{
		base: registry.NewBaseRegistry[Skill](),
		dirs: dirs,
	}
}

// Load scans every configured directory for <name>/SKILL.md entries and
// registers what parses. A malformed skill is logged and skipped, never
// fatal; a missing directory is silently ignored.
func (r *Registry) Load() {
	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			skillDir := filepath.Join(dir, entry.Name())
			raw, err := os.ReadFile(filepath.Join(skillDir, SkillFileName))
			if err != nil {
				continue
			}
			skill, err := ParseSkill(string(raw), skillDir)
			if err != nil {
				slog.Warn("skilltool: skipping unparseable skill", "dir", skillDir, "error", err)
				continue
			}
			_ = r.base.Register(skill.Name, skill)
		}
	}
}

// Get looks a skill up by name, tolerating the skill_ prefix being absent
// and hyphen/underscore spelling differences.
func (r *Registry) Get(name string) (Skill, bool) {
	if skill, ok := r.base.Get(name); ok {
		return skill, ok
	}
	return r.base.Get(ToolName(strings.ToLower(strings.TrimSpace(name))))
}

// List returns every loaded skill, sorted by name.
func (r *Registry) List() []Skill {
	skills := r.base.List()
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills
}

// RegisterAsTools exposes every loaded skill (except those marked
// disable_auto_invoke) as a regular registrant in tools, dispatched
// through the same name -> capability table as everything else.
func (r *Registry) RegisterAsTools(tools *tool.Registry) error {
	for _, skill := range r.List() {
		if skill.DisableAutoInvoke {
			continue
		}
		if err := tools.Register(&SkillTool{skill: skill}); err != nil {
			return err
		}
	}
	return nil
}

// Reload re-scans the directories and re-registers the result, for use
// after skill_create writes a new skill to disk.
func (r *Registry) Reload(tools *tool.Registry) error {
	r.Load()
	return r.RegisterAsTools(tools)
}

// SkillTool adapts a Skill to the Tool interface. Invoking it activates
// the skill: its instruction body is returned for injection into the
// model's context.
type SkillTool struct {
	skill Skill
}

func (t *SkillTool) Name() string                 { return t.skill.Name }
func (t *SkillTool) Description() string          { return t.skill.Description }
func (t *SkillTool) Permission() permission.Class { return permission.ReadOnly }

func (t *SkillTool) Schema() map[string]any {
	return map[string]any{
		"type":        "object",
		"properties":  map[string]any{},
		"description": "This skill takes no parameters. Invoking it activates the skill's instructions.",
	}
}

func (t *SkillTool) Execute(_ context.Context, _ map[string]any) (tool.Result, error) {
	return tool.Result{
		Success: true,
		Data: map[string]any{
			"skill_name":    t.skill.Name,
			"content":       t.skill.Content,
			"allowed_tools": t.skill.AllowedTools,
		},
		Message: "Skill '" + t.skill.Name + "' active. Instructions:\n" + t.skill.Content,
	}, nil
}
