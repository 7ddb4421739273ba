package skilltool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kadirpekel/loopcore/permission"
	"github.com/kadirpekel/loopcore/tool"
)

var skillNamePattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// Create is the skill_create management tool: it writes a SKILL.md (plus
// optional support files) into the registry's project directory and
// reloads, so the new skill is callable on the next iteration.
type Create struct {
	skills *Registry
	tools  *tool.Registry

	// Dir is where new skills are written.
	Dir string
}

// NewCreate builds the skill_create tool writing into dir.
func NewCreate(skills *Registry, tools *tool.Registry, dir string) *Create {
	return &Create{skills: skills, tools: tools, Dir: dir}
}

func (t *Create) Name() string { return "skill_create" }
func (t *Create) Description() string {
	return "Create a new reusable skill: a SKILL.md with instructions plus optional support files"
}
func (t *Create) Permission() permission.Class { return permission.WriteFile }

// MaxRetries marks creation as non-retryable: a partial write followed by
// a retry would clobber files.
func (t *Create) MaxRetries() int { return 0 }

func (t *Create) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":        map[string]any{"type": "string", "description": "skill name, alphanumeric and hyphens only"},
			"description": map[string]any{"type": "string", "description": "short description of what the skill does"},
			"content":     map[string]any{"type": "string", "description": "Markdown instructions with actionable steps; if support files are provided, explain how to run them"},
			"files": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
				"description":          "optional map of filename to content for support scripts",
			},
			"disable_auto_invoke": map[string]any{"type": "boolean", "description": "keep the skill out of the tool list; reachable via skill_invoke only"},
			"allowed_tools": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "tool names this skill's instructions rely on (optional)",
			},
		},
		"required": []any{"name", "description", "content"},
	}
}

func (t *Create) Execute(_ context.Context, params map[string]any) (tool.Result, error) {
	name, _ := params["name"].(string)
	description, _ := params["description"].(string)
	content, _ := params["content"].(string)
	if name == "" || description == "" || content == "" {
		return tool.Result{}, tool.NewError(tool.InvalidParameters, t.Name(), "name, description and content are required", nil)
	}
	if !skillNamePattern.MatchString(name) {
		return tool.Result{}, tool.NewError(tool.InvalidParameters, t.Name(), "skill name must be alphanumeric with hyphens only", nil)
	}

	disableAutoInvoke, _ := params["disable_auto_invoke"].(bool)
	var allowedTools []string
	if raw, ok := params["allowed_tools"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				allowedTools = append(allowedTools, s)
			}
		}
	}

	skillDir := filepath.Join(t.Dir, name)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		return tool.Result{}, tool.NewError(tool.ExecutionFailed, t.Name(), "create skill directory", err)
	}

	manifest := filepath.Join(skillDir, SkillFileName)
	doc := Render(name, description, disableAutoInvoke, allowedTools, content)
	if err := os.WriteFile(manifest, []byte(doc), 0o644); err != nil {
		return tool.Result{}, tool.NewError(tool.ExecutionFailed, t.Name(), "write "+SkillFileName, err)
	}

	written := []string{SkillFileName}
	if files, ok := params["files"].(map[string]any); ok {
		for filename, raw := range files {
			body, ok := raw.(string)
			if !ok {
				continue
			}
			// Support files live flat inside the skill directory.
			if strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
				return tool.Result{}, tool.NewError(tool.InvalidParameters, t.Name(),
					fmt.Sprintf("invalid support file name %q", filename), nil)
			}
			if err := os.WriteFile(filepath.Join(skillDir, filename), []byte(body), 0o644); err != nil {
				return tool.Result{}, tool.NewError(tool.ExecutionFailed, t.Name(), "write "+filename, err)
			}
			written = append(written, filename)
		}
	}

	if err := t.skills.Reload(t.tools); err != nil {
		return tool.Result{}, tool.NewError(tool.ExecutionFailed, t.Name(), "reload skills", err)
	}

	return tool.Result{
		Success: true,
		Data: map[string]any{
			"name":  ToolName(name),
			"path":  skillDir,
			"files": written,
		},
		Message: fmt.Sprintf("Skill '%s' created at %s and loaded.", name, skillDir),
	}, nil
}

// Invoke is the skill_invoke management tool: it activates a skill by
// name, returning its instruction body for context injection. Useful for
// skills marked disable_auto_invoke, which have no tool entry of their
// own.
type Invoke struct {
	skills *Registry
}

// NewInvoke builds the skill_invoke tool.
func NewInvoke(skills *Registry) *Invoke {
	return &Invoke{skills: skills}
}

func (t *Invoke) Name() string { return "skill_invoke" }
func (t *Invoke) Description() string {
	return "Invoke a skill by name; its instructions are added to the context"
}
func (t *Invoke) Permission() permission.Class { return permission.ReadOnly }

func (t *Invoke) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "description": "skill name, with or without the skill_ prefix"},
		},
		"required": []any{"name"},
	}
}

func (t *Invoke) Execute(_ context.Context, params map[string]any) (tool.Result, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return tool.Result{}, tool.NewError(tool.InvalidParameters, t.Name(), "name is required", nil)
	}

	skill, ok := t.skills.Get(name)
	if !ok {
		return tool.Result{
			Success: false,
			Message: fmt.Sprintf("Skill '%s' not found. Use skill_list to see available skills.", name),
		}, nil
	}

	return tool.Result{
		Success: true,
		Data: map[string]any{
			"name":          skill.Name,
			"description":   skill.Description,
			"content":       skill.Content,
			"path":          skill.Path,
			"allowed_tools": skill.AllowedTools,
		},
		Message: fmt.Sprintf("Skill '%s' active. Instructions:\n%s", skill.Name, skill.Content),
	}, nil
}

// List is the skill_list management tool.
type List struct {
	skills *Registry
}

// NewList builds the skill_list tool.
func NewList(skills *Registry) *List {
	return &List{skills: skills}
}

func (t *List) Name() string { return "skill_list" }
func (t *List) Description() string {
	return "List all available skills with their descriptions"
}
func (t *List) Permission() permission.Class { return permission.ReadOnly }

func (t *List) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *List) Execute(_ context.Context, _ map[string]any) (tool.Result, error) {
	skills := t.skills.List()
	infos := make([]map[string]any, 0, len(skills))
	for _, s := range skills {
		infos = append(infos, map[string]any{
			"name":          s.Name,
			"description":   s.Description,
			"path":          s.Path,
			"auto_invoke":   !s.DisableAutoInvoke,
			"allowed_tools": s.AllowedTools,
		})
	}
	return tool.Result{
		Success: true,
		Data:    map[string]any{"skills": infos, "count": len(skills)},
		Message: fmt.Sprintf("Found %d skills.", len(skills)),
	}, nil
}
