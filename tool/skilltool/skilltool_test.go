package skilltool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loopcore/tool"
)

const sampleSkill = `---
name: git-master
description: Git workflow helper
disable_auto_invoke: false
allowed_tools:
  - execute_command
---

## Étapes
1. Vérifie le statut avec git status
2. Commit avec un message clair
`

func writeSkill(t *testing.T, root, name, doc string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, SkillFileName), []byte(doc), 0o644))
}

func TestParseSkill(t *testing.T) {
	skill, err := ParseSkill(sampleSkill, "/skills/git-master")
	require.NoError(t, err)

	assert.Equal(t, "skill_git_master", skill.Name)
	assert.Equal(t, "Git workflow helper", skill.Description)
	assert.Contains(t, skill.Content, "git status")
	assert.False(t, skill.DisableAutoInvoke)
	assert.Equal(t, []string{"execute_command"}, skill.AllowedTools)
}

func TestParseSkillNameFallsBackToDirectory(t *testing.T) {
	doc := "---\ndescription: sans nom\n---\ncontenu"
	skill, err := ParseSkill(doc, "/skills/revue-de-code")
	require.NoError(t, err)
	assert.Equal(t, "skill_revue_de_code", skill.Name)
}

func TestParseSkillMissingFrontmatter(t *testing.T) {
	_, err := ParseSkill("just markdown", "/skills/x")
	assert.Error(t, err)

	_, err = ParseSkill("---\nname: x", "/skills/x")
	assert.Error(t, err)
}

func TestToolName(t *testing.T) {
	assert.Equal(t, "skill_git_master", ToolName("git-master"))
	assert.Equal(t, "skill_deploy", ToolName("skill_deploy"))
}

func TestRenderRoundTrip(t *testing.T) {
	doc := Render("deploy", "Deploy helper", true, []string{"execute_command", "read_file"}, "## Instructions\nfais-le")

	skill, err := ParseSkill(doc, "/skills/deploy")
	require.NoError(t, err)
	assert.Equal(t, "skill_deploy", skill.Name)
	assert.Equal(t, "Deploy helper", skill.Description)
	assert.True(t, skill.DisableAutoInvoke)
	assert.Equal(t, []string{"execute_command", "read_file"}, skill.AllowedTools)
	assert.Equal(t, "## Instructions\nfais-le", skill.Content)
}

func TestRegistryLoadAndRegisterAsTools(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "git-master", sampleSkill)
	writeSkill(t, root, "hidden", "---\nname: hidden\ndisable_auto_invoke: true\n---\nsecret")
	writeSkill(t, root, "broken", "no frontmatter at all")

	skills := NewRegistry(root)
	skills.Load()

	require.Len(t, skills.List(), 2) // broken one skipped

	tools := tool.NewRegistry()
	require.NoError(t, skills.RegisterAsTools(tools))

	_, ok := tools.Lookup("skill_git_master")
	assert.True(t, ok)
	_, ok = tools.Lookup("skill_hidden")
	assert.False(t, ok) // disable_auto_invoke keeps it out of the tool list

	// Still reachable through the registry itself (skill_invoke path).
	_, ok = skills.Get("hidden")
	assert.True(t, ok)
}

func TestRegistryGetTolerantLookup(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "git-master", sampleSkill)

	skills := NewRegistry(root)
	skills.Load()

	for _, name := range []string{"skill_git_master", "git_master", "git-master", " git-master "} {
		_, ok := skills.Get(name)
		assert.True(t, ok, name)
	}
}

func TestSkillToolExecuteActivatesInstructions(t *testing.T) {
	skill, err := ParseSkill(sampleSkill, "/skills/git-master")
	require.NoError(t, err)

	st := &SkillTool{skill: skill}
	result, err := st.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Message, "git status")
}

func TestCreateWritesAndReloads(t *testing.T) {
	root := t.TempDir()
	skills := NewRegistry(root)
	tools := tool.NewRegistry()

	create := NewCreate(skills, tools, root)
	result, err := create.Execute(context.Background(), map[string]any{
		"name":        "release-notes",
		"description": "Rédige des notes de version",
		"content":     "## Étapes\n1. Lis le git log\n2. Résume",
		"files":       map[string]any{"template.md": "# Notes"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	// Manifest and support file exist on disk.
	_, err = os.Stat(filepath.Join(root, "release-notes", SkillFileName))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "release-notes", "template.md"))
	require.NoError(t, err)

	// The new skill is immediately callable.
	_, ok := tools.Lookup("skill_release_notes")
	assert.True(t, ok)
}

func TestCreateRejectsBadNames(t *testing.T) {
	skills := NewRegistry(t.TempDir())
	create := NewCreate(skills, tool.NewRegistry(), t.TempDir())

	for _, name := range []string{"", "a/b", "a b", "../escape"} {
		_, err := create.Execute(context.Background(), map[string]any{
			"name":        name,
			"description": "d",
			"content":     "c",
		})
		assert.Error(t, err, name)
	}
}

func TestCreateRejectsPathySupportFiles(t *testing.T) {
	root := t.TempDir()
	skills := NewRegistry(root)
	create := NewCreate(skills, tool.NewRegistry(), root)

	_, err := create.Execute(context.Background(), map[string]any{
		"name":        "ok",
		"description": "d",
		"content":     "c",
		"files":       map[string]any{"../evil.sh": "rm -rf /"},
	})
	var terr *tool.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tool.InvalidParameters, terr.Kind)
}

func TestInvoke(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "git-master", sampleSkill)
	skills := NewRegistry(root)
	skills.Load()

	invoke := NewInvoke(skills)
	result, err := invoke.Execute(context.Background(), map[string]any{"name": "git-master"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Message, "git status")

	result, err = invoke.Execute(context.Background(), map[string]any{"name": "absent"})
	require.NoError(t, err) // graceful failure, the model is told to use skill_list
	assert.False(t, result.Success)
}

func TestList(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "git-master", sampleSkill)
	writeSkill(t, root, "hidden", "---\nname: hidden\ndisable_auto_invoke: true\n---\nsecret")

	list := NewList(func() *Registry { r := NewRegistry(root); r.Load(); return r }())
	result, err := list.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Message, "2 skills")
}
