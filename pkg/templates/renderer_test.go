package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderArchitectTemplate(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	data := &TemplateData{
		ProjectName: "shop", Scope: "FE", ScopeLabel: "frontend", BranchName: "shop_FE",
		GitURL: "https://github.com/acme/shop.git", ShellTool: "execute_shell_command", FinalAnswerTool: "final_answer",
	}
	out, err := r.Render(ArchitectTemplate, data)
	require.NoError(t, err)
	assert.Contains(t, out, "senior frontend software architect")
	assert.Contains(t, out, "`shop_FE`")
	assert.Contains(t, out, "Material-UI")
	assert.NotContains(t, out, "<dev_rules>")

	data.Scope, data.ScopeLabel, data.BranchName, data.DevRules = "BE", "backend", "shop_BE", "Use FastAPI."
	out, err = r.Render(ArchitectTemplate, data)
	require.NoError(t, err)
	assert.Contains(t, out, "Do not create anything under `frontend/`")
	assert.NotContains(t, out, "Material-UI")
	assert.Contains(t, out, "<dev_rules>\nUse FastAPI.\n</dev_rules>")
}

func TestRenderResolverTemplate(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	out, err := r.Render(ResolverTemplate, &TemplateData{
		BranchName: "shop_FE", GitURL: "u", ShellTool: "execute_shell_command", ConflictTool: "resolve_code_conflict",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "git branch -r --no-merged shop_FE")
	assert.Contains(t, out, `{"final_url"`)

	_, err = r.Render("missing.tpl.md", &TemplateData{})
	assert.Error(t, err)
}
