// Package templates renders the system prompts of the agent sessions.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed *.tpl.md
var templateFS embed.FS

// StateTemplate names an embedded template.
type StateTemplate string

// Templates.
const (
	ArchitectTemplate StateTemplate = "architect.tpl.md"
	ResolverTemplate  StateTemplate = "resolver.tpl.md"
)

// TemplateData holds the data for template rendering.
//
//nolint:govet // fieldalignment: grouped by meaning
type TemplateData struct {
	ProjectName string `json:"project_name"`
	Scope       string `json:"scope,omitempty"`       // FE or BE
	ScopeLabel  string `json:"scope_label,omitempty"` // frontend or backend
	BranchName  string `json:"branch_name"`
	GitURL      string `json:"git_url"`
	DevRules    string `json:"dev_rules,omitempty"`

	ShellTool       string `json:"shell_tool"`
	FinalAnswerTool string `json:"final_answer_tool,omitempty"`
	ConflictTool    string `json:"conflict_tool,omitempty"`
}

// Renderer holds the parsed templates.
type Renderer struct {
	templates map[StateTemplate]*template.Template
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[StateTemplate]*template.Template)}
	for _, name := range []StateTemplate{ArchitectTemplate, ResolverTemplate} {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		tmpl, err := template.New(string(name)).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(templateName StateTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}
	return buf.String(), nil
}
