package pipeline

import (
	"context"
	"fmt"
	"strings"

	"agentcoder/pkg/agent/answer"
	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/session"
	"agentcoder/pkg/logx"
	"agentcoder/pkg/templates"
	"agentcoder/pkg/tools"
)

const finalURLField = "final_url"

// ResolverResult is the outcome of a resolver session.
type ResolverResult struct {
	Outcome *session.Outcome
	// FinalURL is empty when the session did not report one.
	FinalURL string
}

// Resolver merges engineer branches back into a scope branch.
type Resolver struct {
	sess     *session.Session
	renderer *templates.Renderer
	logger   *logx.Logger
}

// NewResolver creates a resolver running on sess.
func NewResolver(sess *session.Session) (*Resolver, error) {
	if sess == nil {
		return nil, fmt.Errorf("resolver requires a session")
	}
	renderer, err := templates.NewRenderer()
	if err != nil {
		return nil, err
	}
	return &Resolver{sess: sess, renderer: renderer, logger: logx.NewLogger("resolver")}, nil
}

// Run integrates every unmerged branch into branch and returns the reported final URL.
func (r *Resolver) Run(ctx context.Context, branch, gitURL string) (*ResolverResult, error) {
	system, err := r.renderer.Render(templates.ResolverTemplate, &templates.TemplateData{
		BranchName:   branch,
		GitURL:       gitURL,
		ShellTool:    tools.ToolShell,
		ConflictTool: tools.ToolResolveConflict,
	})
	if err != nil {
		return nil, err
	}
	out, err := r.sess.Run(ctx, session.Task{
		System: system,
		Prompt: "Your task is to resolve conflicts and integrate branches. Start by identifying the branches that need to be merged into the base branch.",
		Input: map[string]any{
			"base_branch_to_merge_into": branch,
			"repository_path":           gitURL,
		},
	})
	if err != nil {
		return nil, err
	}

	res := &ResolverResult{Outcome: out}
	if out.State != nil {
		res.FinalURL, _ = FinalURL(out.State.Messages)
	}
	if res.FinalURL == "" {
		r.logger.Warn("Resolver for %s finished without a final_url", branch)
	}
	return res, nil
}

// FinalURL reads the final_url reported in the last assistant turn.
func FinalURL(messages []llm.Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != llm.RoleAssistant {
			continue
		}
		for _, candidate := range answer.Candidates(messages[i].Text()) {
			if url, ok := answer.Payload(candidate)[finalURLField].(string); ok && strings.TrimSpace(url) != "" {
				return url, true
			}
		}
		return "", false
	}
	return "", false
}

// ResolverTools binds the resolver's shell and conflict tools.
func ResolverTools(workDir string, client llm.Client) (*tools.Registry, error) {
	return tools.NewRegistry(
		tools.NewShellTool(workDir, 0),
		tools.NewResolveConflictTool(client),
	)
}
