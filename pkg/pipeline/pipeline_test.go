package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcoder/internal/mocks"
	"agentcoder/pkg/agent/answer"
	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/llmerrors"
	"agentcoder/pkg/agent/middleware/resilience/retry"
	"agentcoder/pkg/agent/session"
	"agentcoder/pkg/dispatch"
	"agentcoder/pkg/scope"
)

func instantPolicy(attempts int) *retry.Policy {
	p := retry.NewPolicy(attempts, time.Millisecond)
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func factoryFor(t *testing.T, client llm.Client) SessionFactory {
	t.Helper()
	return func(s scope.Scope) (*session.Session, error) {
		reg, err := ArchitectTools(t.TempDir())
		require.NoError(t, err)
		return session.New(session.Config{
			Client:   client,
			Tools:    reg,
			MaxSteps: ArchitectMaxSteps,
			Name:     "architect_" + string(s),
		})
	}
}

func isFrontend(req llm.CompletionRequest) bool {
	return strings.Contains(req.Messages[0].Content, "frontend software architect")
}

func plan() *ArchitectInput {
	return &ArchitectInput{
		ProjectName: "User Auth System",
		GitURL:      "https://github.com/acme/auth.git",
		Specs: map[scope.Scope][]map[string]any{
			scope.Frontend: {{"title": "Login screen"}},
			scope.Backend:  {{"endpoint": "POST /auth/login"}},
		},
		DirectoryTree: []string{"repo/frontend/src/App.tsx", "repo/backend/app/main.py", "repo/README.md"},
	}
}

func TestArchitectStageRunsBothScopes(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.OnComplete(func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		if isFrontend(req) {
			return llm.CompletionResponse{Content: `{"branch_name": "user-auth-system_FE", "base_url": "https://github.com/acme/auth.git"}`}, nil
		}
		return llm.CompletionResponse{Content: "I could not finish"}, nil
	})

	stage, err := NewArchitectStage(factoryFor(t, client), WithRetryPolicy(instantPolicy(3)))
	require.NoError(t, err)
	res, err := stage.Run(context.Background(), plan())
	require.NoError(t, err)

	assert.Equal(t, "user-auth-system_FE", res.Branches[scope.Frontend])
	assert.Equal(t, "user-auth-system_BE", res.Branches[scope.Backend])

	fe := res.Answers[scope.Frontend]
	assert.Equal(t, "user-auth-system_FE", fe["branch_name"])
	assert.Equal(t, answer.ParseFailure, fe["project_dir"])
	for _, field := range ArchitectAnswerFields {
		assert.Equal(t, answer.ParseFailure, res.Answers[scope.Backend][field])
	}
	assert.True(t, res.Outcomes[scope.Frontend].Found)
	assert.False(t, res.Outcomes[scope.Backend].Found)

	// system, user, assistant for each scope, FE first
	require.Len(t, res.Messages, 6)
	assert.Contains(t, res.Messages[0].Content, "frontend")
	assert.Contains(t, res.Messages[3].Content, "backend")
}

func TestArchitectStageScopesTheDirectoryTree(t *testing.T) {
	var mu sync.Mutex
	seeds := map[bool]string{}
	client := mocks.NewMockLLMClient()
	client.OnComplete(func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		mu.Lock()
		seeds[isFrontend(req)] = req.Messages[1].Content
		mu.Unlock()
		return llm.CompletionResponse{Content: `{"branch_name": "x"}`}, nil
	})

	stage, err := NewArchitectStage(factoryFor(t, client))
	require.NoError(t, err)
	_, err = stage.Run(context.Background(), plan())
	require.NoError(t, err)

	assert.Contains(t, seeds[true], `"src/App.tsx"`)
	assert.NotContains(t, seeds[true], "main.py")
	assert.Contains(t, seeds[false], `"app/main.py"`)
	assert.Contains(t, seeds[false], `"README.md"`)
	assert.Contains(t, seeds[false], `"owner": "BE"`)
}

func TestArchitectStageSkipsEmptyScopes(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWith(`{"branch_name": "shop_FE"}`)
	stage, err := NewArchitectStage(factoryFor(t, client))
	require.NoError(t, err)

	in := plan()
	in.Specs[scope.Backend] = nil
	res, err := stage.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, res.Branches, 1)
	assert.Equal(t, 1, client.GetCompleteCallCount())

	in.Specs = nil
	_, err = stage.Run(context.Background(), in)
	assert.Error(t, err)
}

func TestArchitectStageRetriesThrottledSessions(t *testing.T) {
	var mu sync.Mutex
	throttled := map[bool]bool{}
	client := mocks.NewMockLLMClient()
	client.OnComplete(func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		fe := isFrontend(req)
		if !throttled[fe] {
			throttled[fe] = true
			return llm.CompletionResponse{}, llmerrors.NewThrottlingError("ThrottlingException", "Rate exceeded")
		}
		return llm.CompletionResponse{Content: `{"branch_name": "ok"}`}, nil
	})

	stage, err := NewArchitectStage(factoryFor(t, client), WithRetryPolicy(instantPolicy(ArchitectRetryAttempts)))
	require.NoError(t, err)
	res, err := stage.Run(context.Background(), plan())
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Answers[scope.Backend]["branch_name"])
	assert.Equal(t, 4, client.GetCompleteCallCount())
}

func TestArchitectStageIsAllOrNothing(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.OnComplete(func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		if isFrontend(req) {
			return llm.CompletionResponse{Content: `{"branch_name": "fine"}`}, nil
		}
		return llm.CompletionResponse{}, errors.New("invalid api key")
	})

	stage, err := NewArchitectStage(factoryFor(t, client), WithRetryPolicy(instantPolicy(3)))
	require.NoError(t, err)
	res, err := stage.Run(context.Background(), plan())
	assert.Nil(t, res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Equal(t, 2, client.GetCompleteCallCount(), "non-throttling errors are not retried")
}

func TestArchitectStageRejectsUnusableProjectName(t *testing.T) {
	stage, err := NewArchitectStage(factoryFor(t, mocks.NewMockLLMClient()))
	require.NoError(t, err)
	in := plan()
	in.ProjectName = "!!!"
	_, err = stage.Run(context.Background(), in)
	assert.Error(t, err)

	_, err = NewArchitectStage(nil)
	assert.Error(t, err)
}

func TestFinalURL(t *testing.T) {
	msgs := []llm.Message{
		llm.NewUserMessage(`{"final_url": "https://ignored"}`),
		llm.NewAssistantMessage(`Merged everything. {"final_url": "https://github.com/acme/auth/tree/main"}`),
	}
	url, ok := FinalURL(msgs)
	require.True(t, ok)
	assert.Equal(t, "https://github.com/acme/auth/tree/main", url)

	_, ok = FinalURL([]llm.Message{llm.NewAssistantMessage(`{"status": "done"}`)})
	assert.False(t, ok)
	_, ok = FinalURL(nil)
	assert.False(t, ok)
}

func TestResolverRun(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWithSequence([]llm.CompletionResponse{
		mocks.ToolCallResponse("execute_shell_command", map[string]any{"command": "echo merged"}),
		{Content: `{"final_url": "https://github.com/acme/auth/tree/auth_FE"}`},
	})
	reg, err := ResolverTools(t.TempDir(), client)
	require.NoError(t, err)
	sess, err := session.New(session.Config{Client: client, Tools: reg, Name: "resolver"})
	require.NoError(t, err)

	resolver, err := NewResolver(sess)
	require.NoError(t, err)
	res, err := resolver.Run(context.Background(), "auth_FE", "https://github.com/acme/auth.git")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/auth/tree/auth_FE", res.FinalURL)

	first := client.CompleteCalls[0]
	assert.Contains(t, first.Messages[0].Content, "git branch -r --no-merged auth_FE")
	assert.Contains(t, first.Messages[1].Content, `"base_branch_to_merge_into": "auth_FE"`)
}

type stubRunner struct {
	mu   sync.Mutex
	jobs []dispatch.Job
}

func (s *stubRunner) RunJobs(_ context.Context, jobs []dispatch.Job) []dispatch.JobResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, jobs...)
	out := make([]dispatch.JobResult, len(jobs))
	for i, j := range jobs {
		code := "patch for " + j.Name
		out[i] = dispatch.JobResult{Job: j.Name, HandleID: "c" + j.Name, Code: &code, Log: []string{}}
	}
	return out
}

func TestAllocateSpawnsEngineersPerBranch(t *testing.T) {
	runner := &stubRunner{}
	reg, err := AllocatorTools(runner, "claude-sonnet-4")
	require.NoError(t, err)

	client := mocks.NewMockLLMClient()
	client.RespondWithSequence([]llm.CompletionResponse{
		mocks.ToolCallResponse("spawn_engineers", map[string]any{
			"base_url":    "https://github.com/acme/auth.git",
			"branch_name": "auth_FE",
			"specs_list":  []any{[]any{map[string]any{"title": "Login screen"}}},
		}),
		{Content: `{"branches": {"auth_FE": 1}}`},
	})
	sess, err := session.New(session.Config{Client: client, Tools: reg, Name: "allocate"})
	require.NoError(t, err)

	arch := &ArchitectResult{Branches: map[scope.Scope]string{scope.Frontend: "auth_FE"}}
	out, err := Allocate(context.Background(), sess, "https://github.com/acme/auth.git", arch, plan().Specs)
	require.NoError(t, err)

	require.Len(t, runner.jobs, 1)
	assert.Equal(t, "auth_FE", runner.jobs[0].Branch)
	results := AgentResults(out)
	require.Len(t, results, 1)
	assert.Equal(t, "patch for auth_FE-group-1", results[0]["code"])
	assert.Contains(t, client.CompleteCalls[0].Messages[1].Content, `"auth_FE": [`)

	_, err = Allocate(context.Background(), sess, "u", &ArchitectResult{}, nil)
	assert.Error(t, err)
	assert.Nil(t, AgentResults(nil))
}
