// Package dispatch runs batches of independent jobs in isolated containers, collects the structured
// result each job prints as its last output line, and removes every container and volume it created.
package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Job is one independently executable task. Immutable once submitted.
type Job struct {
	Payload      map[string]any `yaml:"payload" json:"payload"`
	Name         string         `yaml:"name" json:"name"`
	RepoURL      string         `yaml:"repo_url" json:"repo_url"`
	Branch       string         `yaml:"branch" json:"branch"`
	Model        string         `yaml:"model" json:"model"`
	SystemPrompt string         `yaml:"system_prompt" json:"system_prompt"`
	Credentials  string         `yaml:"-" json:"-"` // short-lived bearer token, exported as GITHUB_TOKEN
	TimeBudget   time.Duration  `yaml:"time_budget" json:"time_budget"`
}

// JobResult is the outcome of one job. Code, Cost and Error are nil when the job did not report them.
type JobResult struct {
	Code     *string  `json:"code"`
	Cost     *float64 `json:"cost_usd"`
	Error    *string  `json:"error"`
	HandleID string   `json:"container_id"`
	Job      string   `json:"job"`
	Log      []string `json:"log"`
}

// OK reports whether the job produced a result without an error.
func (r JobResult) OK() bool {
	return r.Error == nil
}

func degraded(handleID, job string, log []string, format string, args ...any) JobResult {
	msg := fmt.Sprintf(format, args...)
	if log == nil {
		log = []string{}
	}
	return JobResult{HandleID: handleID, Job: job, Error: &msg, Log: log}
}

// Environment variable names written into each job's container.
const (
	EnvRepoURL       = "GIT_URL"
	EnvBranch        = "BRANCH_NAME"
	EnvModel         = "ANTHROPIC_MODEL"
	EnvPayload       = "JOB_PAYLOAD"
	EnvUserInput     = "USER_INPUT"
	EnvTimeBudget    = "TIME_BUDGET_SECONDS"
	EnvTimeOut       = "TIME_OUT"
	EnvToken         = "GITHUB_TOKEN"
	EnvJobName       = "JOB_NAME"
	EnvSystemPrompt  = "SYSTEM_PROMPT"
	EnvRegion        = "AWS_REGION"
	workspaceMount   = "/workspace"
	labelJob         = "agentcoder.job"
	labelDispatchRun = "agentcoder.run"
)

// jobEnv builds the container environment. extra never overrides the job's own entries.
func jobEnv(job Job, budget time.Duration, extra map[string]string, getenv func(string) string) (map[string]string, error) {
	payload := job.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload of job %s: %w", job.Name, err)
	}
	if job.TimeBudget > 0 {
		budget = job.TimeBudget
	}
	seconds := strconv.Itoa(int(budget.Seconds()))

	env := make(map[string]string, len(extra)+12)
	for k, v := range extra {
		env[k] = v
	}
	env[EnvRepoURL] = job.RepoURL
	env[EnvBranch] = job.Branch
	env[EnvModel] = job.Model
	env[EnvPayload] = string(data)
	env[EnvUserInput] = string(data)
	env[EnvTimeBudget] = seconds
	env[EnvTimeOut] = seconds
	env[EnvJobName] = job.Name
	if job.Credentials != "" {
		env[EnvToken] = job.Credentials
	}
	if job.SystemPrompt != "" {
		env[EnvSystemPrompt] = job.SystemPrompt
	}
	if region := getenv(EnvRegion); region != "" {
		env[EnvRegion] = region
	}
	return env, nil
}

type reportedResult struct {
	Code  *string `json:"code"`
	Cost  any     `json:"cost"`
	Error *string `json:"error"`
}

// parseOutput splits combined output into lines and decodes the last non-empty one.
func parseOutput(handleID, jobName string, output []byte) JobResult {
	lines := strings.Split(strings.ReplaceAll(string(output), "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return degraded(handleID, jobName, nil, "job produced no output")
	}

	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(last, "{") {
		return degraded(handleID, jobName, lines, "could not parse job result: last line is not a JSON object")
	}
	var rep reportedResult
	if err := json.Unmarshal([]byte(last), &rep); err != nil {
		return degraded(handleID, jobName, lines, "could not parse job result: %v", err)
	}

	cost, err := coerceCost(rep.Cost)
	if err != nil {
		return degraded(handleID, jobName, lines, "could not parse job result: %v", err)
	}
	return JobResult{HandleID: handleID, Job: jobName, Code: rep.Code, Cost: cost, Error: rep.Error, Log: lines}
}

func coerceCost(v any) (*float64, error) {
	switch c := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return &c, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(c), "$"), 64)
		if err != nil {
			return nil, fmt.Errorf("cost %q is not a number", c)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("cost has unexpected type %T", v)
	}
}

func getenvDefault(getenv func(string) string) func(string) string {
	if getenv != nil {
		return getenv
	}
	return os.Getenv
}
