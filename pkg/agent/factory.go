// Package agent builds provider-backed LLM clients wrapped in the standard middleware chain.
package agent

import (
	"fmt"
	"strings"
	"time"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"

	"agentcoder/pkg/agent/internal/llmimpl/anthropic"
	"agentcoder/pkg/agent/internal/llmimpl/google"
	"agentcoder/pkg/agent/internal/llmimpl/ollama"
	"agentcoder/pkg/agent/internal/llmimpl/openaiofficial"
	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/middleware/metrics"
	"agentcoder/pkg/agent/middleware/resilience/ratelimit"
	"agentcoder/pkg/agent/middleware/resilience/retry"
	"agentcoder/pkg/agent/middleware/resilience/timeout"
	"agentcoder/pkg/agent/middleware/validation"
	"agentcoder/pkg/config"
	"agentcoder/pkg/logx"
)

// Options tune one client built by NewClient.
//
//nolint:govet // logical grouping preferred
type Options struct {
	// Component labels metrics and logs, e.g. "architect_FE".
	Component string
	Recorder  metrics.Recorder
	// Retry overrides the policy derived from cfg.Retry.
	Retry *retry.Policy
	// OnRetry observes each throttling backoff.
	OnRetry func(attempt int, delay time.Duration, err error)
	// GuardEmpty retries an empty response once with guidance, then fails.
	GuardEmpty bool
	Logger     *logx.Logger
}

// NewRawClient creates the provider client for cfg.LLM with no middleware.
func NewRawClient(cfg *config.Config) (llm.Client, error) {
	provider, err := cfg.LLM.ResolveProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", cfg.LLM.Model, err)
	}
	apiKey := cfg.LLM.APIKey(provider)
	if apiKey == "" && provider != config.ProviderOllama {
		return nil, fmt.Errorf("no API key for provider %s: set %s", provider, apiKeyHint(&cfg.LLM, provider))
	}

	switch provider {
	case config.ProviderAnthropic:
		var opts []anthropicopt.RequestOption
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, anthropicopt.WithBaseURL(cfg.LLM.BaseURL))
		}
		return anthropic.NewClaudeClient(apiKey, cfg.LLM.Model, opts...), nil
	case config.ProviderOpenAI:
		var opts []openaiopt.RequestOption
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, openaiopt.WithBaseURL(cfg.LLM.BaseURL))
		}
		return openaiofficial.NewOfficialClient(apiKey, cfg.LLM.Model, opts...), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(apiKey, cfg.LLM.Model), nil
	case config.ProviderOllama:
		host := cfg.LLM.BaseURL
		if host == "" {
			host = ollama.DefaultHost
		}
		return ollama.NewOllamaClientWithModel(host, strings.TrimPrefix(cfg.LLM.Model, "ollama:")), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// NewClient creates a provider client wrapped, outermost first, in
// Metrics -> [EmptyResponse] -> Retry -> RateLimit -> Timeout -> RawClient.
// Metrics therefore sees one observation per logical call, and every retry attempt gets a fresh
// per-call deadline.
func NewClient(cfg *config.Config, opts Options) (llm.Client, error) {
	raw, err := NewRawClient(cfg)
	if err != nil {
		return nil, err
	}
	return Wrap(raw, cfg, opts), nil
}

// Wrap applies the standard middleware chain to client.
func Wrap(client llm.Client, cfg *config.Config, opts Options) llm.Client {
	policy := opts.Retry
	if policy == nil {
		policy = retry.NewPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay)
		policy.MaxJitter = cfg.Retry.MaxJitter
	}
	if opts.OnRetry != nil {
		policy.OnRetry = opts.OnRetry
	}
	if policy.Logger == nil {
		policy.Logger = opts.Logger
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.Nop()
	}

	var limiter *ratelimit.Limiter
	if cfg.LLM.TokensPerMinute > 0 || cfg.LLM.MaxConcurrency > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			TokensPerMinute: cfg.LLM.TokensPerMinute,
			MaxConcurrency:  cfg.LLM.MaxConcurrency,
		})
	}

	chain := []llm.Middleware{metrics.Middleware(recorder, nil, opts.Component, opts.Logger)}
	if opts.GuardEmpty {
		chain = append(chain, validation.EmptyResponse(opts.Logger))
	}
	return llm.Chain(client, append(chain,
		retry.Middleware(policy),
		ratelimit.Middleware(limiter, nil, recorder),
		timeout.Middleware(cfg.LLM.RequestTimeout),
	)...)
}

func apiKeyHint(l *config.LLMConfig, provider string) string {
	if l.APIKeyEnv != "" {
		return l.APIKeyEnv
	}
	switch provider {
	case config.ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case config.ProviderOpenAI:
		return "OPENAI_API_KEY"
	default:
		return "GEMINI_API_KEY"
	}
}
