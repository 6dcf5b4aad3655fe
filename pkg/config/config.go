// Package config provides configuration loading, defaults, environment overrides and validation
// for the dispatcher, agent sessions and LLM providers.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Defaults.
const (
	DefaultImage          = "se-agent:latest"
	DefaultMemoryLimit    = "4g"
	DefaultCPUQuota       = 100000
	DefaultPollInterval   = 10 * time.Second
	DefaultCollectTimeout = 60 * time.Second
	DefaultStagger        = 500 * time.Millisecond
	DefaultMaxWait        = 45 * time.Minute
	DefaultTimeBudget     = 10 * time.Minute
	DefaultVolumePrefix   = "agentcoder-job"
	DefaultModel          = "claude-sonnet-4-20250514"
	DefaultMaxTokens      = 8192
	DefaultTemperature    = 0.3
	DefaultRetryAttempts  = 6
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultRetryMaxJitter = 300 * time.Millisecond
	DefaultMaxSteps       = 200
	DefaultRequestTimeout = 5 * time.Minute
	DefaultLedgerPath     = "agentcoder.db"
)

// DispatcherConfig controls how jobs are launched, polled, collected and cleaned up.
type DispatcherConfig struct {
	Image          string            `yaml:"image" json:"image"`
	MemoryLimit    string            `yaml:"memory_limit" json:"memory_limit"`
	CPUQuota       int64             `yaml:"cpu_quota" json:"cpu_quota"` // microseconds per 100ms period
	PollInterval   time.Duration     `yaml:"poll_interval" json:"poll_interval"`
	CollectTimeout time.Duration     `yaml:"collect_timeout" json:"collect_timeout"`
	Stagger        time.Duration     `yaml:"stagger" json:"stagger"`
	MaxWait        time.Duration     `yaml:"max_wait" json:"max_wait"` // 0 disables the ceiling
	TimeBudget     time.Duration     `yaml:"time_budget" json:"time_budget"`
	VolumePrefix   string            `yaml:"volume_prefix" json:"volume_prefix"`
	Sockets        []string          `yaml:"sockets" json:"sockets"` // extra runtime endpoints tried before the built-in list
	ExtraEnv       map[string]string `yaml:"extra_env" json:"extra_env"`
}

// LLMConfig selects and parameterises the model provider.
type LLMConfig struct {
	Provider    string  `yaml:"provider" json:"provider"` // empty means infer from model
	Model       string  `yaml:"model" json:"model"`
	APIKeyEnv   string  `yaml:"api_key_env" json:"api_key_env"`
	BaseURL     string  `yaml:"base_url" json:"base_url"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
	Temperature float32 `yaml:"temperature" json:"temperature"`

	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout"`     // 0 disables the per-call timeout
	TokensPerMinute int           `yaml:"tokens_per_minute" json:"tokens_per_minute"` // 0 disables client-side rate limiting
	MaxConcurrency  int           `yaml:"max_concurrency" json:"max_concurrency"`     // 0 means unbounded
}

// RetryConfig parameterises the throttling retry wrapper.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxJitter   time.Duration `yaml:"max_jitter" json:"max_jitter"`
}

// SessionConfig bounds agent sessions.
type SessionConfig struct {
	MaxSteps int `yaml:"max_steps" json:"max_steps"`
}

// LedgerConfig locates the sqlite run ledger. An empty path disables it.
type LedgerConfig struct {
	Path string `yaml:"path" json:"path"`
}

// MetricsConfig controls the Prometheus recorder.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	DumpPath string `yaml:"dump_path" json:"dump_path"`
}

// Config is the root configuration.
type Config struct {
	Dispatcher DispatcherConfig `yaml:"dispatcher" json:"dispatcher"`
	LLM        LLMConfig        `yaml:"llm" json:"llm"`
	Retry      RetryConfig      `yaml:"retry" json:"retry"`
	Session    SessionConfig    `yaml:"session" json:"session"`
	Ledger     LedgerConfig     `yaml:"ledger" json:"ledger"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
}

// Default returns a configuration with every field populated.
func Default() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			Image:          DefaultImage,
			MemoryLimit:    DefaultMemoryLimit,
			CPUQuota:       DefaultCPUQuota,
			PollInterval:   DefaultPollInterval,
			CollectTimeout: DefaultCollectTimeout,
			Stagger:        DefaultStagger,
			MaxWait:        DefaultMaxWait,
			TimeBudget:     DefaultTimeBudget,
			VolumePrefix:   DefaultVolumePrefix,
		},
		LLM: LLMConfig{
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,

			RequestTimeout: DefaultRequestTimeout,
		},
		Retry: RetryConfig{
			MaxAttempts: DefaultRetryAttempts,
			BaseDelay:   DefaultRetryBaseDelay,
			MaxJitter:   DefaultRetryMaxJitter,
		},
		Session: SessionConfig{MaxSteps: DefaultMaxSteps},
		Ledger:  LedgerConfig{Path: DefaultLedgerPath},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads a YAML or JSON file over the defaults, applies environment overrides and validates.
// An empty path yields the defaults with overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		// JSON is a subset of YAML, so one decoder covers both formats.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays AGENTCODER_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("AGENTCODER_IMAGE"); v != "" {
		c.Dispatcher.Image = v
	}
	if v := os.Getenv("AGENTCODER_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("AGENTCODER_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("AGENTCODER_LEDGER"); v != "" {
		c.Ledger.Path = v
	}
	if v := os.Getenv("AGENTCODER_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.MaxSteps = n
		}
	}
	if v := os.Getenv("AGENTCODER_MAX_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Dispatcher.MaxWait = d
		}
	}
}

// Validate reports the first invalid setting with an actionable message.
func (c *Config) Validate() error {
	var errs []error
	d := c.Dispatcher
	if d.Image == "" {
		errs = append(errs, errors.New("dispatcher.image must be set (e.g. se-agent:latest)"))
	}
	if d.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher.poll_interval must be positive, got %s", d.PollInterval))
	}
	if d.CollectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher.collect_timeout must be positive, got %s", d.CollectTimeout))
	}
	if d.Stagger < 0 || d.MaxWait < 0 {
		errs = append(errs, errors.New("dispatcher.stagger and dispatcher.max_wait cannot be negative"))
	}
	if d.CPUQuota < 0 {
		errs = append(errs, fmt.Errorf("dispatcher.cpu_quota cannot be negative, got %d", d.CPUQuota))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model must be set"))
	} else if _, err := c.LLM.ResolveProvider(); err != nil {
		errs = append(errs, err)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be between 0.0 and 2.0, got %v", c.LLM.Temperature))
	}
	if c.LLM.RequestTimeout < 0 || c.LLM.TokensPerMinute < 0 || c.LLM.MaxConcurrency < 0 {
		errs = append(errs, errors.New("llm.request_timeout, llm.tokens_per_minute and llm.max_concurrency cannot be negative"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts cannot be negative, got %d", c.Retry.MaxAttempts))
	}
	if c.Session.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("session.max_steps must be positive, got %d", c.Session.MaxSteps))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// providerPatterns infers a provider from a model name prefix.
//
//nolint:gochecknoglobals // inference rules
var providerPatterns = []struct {
	prefix   string
	provider string
}{
	{"claude", ProviderAnthropic},
	{"anthropic.", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama},
}

// ResolveProvider returns the configured provider, or infers one from the model name.
func (l *LLMConfig) ResolveProvider() (string, error) {
	if l.Provider != "" {
		switch l.Provider {
		case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
			return l.Provider, nil
		}
		return "", fmt.Errorf("llm.provider %q is not one of anthropic, openai, google, ollama", l.Provider)
	}
	model := strings.ToLower(l.Model)
	for _, p := range providerPatterns {
		if strings.HasPrefix(model, p.prefix) {
			return p.provider, nil
		}
	}
	return "", fmt.Errorf("unknown model %q: set llm.provider explicitly", l.Model)
}

// APIKey reads the provider API key from the configured or conventional environment variable.
func (l *LLMConfig) APIKey(provider string) string {
	if l.APIKeyEnv != "" {
		return os.Getenv(l.APIKeyEnv)
	}
	switch provider {
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderGoogle:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}
