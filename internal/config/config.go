// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	talonerr "github.com/talon-dev/talon/pkg/errors"
)

// Config is the top-level Talon configuration.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Models    ModelsConfig              `mapstructure:"models"`
	Router    RouterConfig              `mapstructure:"router"`
	Autonomy  AutonomyConfig            `mapstructure:"autonomy"`
	Budget    BudgetConfig              `mapstructure:"budget"`
	Agent     AgentConfig               `mapstructure:"agent"`
	Storage   StorageConfig             `mapstructure:"storage"`
}

// ServerConfig controls how the gateway listens for connections.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// ProviderConfig holds credentials and endpoint for a model provider.
type ProviderConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
}

// ModelsConfig selects the primary and fallback model references, both
// in "provider/model" format.
type ModelsConfig struct {
	Default  string `mapstructure:"default"`
	Fallback string `mapstructure:"fallback"`
}

// RouterConfig tunes retry and circuit breaking for model calls.
type RouterConfig struct {
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffSeconds   int `mapstructure:"backoff_seconds"`
	FailureThreshold int `mapstructure:"failure_threshold"`
	CooloffSeconds   int `mapstructure:"cooloff_seconds"`
}

// AutonomyConfig sets the autonomy level and guardrail lists.
type AutonomyConfig struct {
	Level                  int      `mapstructure:"level"`
	Allowlist              []string `mapstructure:"allowlist"`
	Denylist               []string `mapstructure:"denylist"`
	ApprovalTimeoutSeconds int      `mapstructure:"approval_timeout_seconds"`
}

// BudgetConfig sets spending limits.
type BudgetConfig struct {
	DailyLimitUSD       float64 `mapstructure:"daily_limit_usd"`
	MaxToolCallsPerLoop int     `mapstructure:"max_tool_calls_per_loop"`
}

// AgentConfig bounds a single agent turn.
type AgentConfig struct {
	MaxIterations         int `mapstructure:"max_iterations"`
	TurnTimeoutSeconds    int `mapstructure:"turn_timeout_seconds"`
	MaxTokens             int `mapstructure:"max_tokens"`
	MemoryRecall          int `mapstructure:"memory_recall"`
	FallbackAfterFailures int `mapstructure:"fallback_after_failures"`
	// LazyStopDetection re-prompts the model when it stops while
	// deferring remaining work.
	LazyStopDetection bool `mapstructure:"lazy_stop_detection"`
	// ToolResultMaxTokens bounds each stored tool result; 0 disables
	// truncation.
	ToolResultMaxTokens int `mapstructure:"tool_result_max_tokens"`
	// SystemPrompt overrides the built-in system prompt.
	SystemPrompt string `mapstructure:"system_prompt"`
}

// StorageConfig selects the storage backend and data directory.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix TALON_).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.listen", "127.0.0.1:18990")
	v.SetDefault("models.default", "anthropic/claude-sonnet-4-5")
	v.SetDefault("models.fallback", "")
	v.SetDefault("router.max_retries", 3)
	v.SetDefault("router.backoff_seconds", 1)
	v.SetDefault("router.failure_threshold", 5)
	v.SetDefault("router.cooloff_seconds", 60)
	v.SetDefault("autonomy.level", 1)
	v.SetDefault("autonomy.approval_timeout_seconds", 120)
	v.SetDefault("budget.daily_limit_usd", 25.00)
	v.SetDefault("budget.max_tool_calls_per_loop", 30)
	v.SetDefault("agent.max_iterations", 20)
	v.SetDefault("agent.turn_timeout_seconds", 300)
	v.SetDefault("agent.max_tokens", 4096)
	v.SetDefault("agent.memory_recall", 5)
	v.SetDefault("agent.fallback_after_failures", 3)
	v.SetDefault("agent.lazy_stop_detection", true)
	v.SetDefault("agent.tool_result_max_tokens", 8000)
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.data_dir", "~/.talon")

	// Environment
	v.SetEnvPrefix("TALON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, talonerr.Errorf(talonerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, talonerr.Errorf(talonerr.CodeConfigLoadReadFailure, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, talonerr.Errorf(talonerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	dataDir, err := expandHome(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.Storage.DataDir = dataDir

	return &cfg, nil
}

// expandHome resolves a leading "~/" against the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", talonerr.Errorf(talonerr.CodeConfigLoadReadFailure, "resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Validate checks the configuration for logical errors. It collects all
// issues rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateModels()...)
	errs = append(errs, c.validateRouter()...)
	errs = append(errs, c.validateAutonomy()...)
	errs = append(errs, c.validateBudget()...)
	errs = append(errs, c.validateAgent()...)
	errs = append(errs, c.validateStorage()...)

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, invalid("config: server.listen must not be empty"))
		return errs
	}
	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		errs = append(errs, invalid("config: server.listen must be a valid host:port address, got %q: %v", c.Server.Listen, err))
		return errs
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, invalid("config: server.listen port must be a number, got %q", portStr))
	} else if port < 1 || port > 65535 {
		errs = append(errs, invalid("config: server.listen port must be between 1 and 65535, got %d", port))
	}

	return errs
}

func (c *Config) validateModels() []error {
	var errs []error

	errs = append(errs, c.validateModelRef("models.default", c.Models.Default, true)...)
	if c.Models.Fallback != "" {
		errs = append(errs, c.validateModelRef("models.fallback", c.Models.Fallback, false)...)
	}

	return errs
}

func (c *Config) validateModelRef(key, ref string, required bool) []error {
	var errs []error

	if ref == "" {
		if required {
			errs = append(errs, invalid("config: %s must not be empty", key))
		}
		return errs
	}
	if !strings.Contains(ref, "/") {
		errs = append(errs, invalid("config: %s must be in \"provider/model\" format, got %q", key, ref))
		return errs
	}
	// Only cross-reference providers when the providers section exists in
	// config. A nil map means defaults only, which is valid.
	if c.Providers != nil {
		providerName := ref[:strings.Index(ref, "/")]
		if _, ok := c.Providers[providerName]; !ok {
			errs = append(errs, invalid("config: %s %q references provider %q which is not configured", key, ref, providerName))
		}
	}

	return errs
}

func (c *Config) validateRouter() []error {
	var errs []error

	if c.Router.MaxRetries < 0 {
		errs = append(errs, invalid("config: router.max_retries must not be negative, got %d", c.Router.MaxRetries))
	}
	if c.Router.BackoffSeconds < 1 {
		errs = append(errs, invalid("config: router.backoff_seconds must be at least 1, got %d", c.Router.BackoffSeconds))
	}
	if c.Router.FailureThreshold < 1 {
		errs = append(errs, invalid("config: router.failure_threshold must be at least 1, got %d", c.Router.FailureThreshold))
	}
	if c.Router.CooloffSeconds < 1 {
		errs = append(errs, invalid("config: router.cooloff_seconds must be at least 1, got %d", c.Router.CooloffSeconds))
	}

	return errs
}

func (c *Config) validateAutonomy() []error {
	var errs []error

	if c.Autonomy.Level < 0 || c.Autonomy.Level > 4 {
		errs = append(errs, invalid("config: autonomy.level must be between 0 and 4, got %d", c.Autonomy.Level))
	}
	if c.Autonomy.ApprovalTimeoutSeconds < 1 {
		errs = append(errs, invalid("config: autonomy.approval_timeout_seconds must be at least 1, got %d", c.Autonomy.ApprovalTimeoutSeconds))
	}

	return errs
}

func (c *Config) validateBudget() []error {
	var errs []error

	if c.Budget.DailyLimitUSD <= 0 {
		errs = append(errs, invalid("config: budget.daily_limit_usd must be positive, got %v", c.Budget.DailyLimitUSD))
	}
	if c.Budget.MaxToolCallsPerLoop < 1 {
		errs = append(errs, invalid("config: budget.max_tool_calls_per_loop must be at least 1, got %d", c.Budget.MaxToolCallsPerLoop))
	}

	return errs
}

func (c *Config) validateAgent() []error {
	var errs []error

	if c.Agent.MaxIterations < 1 {
		errs = append(errs, invalid("config: agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.TurnTimeoutSeconds < 1 {
		errs = append(errs, invalid("config: agent.turn_timeout_seconds must be at least 1, got %d", c.Agent.TurnTimeoutSeconds))
	}
	if c.Agent.MaxTokens < 1 {
		errs = append(errs, invalid("config: agent.max_tokens must be at least 1, got %d", c.Agent.MaxTokens))
	}
	if c.Agent.FallbackAfterFailures < 1 {
		errs = append(errs, invalid("config: agent.fallback_after_failures must be at least 1, got %d", c.Agent.FallbackAfterFailures))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	validBackends := map[string]bool{"sqlite": true, "memory": true}
	if !validBackends[c.Storage.Backend] {
		errs = append(errs, invalid("config: storage.backend must be one of [sqlite, memory], got %q", c.Storage.Backend))
	}

	return errs
}

func invalid(format string, args ...any) error {
	return talonerr.Errorf(talonerr.CodeConfigValidateInvalidValue, format, args...)
}
