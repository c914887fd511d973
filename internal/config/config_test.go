// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talon-dev/talon/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:18990", cfg.Server.Listen)
	assert.Equal(t, "anthropic/claude-sonnet-4-5", cfg.Models.Default)
	assert.Equal(t, 3, cfg.Router.MaxRetries)
	assert.Equal(t, 5, cfg.Router.FailureThreshold)
	assert.Equal(t, 60, cfg.Router.CooloffSeconds)
	assert.Equal(t, 1, cfg.Autonomy.Level)
	assert.Equal(t, 120, cfg.Autonomy.ApprovalTimeoutSeconds)
	assert.InDelta(t, 25.00, cfg.Budget.DailyLimitUSD, 1e-9)
	assert.Equal(t, 30, cfg.Budget.MaxToolCallsPerLoop)
	assert.Equal(t, 20, cfg.Agent.MaxIterations)
	assert.Equal(t, 300, cfg.Agent.TurnTimeoutSeconds)
	assert.True(t, cfg.Agent.LazyStopDetection)
	assert.Equal(t, 8000, cfg.Agent.ToolResultMaxTokens)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)

	// the ~/.talon default comes back as an absolute path
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".talon"), cfg.Storage.DataDir)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "talon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: "0.0.0.0:9000"
models:
  default: "openai/gpt-4o"
  fallback: "anthropic/claude-haiku-4-5"
autonomy:
  level: 3
  denylist: ["shell_exec"]
budget:
  daily_limit_usd: 5.50
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "openai/gpt-4o", cfg.Models.Default)
	assert.Equal(t, "anthropic/claude-haiku-4-5", cfg.Models.Fallback)
	assert.Equal(t, 3, cfg.Autonomy.Level)
	assert.Equal(t, []string{"shell_exec"}, cfg.Autonomy.Denylist)
	assert.InDelta(t, 5.50, cfg.Budget.DailyLimitUSD, 1e-9)

	// Unset keys keep their defaults.
	assert.Equal(t, 20, cfg.Agent.MaxIterations)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TALON_AUTONOMY_LEVEL", "4")
	t.Setenv("TALON_BUDGET_DAILY_LIMIT_USD", "99.5")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Autonomy.Level)
	assert.InDelta(t, 99.5, cfg.Budget.DailyLimitUSD, 1e-9)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Server.Listen = "not-an-address"
	cfg.Models.Default = "no-slash"
	cfg.Autonomy.Level = 9
	cfg.Budget.DailyLimitUSD = -1

	errs := cfg.Validate()
	assert.GreaterOrEqual(t, len(errs), 4)
}

func TestValidateModelRefCrossReference(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	// With a providers section present, refs must point at a configured one.
	cfg.Providers = map[string]config.ProviderConfig{
		"anthropic": {APIKey: "k"},
	}
	cfg.Models.Default = "openai/gpt-4o"

	errs := cfg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "not configured")
}
