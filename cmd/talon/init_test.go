// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talon-dev/talon/internal/config"
)

func TestGenerateConfigYAML(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		contains []string
	}{
		{
			name:     "anthropic",
			provider: "anthropic",
			contains: []string{
				"anthropic/claude-sonnet-4-5",
				"${TALON_PROVIDERS_ANTHROPIC_API_KEY}",
				"daily_limit_usd: 25",
				"backend: sqlite",
			},
		},
		{
			name:     "openai",
			provider: "openai",
			contains: []string{
				"openai/gpt-4o",
				"${TALON_PROVIDERS_OPENAI_API_KEY}",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := GenerateConfigYAML(tt.provider)
			require.NoError(t, err)
			for _, want := range tt.contains {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestInitCommand_WritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "talon.yaml")

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"init", "--output", path})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet-4-5", cfg.Models.Default)
	assert.Equal(t, 25.00, cfg.Budget.DailyLimitUSD)
}

func TestInitCommand_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "talon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \"127.0.0.1:1\"\n"), 0o600))

	root := NewRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetArgs([]string{"init", "--output", path})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	root = NewRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetArgs([]string{"init", "--output", path, "--force"})
	require.NoError(t, root.Execute())
}
