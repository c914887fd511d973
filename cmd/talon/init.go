// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	talonerr "github.com/talon-dev/talon/pkg/errors"
)

// configTemplate mirrors config.Config with yaml tags so the generated
// file round-trips through config.Load unchanged.
type configTemplate struct {
	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`
	Providers map[string]struct {
		APIKey string `yaml:"api_key"`
	} `yaml:"providers"`
	Models struct {
		Default  string `yaml:"default"`
		Fallback string `yaml:"fallback"`
	} `yaml:"models"`
	Autonomy struct {
		Level                  int      `yaml:"level"`
		Denylist               []string `yaml:"denylist"`
		ApprovalTimeoutSeconds int      `yaml:"approval_timeout_seconds"`
	} `yaml:"autonomy"`
	Budget struct {
		DailyLimitUSD       float64 `yaml:"daily_limit_usd"`
		MaxToolCallsPerLoop int     `yaml:"max_tool_calls_per_loop"`
	} `yaml:"budget"`
	Storage struct {
		Backend string `yaml:"backend"`
		DataDir string `yaml:"data_dir"`
	} `yaml:"storage"`
}

// GenerateConfigYAML produces a starter talon.yaml. API keys are left as
// environment references so the file itself carries no secrets.
func GenerateConfigYAML(provider string) (string, error) {
	var t configTemplate
	t.Server.Listen = "127.0.0.1:18990"
	t.Providers = map[string]struct {
		APIKey string `yaml:"api_key"`
	}{
		provider: {APIKey: fmt.Sprintf("${TALON_PROVIDERS_%s_API_KEY}", envSegment(provider))},
	}
	t.Models.Default = defaultModelForProvider(provider)
	t.Models.Fallback = ""
	t.Autonomy.Level = 1
	t.Autonomy.Denylist = []string{"shell_exec:rm -rf*"}
	t.Autonomy.ApprovalTimeoutSeconds = 120
	t.Budget.DailyLimitUSD = 25.00
	t.Budget.MaxToolCallsPerLoop = 30
	t.Storage.Backend = "sqlite"
	t.Storage.DataDir = "~/.talon"

	body, err := yaml.Marshal(&t)
	if err != nil {
		return "", talonerr.Errorf(talonerr.CodeConfigLoadReadFailure, "rendering config template: %w", err)
	}
	header := "# Talon configuration, generated by talon init\n# https://github.com/talon-dev/talon\n\n"
	return header + string(body), nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "openai":
		return "openai/gpt-4o"
	default:
		return "anthropic/claude-sonnet-4-5"
	}
}

func envSegment(provider string) string {
	out := make([]rune, 0, len(provider))
	for _, r := range provider {
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", talonerr.Errorf(talonerr.CodeConfigLoadReadFailure, "resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "talon", "talon.yaml"), nil
}

func newInitCmd() *cobra.Command {
	var (
		provider string
		output   string
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := output
			if path == "" {
				var err error
				path, err = defaultConfigPath()
				if err != nil {
					return err
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return talonerr.Errorf(talonerr.CodeConfigLoadReadFailure, "%s already exists; use --force to overwrite", path)
			}

			body, err := GenerateConfigYAML(provider)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return talonerr.Errorf(talonerr.CodeConfigLoadReadFailure, "creating config directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				return talonerr.Errorf(talonerr.CodeConfigLoadReadFailure, "writing %s: %w", path, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "set TALON_PROVIDERS_%s_API_KEY and run `talon start`\n", envSegment(provider))
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "anthropic", "model provider to configure (anthropic or openai)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "config file path (default ~/.config/talon/talon.yaml)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
