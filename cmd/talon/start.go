// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/talon-dev/talon/internal/agent"
	"github.com/talon-dev/talon/internal/autonomy"
	"github.com/talon-dev/talon/internal/config"
	"github.com/talon-dev/talon/internal/provider"
	"github.com/talon-dev/talon/internal/provider/anthropic"
	"github.com/talon-dev/talon/internal/provider/openai"
	"github.com/talon-dev/talon/internal/server"
	"github.com/talon-dev/talon/internal/store"
	_ "github.com/talon-dev/talon/internal/store/sqlite"
	"github.com/talon-dev/talon/internal/tools"
	talonerr "github.com/talon-dev/talon/pkg/errors"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the talon gateway",
		Long:  "Load configuration, initialize all subsystems, and start the HTTP server.",
		RunE:  runStart,
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")
	cmd.Flags().String("workspace", "", "workspace root for file tools (default: current directory)")

	return cmd
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return talonerr.Wrapf(err, talonerr.CodeConfigLoadReadFailure, "creating data dir %s", cfg.Storage.DataDir)
	}
	stores, err := store.New(cfg.Storage.Backend, cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			slog.Warn("closing stores", "error", err)
		}
	}()

	sessions := agent.NewSessionManager(stores.Sessions)
	if _, err := sessions.CleanupEmpty(ctx); err != nil {
		slog.Warn("session cleanup failed", "error", err)
	}

	budget := autonomy.NewBudgetTracker(cfg.Budget.DailyLimitUSD, cfg.Budget.MaxToolCallsPerLoop)

	router := provider.NewRouter(provider.RouterConfig{
		MaxRetries:       cfg.Router.MaxRetries,
		BackoffBase:      time.Duration(cfg.Router.BackoffSeconds) * time.Second,
		FailureThreshold: cfg.Router.FailureThreshold,
		OpenDuration:     time.Duration(cfg.Router.CooloffSeconds) * time.Second,
		Spend:            budget,
	})
	defer func() {
		if err := router.Close(); err != nil {
			slog.Warn("closing providers", "error", err)
		}
	}()
	if err := registerProviders(router, cfg); err != nil {
		return err
	}

	guardrails := autonomy.NewEngine()
	guardrails.SetAllowlist(cfg.Autonomy.Allowlist)
	guardrails.SetDenylist(cfg.Autonomy.Denylist)

	gate := autonomy.NewGate(time.Duration(cfg.Autonomy.ApprovalTimeoutSeconds) * time.Second)

	catalog := agent.NewCatalog()
	workspace, _ := cmd.Flags().GetString("workspace")
	if err := tools.RegisterBuiltins(catalog, workspace); err != nil {
		return err
	}

	var detector agent.StopDetector
	if !cfg.Agent.LazyStopDetection {
		detector = agent.Disabled{}
	}

	loop, err := agent.NewLoop(agent.Deps{
		Model:      router,
		Sessions:   sessions,
		Tools:      catalog,
		Guardrails: guardrails,
		Budget:     budget,
		Approvals:  gate,
		Memory:     agent.NewStoreMemory(stores.Memory, cfg.Agent.MemoryRecall),
		Audit:      stores.Audit,
		Detector:   detector,
	}, agent.Config{
		DefaultModel:          cfg.Models.Default,
		FallbackModel:         cfg.Models.Fallback,
		SystemPrompt:          cfg.Agent.SystemPrompt,
		MaxIterations:         cfg.Agent.MaxIterations,
		TurnTimeout:           time.Duration(cfg.Agent.TurnTimeoutSeconds) * time.Second,
		MaxTokens:             cfg.Agent.MaxTokens,
		ToolResultMaxTokens:   cfg.Agent.ToolResultMaxTokens,
		FallbackAfterFailures: cfg.Agent.FallbackAfterFailures,
		AutonomyLevel:         autonomy.LevelFromInt(cfg.Autonomy.Level),
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{ListenAddr: cfg.Server.Listen}, &server.Services{
		Runner:    loop,
		Sessions:  sessions,
		Approvals: gate,
		Budget:    budget,
		Providers: router,
	})
	if err != nil {
		return err
	}

	slog.Info("starting talon gateway",
		"listen", cfg.Server.Listen,
		"model", cfg.Models.Default,
		"autonomy", autonomy.LevelFromInt(cfg.Autonomy.Level).String(),
		"backend", cfg.Storage.Backend)
	return srv.Start(ctx)
}

// registerProviders wires every configured provider into the router.
func registerProviders(router *provider.Router, cfg *config.Config) error {
	for name, pc := range cfg.Providers {
		var (
			p   provider.Provider
			err error
		)
		switch name {
		case "anthropic":
			p, err = anthropic.New(anthropic.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint})
		case "openai":
			p, err = openai.New(openai.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint})
		default:
			return talonerr.Errorf(talonerr.CodeProviderNotFound, "unknown provider %q in config", name)
		}
		if err != nil {
			return err
		}
		if err := router.Register(name, p); err != nil {
			return err
		}
	}
	return nil
}
