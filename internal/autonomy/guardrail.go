// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package autonomy

import (
	"fmt"
	"log/slog"
	"strings"
)

// ToolProfile is the guardrail-relevant description of a tool: its name,
// declared risk on a 0-10 scale, and whether it mutates external state.
type ToolProfile struct {
	Name      string
	RiskLevel int
	Mutating  bool
}

// Decision classifies a proposed tool call.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionDeny            Decision = "deny"
	DecisionRequireApproval Decision = "require_approval"
)

// Verdict is the outcome of guardrail evaluation. It is computed fresh
// for every proposed tool call and never persisted.
type Verdict struct {
	Decision  Decision
	Reason    string
	RiskLevel int
	// Rule names the guardrail that produced a non-allow verdict.
	Rule string
}

// Allow is the zero-reason approval verdict.
func Allow() Verdict { return Verdict{Decision: DecisionAllow} }

// Rule is a single guardrail. Rules either approve a call or return a
// deny/escalate verdict with a reason.
type Rule interface {
	Name() string
	Evaluate(tool ToolProfile, args map[string]any, level Level) Verdict
}

// Engine applies registered rules plus allow/deny lists to tool calls.
// A denylist hit always wins; an allowlist hit skips rule evaluation.
type Engine struct {
	rules     []Rule
	allowlist map[string]struct{}
	denylist  map[string]struct{}
}

// NewEngine creates an Engine with the built-in rules registered.
func NewEngine() *Engine {
	e := &Engine{
		allowlist: make(map[string]struct{}),
		denylist:  make(map[string]struct{}),
	}
	e.AddRule(riskLevelRule{})
	e.AddRule(destructiveActionRule{maxDeletes: 5})
	e.AddRule(networkExfiltrationRule{})
	return e
}

// AddRule appends a rule. Rules run in registration order and the first
// non-allow verdict wins.
func (e *Engine) AddRule(r Rule) {
	e.rules = append(e.rules, r)
}

// SetAllowlist replaces the set of always-approved tool names.
func (e *Engine) SetAllowlist(names []string) {
	e.allowlist = make(map[string]struct{}, len(names))
	for _, n := range names {
		e.allowlist[n] = struct{}{}
	}
}

// SetDenylist replaces the set of always-denied tool names.
func (e *Engine) SetDenylist(names []string) {
	e.denylist = make(map[string]struct{}, len(names))
	for _, n := range names {
		e.denylist[n] = struct{}{}
	}
}

// Evaluate classifies a proposed tool call under the given autonomy level.
func (e *Engine) Evaluate(tool ToolProfile, args map[string]any, level Level) Verdict {
	if _, ok := e.denylist[tool.Name]; ok {
		slog.Warn("tool is on denylist", "tool", tool.Name)
		return Verdict{
			Decision: DecisionDeny,
			Reason:   fmt.Sprintf("tool %q is on the denylist", tool.Name),
			Rule:     "denylist",
		}
	}

	if _, ok := e.allowlist[tool.Name]; ok {
		return Allow()
	}

	for _, rule := range e.rules {
		verdict := rule.Evaluate(tool, args, level)
		switch verdict.Decision {
		case DecisionAllow:
			continue
		case DecisionDeny:
			slog.Info("guardrail denied action", "rule", rule.Name(), "tool", tool.Name)
			verdict.Rule = rule.Name()
			return verdict
		case DecisionRequireApproval:
			slog.Info("guardrail escalated action for approval", "rule", rule.Name(), "tool", tool.Name)
			verdict.Rule = rule.Name()
			return verdict
		}
	}

	return Allow()
}

// riskLevelRule checks a tool's declared risk against the autonomy
// level's auto-approve threshold.
type riskLevelRule struct{}

func (riskLevelRule) Name() string { return "risk_level" }

func (riskLevelRule) Evaluate(tool ToolProfile, _ map[string]any, level Level) Verdict {
	threshold := level.AutoApproveThreshold()
	if tool.RiskLevel > threshold {
		return Verdict{
			Decision: DecisionRequireApproval,
			Reason: fmt.Sprintf("tool %q has risk level %d which exceeds threshold %d for %s",
				tool.Name, tool.RiskLevel, threshold, level),
			RiskLevel: tool.RiskLevel,
		}
	}
	return Allow()
}

// destructiveActionRule prevents mass file deletion and escalates single
// deletes at low autonomy levels.
type destructiveActionRule struct {
	maxDeletes int
}

func (destructiveActionRule) Name() string { return "destructive_action" }

func (r destructiveActionRule) Evaluate(tool ToolProfile, args map[string]any, level Level) Verdict {
	name := tool.Name
	isDelete := strings.Contains(name, "delete") || strings.Contains(name, "remove") || strings.Contains(name, "rm")
	if !isDelete && !tool.Mutating {
		return Allow()
	}

	if isDelete {
		if paths, ok := args["paths"].([]any); ok && len(paths) > r.maxDeletes {
			return Verdict{
				Decision: DecisionDeny,
				Reason: fmt.Sprintf("attempting to delete %d files, max allowed is %d",
					len(paths), r.maxDeletes),
				RiskLevel: tool.RiskLevel,
			}
		}
		// Single deletes at lower autonomy levels need approval.
		if level < LevelSupervised {
			return Verdict{
				Decision:  DecisionRequireApproval,
				Reason:    "delete operation requires approval",
				RiskLevel: tool.RiskLevel,
			}
		}
	}
	return Allow()
}

// networkExfiltrationRule detects shell commands that pipe local data to
// a network upload.
type networkExfiltrationRule struct{}

func (networkExfiltrationRule) Name() string { return "network_exfiltration" }

func (networkExfiltrationRule) Evaluate(tool ToolProfile, args map[string]any, _ Level) Verdict {
	if tool.Name != "shell_exec" && tool.Name != "system_run" {
		return Allow()
	}
	cmd, ok := args["command"].(string)
	if !ok {
		return Allow()
	}

	suspicious := (strings.Contains(cmd, "curl") &&
		(strings.Contains(cmd, "cat ") || strings.Contains(cmd, "< /"))) ||
		(strings.Contains(cmd, "wget") && strings.Contains(cmd, "--post-file"))
	if suspicious {
		return Verdict{
			Decision:  DecisionRequireApproval,
			Reason:    "command may be exfiltrating data via network",
			RiskLevel: tool.RiskLevel,
		}
	}
	return Allow()
}
