// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/talon-dev/talon/internal/autonomy"
	"github.com/talon-dev/talon/internal/provider"
	talonerr "github.com/talon-dev/talon/pkg/errors"
)

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Content string
	IsError bool
}

// HandlerFunc executes a tool. argsJSON is the raw argument object the
// model produced.
type HandlerFunc func(ctx context.Context, argsJSON string) (ToolResult, error)

// ToolSpec declares a tool: its model-facing definition plus the risk
// profile guardrails evaluate against.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
	// RiskLevel is 0-10; Mutating marks tools with external side effects.
	RiskLevel int
	Mutating  bool
	Handler   HandlerFunc
}

// Dispatcher resolves and executes tool calls on behalf of the loop.
type Dispatcher interface {
	// Definitions lists the tools offered to the model.
	Definitions() []provider.ToolDefinition
	// Profile returns the guardrail profile for a tool. Unknown tools
	// get a conservative default: mutating, risk 5.
	Profile(name string) autonomy.ToolProfile
	// Execute runs the named tool. A missing tool or handler failure
	// surfaces as an error-flagged result, not an error return; error
	// returns are reserved for context cancellation.
	Execute(ctx context.Context, name, argsJSON string) (ToolResult, error)
}

// Catalog is a registry-backed Dispatcher.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]ToolSpec
}

// NewCatalog creates an empty tool catalog.
func NewCatalog() *Catalog {
	return &Catalog{specs: make(map[string]ToolSpec)}
}

// Register adds a tool. Re-registering a name replaces it.
func (c *Catalog) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return talonerr.New(talonerr.CodeAgentToolDispatchFailed, "tool spec has no name")
	}
	if spec.Handler == nil {
		return talonerr.New(talonerr.CodeAgentToolDispatchFailed,
			"tool has no handler", talonerr.FieldTool(spec.Name))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs[spec.Name] = spec
	return nil
}

func (c *Catalog) Definitions() []provider.ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	defs := make([]provider.ToolDefinition, 0, len(c.specs))
	for _, spec := range c.specs {
		defs = append(defs, provider.ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (c *Catalog) Profile(name string) autonomy.ToolProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.specs[name]; ok {
		return autonomy.ToolProfile{Name: spec.Name, RiskLevel: spec.RiskLevel, Mutating: spec.Mutating}
	}
	// Unknown tools are treated as moderately risky and mutating.
	return autonomy.ToolProfile{Name: name, RiskLevel: 5, Mutating: true}
}

func (c *Catalog) Execute(ctx context.Context, name, argsJSON string) (ToolResult, error) {
	c.mu.RLock()
	spec, ok := c.specs[name]
	c.mu.RUnlock()
	if !ok {
		return ToolResult{
			Content: fmt.Sprintf("unknown tool: %s", name),
			IsError: true,
		}, nil
	}
	if err := ctx.Err(); err != nil {
		return ToolResult{}, err
	}
	res, err := spec.Handler(ctx, argsJSON)
	if err != nil {
		if ctx.Err() != nil {
			return ToolResult{}, ctx.Err()
		}
		return ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return res, nil
}

var _ Dispatcher = (*Catalog)(nil)

// truncateToolResult bounds a tool result to roughly maxTokens (at 4
// chars per token), keeping the head and tail where errors and final
// output usually live.
func truncateToolResult(content string, maxTokens int) string {
	if maxTokens <= 0 {
		return content
	}
	maxChars := maxTokens * 4
	if len(content) <= maxChars {
		return content
	}

	headLen := maxChars * 60 / 100
	tailLen := maxChars * 20 / 100
	head := content[:headLen]
	tail := content[len(content)-tailLen:]
	omittedChars := len(content) - headLen - tailLen
	omittedTokens := omittedChars / 4

	return fmt.Sprintf("%s\n\n[... truncated %d tokens (%d chars) to fit context window ...]\n\n%s",
		head, omittedTokens, omittedChars, tail)
}
