// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package provider

import (
	"context"
)

// Provider is the core interface for model providers.
type Provider interface {
	Name() string
	ListModels(ctx context.Context) ([]ModelInfo, error)
	// Complete performs a single non-streaming model call.
	Complete(ctx context.Context, req ChatRequest) (*Response, error)
	// Chat performs a streaming model call. The returned channel is closed
	// after the final Done or Error event.
	Chat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error)
	Close() error
}

// ChatRequest represents a request to the model.
type ChatRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolDefinition
	SystemPrompt string
	Options      ChatOptions
}

// ChatOptions contains model call configuration.
type ChatOptions struct {
	Temperature   float32
	MaxTokens     int
	StopSequences []string
	Stream        bool
}

// Message represents a conversation message.
type Message struct {
	Role       MessageRole
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
	IsError    bool
}

// MessageRole defines the role of a message sender.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// ToolDefinition describes a tool available to the agent.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// StopReason classifies why a model response ended.
type StopReason string

const (
	// StopCompleted means the model finished its turn normally.
	StopCompleted StopReason = "completed"
	// StopTruncatedByLength means the output was cut off at the token limit.
	StopTruncatedByLength StopReason = "truncated_by_length"
	// StopToolUseRequested means the model wants one or more tools executed.
	StopToolUseRequested StopReason = "tool_use_requested"
	// StopProviderError means the provider failed mid-response.
	StopProviderError StopReason = "provider_error"
)

// Response is the result of a completed model call.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason StopReason
}

// ChatEvent is a streaming response event.
type ChatEvent struct {
	Type       EventType
	Text       string
	ToolCall   *ToolCall
	Usage      *Usage
	StopReason StopReason
	Error      string
}

// EventType defines the type of chat event.
type EventType string

const (
	EventTypeTextDelta EventType = "text_delta"
	EventTypeToolCall  EventType = "tool_call"
	EventTypeUsage     EventType = "usage"
	EventTypeDone      EventType = "done"
	EventTypeError     EventType = "error"
)

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// Usage tracks token consumption and its estimated cost.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	// EstimatedCostUSD is computed from the per-model rate table.
	EstimatedCostUSD float64
}

// Merge accumulates another usage sample into u.
func (u *Usage) Merge(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.EstimatedCostUSD += other.EstimatedCostUSD
}

// ModelInfo describes a model's capabilities.
type ModelInfo struct {
	ID           string
	Name         string
	Provider     string
	Capabilities ModelCapabilities
}

// ModelCapabilities declares what a model supports.
type ModelCapabilities struct {
	SupportsTools     bool
	SupportsVision    bool
	SupportsStreaming bool
	MaxContextTokens  int
	MaxOutputTokens   int
}

// SpendRecorder receives the estimated cost of every completed model call.
// Implemented by the autonomy budget tracker.
type SpendRecorder interface {
	RecordSpend(usd float64) error
}
