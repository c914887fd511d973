// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package agent

// EventKind identifies a loop stream event.
type EventKind string

const (
	// EventSessionAssigned is always the first event of a run and
	// carries the session id the run is bound to.
	EventSessionAssigned EventKind = "session_assigned"
	EventTextDelta       EventKind = "text_delta"
	EventToolCallStarted EventKind = "tool_call_started"
	EventToolResult      EventKind = "tool_result"
	// EventApprovalRequired is emitted when a tool call escalates; the
	// loop suspends on the named approval until it is resolved.
	EventApprovalRequired EventKind = "approval_required"
	EventUsage            EventKind = "usage"
	// EventDone terminates the stream on success. Exactly one of
	// EventDone or EventError ends every run.
	EventDone  EventKind = "done"
	EventError EventKind = "error"
)

// Event is one entry in the ordered stream a run emits. Fields beyond
// Kind and SessionID are populated per kind.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`

	// Text carries text_delta content.
	Text string `json:"text,omitempty"`

	// Tool call fields (tool_call_started, tool_result).
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolArgs   string `json:"tool_args,omitempty"`
	Content    string `json:"content,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	// Approval fields (approval_required).
	ApprovalID string `json:"approval_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RiskLevel  int    `json:"risk_level,omitempty"`

	// Usage fields (usage).
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`

	// Error message (error).
	Error string `json:"error,omitempty"`
}
