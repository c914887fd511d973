// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package store

import "time"

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusClosed SessionStatus = "closed"
)

// Session is one conversation. Channel and Target identify where the
// conversation arrived from (e.g. channel "api", target a client id);
// both may be empty until the first routed message backfills them.
type Session struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	Channel      string        `json:"channel,omitempty"`
	Target       string        `json:"target,omitempty"`
	Status       SessionStatus `json:"status"`
	MessageCount int           `json:"message_count"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// MessageRole identifies the sender of a message in a session.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// Message is one transcript entry.
type Message struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	// ToolCalls holds the JSON-encoded tool invocations an assistant
	// message requested, so transcripts replay with pairing intact.
	ToolCalls  string      `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	IsError    bool        `json:"is_error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// MemoryEntry is a remembered fact scoped to a session, written at loop
// end and recalled at loop start.
type MemoryEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry records one guardrail decision about a proposed tool call.
type AuditEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ToolName  string    `json:"tool_name"`
	Decision  string    `json:"decision"`
	Rule      string    `json:"rule,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListOpts bounds list queries.
type ListOpts struct {
	Limit  int
	Offset int
}
