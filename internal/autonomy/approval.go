// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package autonomy

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	talonerr "github.com/talon-dev/talon/pkg/errors"
)

// DefaultApprovalTimeout bounds how long a suspended tool call waits for
// a human decision before resolving to TimedOut.
const DefaultApprovalTimeout = 120 * time.Second

// ApprovalStatus is the lifecycle state of a pending approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalTimedOut ApprovalStatus = "timed_out"
)

// Approval is a request for a human decision on a proposed tool call.
// It lives only for the duration of one suspended tool call and is
// resolved exactly once.
type Approval struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	ToolName  string         `json:"tool_name"`
	ToolArgs  map[string]any `json:"tool_args"`
	Reason    string         `json:"reason"`
	RiskLevel int            `json:"risk_level"`
	Status    ApprovalStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

type pendingApproval struct {
	record Approval
	done   chan ApprovalStatus
}

// Gate converts a RequireApproval verdict into a suspend/resume point.
// The agent loop calls Request then Await while holding only its own
// session lock; any external actor holding the id resolves it via
// Approve or Deny, possibly from another process through the API.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	timeout time.Duration
}

// NewGate creates a Gate. A non-positive timeout selects the default.
func NewGate(timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &Gate{
		pending: make(map[string]*pendingApproval),
		timeout: timeout,
	}
}

// Request registers a pending approval and returns its record. The
// caller emits the id to its channel, then blocks in Await.
func (g *Gate) Request(sessionID, toolName string, toolArgs map[string]any, reason string, riskLevel int) Approval {
	record := Approval{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ToolName:  toolName,
		ToolArgs:  toolArgs,
		Reason:    reason,
		RiskLevel: riskLevel,
		Status:    ApprovalPending,
		CreatedAt: time.Now().UTC(),
	}

	g.mu.Lock()
	g.pending[record.ID] = &pendingApproval{
		record: record,
		done:   make(chan ApprovalStatus, 1),
	}
	g.mu.Unlock()

	slog.Info("requesting human approval",
		"approval_id", record.ID, "tool", toolName, "risk", riskLevel)
	return record
}

// Await blocks until the approval is resolved or its timeout elapses.
// A timeout resolves the record to TimedOut; context cancellation aborts
// the wait and discards the record.
func (g *Gate) Await(ctx context.Context, id string) (ApprovalStatus, error) {
	g.mu.Lock()
	p, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		return "", talonerr.New(
			talonerr.CodeApprovalNotFound,
			"approval not found: "+id,
		)
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case status := <-p.done:
		g.remove(id)
		return status, nil
	case <-timer.C:
		// A resolver may land between the timer firing and this branch
		// taking the lock. resolve already returned success to that
		// caller, so its answer wins over the timeout.
		status := g.expire(id)
		if status == ApprovalTimedOut {
			slog.Info("approval request timed out", "approval_id", id)
		}
		return status, nil
	case <-ctx.Done():
		g.remove(id)
		return "", ctx.Err()
	}
}

// Approve resolves a pending approval positively.
func (g *Gate) Approve(id string) error {
	return g.resolve(id, ApprovalApproved)
}

// Deny resolves a pending approval negatively.
func (g *Gate) Deny(id string) error {
	return g.resolve(id, ApprovalDenied)
}

// Get returns a pending approval by id.
func (g *Gate) Get(id string) (Approval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return Approval{}, talonerr.New(
			talonerr.CodeApprovalNotFound,
			"approval not found: "+id,
		)
	}
	return p.record, nil
}

// List returns all pending approvals ordered by creation time.
func (g *Gate) List() []Approval {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Approval, 0, len(g.pending))
	for _, p := range g.pending {
		if p.record.Status == ApprovalPending {
			out = append(out, p.record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (g *Gate) resolve(id string, status ApprovalStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[id]
	if !ok {
		return talonerr.New(
			talonerr.CodeApprovalNotFound,
			"approval not found: "+id,
		)
	}
	if p.record.Status != ApprovalPending {
		return talonerr.New(
			talonerr.CodeApprovalAlreadyClosed,
			"approval already resolved: "+id,
		)
	}

	p.record.Status = status
	p.done <- status
	slog.Info("approval resolved", "approval_id", id, "status", status)
	return nil
}

// expire closes a record as timed out unless a resolver already closed
// it, removes it, and reports the final status.
func (g *Gate) expire(id string) ApprovalStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return ApprovalTimedOut
	}
	if p.record.Status == ApprovalPending {
		p.record.Status = ApprovalTimedOut
	}
	delete(g.pending, id)
	return p.record.Status
}

func (g *Gate) remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, id)
}
