// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/talon-dev/talon/internal/autonomy"
	"github.com/talon-dev/talon/internal/store"
	talonerr "github.com/talon-dev/talon/pkg/errors"
	"github.com/talon-dev/talon/pkg/health"
)

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check with provider circuit state",
		Tags:        []string{"system"},
	}, s.handleHealth)

	// Session endpoints
	huma.Register(s.api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions",
		Summary:     "List sessions",
		Tags:        []string{"sessions"},
	}, s.handleListSessions)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Get session with transcript",
		Tags:        []string{"sessions"},
	}, s.handleGetSession)

	// Approval endpoints: pending approvals are resolvable from any
	// process that can reach the API, not only the one running the loop.
	huma.Register(s.api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/api/v1/approvals",
		Summary:     "List pending approvals",
		Tags:        []string{"approvals"},
	}, s.handleListApprovals)

	huma.Register(s.api, huma.Operation{
		OperationID: "approve-approval",
		Method:      http.MethodPost,
		Path:        "/api/v1/approvals/{id}/approve",
		Summary:     "Approve a pending tool call",
		Tags:        []string{"approvals"},
	}, s.handleApprove)

	huma.Register(s.api, huma.Operation{
		OperationID: "deny-approval",
		Method:      http.MethodPost,
		Path:        "/api/v1/approvals/{id}/deny",
		Summary:     "Deny a pending tool call",
		Tags:        []string{"approvals"},
	}, s.handleDeny)

	// Budget endpoint
	huma.Register(s.api, huma.Operation{
		OperationID: "budget-status",
		Method:      http.MethodGet,
		Path:        "/api/v1/budget",
		Summary:     "Current budget state",
		Tags:        []string{"system"},
	}, s.handleBudget)
}

// --- Request/Response types for huma ---

type healthOutput struct {
	Body struct {
		Status    string                    `json:"status" example:"ok" doc:"Gateway status"`
		Providers map[string]health.Metrics `json:"providers,omitempty" doc:"Per-provider circuit metrics"`
	}
}

type listSessionsInput struct {
	Limit  int `query:"limit" minimum:"0" doc:"Max sessions to return"`
	Offset int `query:"offset" minimum:"0" doc:"Sessions to skip"`
}
type listSessionsOutput struct {
	Body struct {
		Sessions []*store.Session `json:"sessions"`
	}
}

type getSessionInput struct {
	ID string `path:"id"`
}
type getSessionOutput struct {
	Body struct {
		Session  *store.Session   `json:"session"`
		Messages []*store.Message `json:"messages"`
	}
}

type listApprovalsOutput struct {
	Body struct {
		Approvals []autonomy.Approval `json:"approvals"`
	}
}

type approvalIDInput struct {
	ID string `path:"id"`
}
type resolveApprovalOutput struct {
	Body struct {
		Status string `json:"status" doc:"Resulting approval status"`
	}
}

type budgetOutput struct {
	Body autonomy.BudgetState
}

// --- Handlers ---

func (s *Server) handleHealth(_ context.Context, _ *struct{}) (*healthOutput, error) {
	out := &healthOutput{}
	out.Body.Status = "ok"
	if s.services.Providers != nil {
		out.Body.Providers = s.services.Providers.Metrics()
	}
	return out, nil
}

func (s *Server) handleListSessions(ctx context.Context, input *listSessionsInput) (*listSessionsOutput, error) {
	sessions, err := s.services.Sessions.List(ctx, store.ListOpts{Limit: input.Limit, Offset: input.Offset})
	if err != nil {
		return nil, huma.Error500InternalServerError("listing sessions", err)
	}
	out := &listSessionsOutput{}
	out.Body.Sessions = sessions
	return out, nil
}

func (s *Server) handleGetSession(ctx context.Context, input *getSessionInput) (*getSessionOutput, error) {
	sess, err := s.services.Sessions.Get(ctx, input.ID)
	if err != nil {
		if talonerr.IsNotFound(err) {
			return nil, huma.Error404NotFound(fmt.Sprintf("session %q not found", input.ID))
		}
		return nil, huma.Error500InternalServerError("loading session", err)
	}
	msgs, err := s.services.Sessions.Transcript(ctx, input.ID, 0)
	if err != nil {
		return nil, huma.Error500InternalServerError("loading transcript", err)
	}
	out := &getSessionOutput{}
	out.Body.Session = sess
	out.Body.Messages = msgs
	return out, nil
}

func (s *Server) handleListApprovals(_ context.Context, _ *struct{}) (*listApprovalsOutput, error) {
	out := &listApprovalsOutput{}
	out.Body.Approvals = s.services.Approvals.List()
	return out, nil
}

func (s *Server) handleApprove(_ context.Context, input *approvalIDInput) (*resolveApprovalOutput, error) {
	return s.resolveApproval(input.ID, s.services.Approvals.Approve, autonomy.ApprovalApproved)
}

func (s *Server) handleDeny(_ context.Context, input *approvalIDInput) (*resolveApprovalOutput, error) {
	return s.resolveApproval(input.ID, s.services.Approvals.Deny, autonomy.ApprovalDenied)
}

func (s *Server) resolveApproval(id string, resolve func(string) error, status autonomy.ApprovalStatus) (*resolveApprovalOutput, error) {
	if err := resolve(id); err != nil {
		switch {
		case talonerr.IsNotFound(err):
			return nil, huma.Error404NotFound(fmt.Sprintf("approval %q not found", id))
		case talonerr.IsConflict(err):
			return nil, huma.Error409Conflict(fmt.Sprintf("approval %q already resolved", id))
		default:
			return nil, huma.Error500InternalServerError("resolving approval", err)
		}
	}
	out := &resolveApprovalOutput{}
	out.Body.Status = string(status)
	return out, nil
}

func (s *Server) handleBudget(_ context.Context, _ *struct{}) (*budgetOutput, error) {
	if s.services.Budget == nil {
		return nil, huma.Error503ServiceUnavailable("budget tracker not configured")
	}
	return &budgetOutput{Body: s.services.Budget.Snapshot()}, nil
}
