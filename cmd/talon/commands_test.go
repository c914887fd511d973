// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talon-dev/talon/internal/autonomy"
	"github.com/talon-dev/talon/internal/store"
)

func TestSessionList(t *testing.T) {
	addr := withGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string][]*store.Session{"sessions": {
			{ID: "sess-1", Name: "fix the tests", Status: store.SessionStatusActive, MessageCount: 4, UpdatedAt: time.Now()},
			{ID: "sess-2", Name: "deploy staging", Status: store.SessionStatusClosed, MessageCount: 12, UpdatedAt: time.Now()},
		}})
	}))

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"session", "list", "--gateway", addr})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "sess-1")
	assert.Contains(t, buf.String(), "fix the tests")
	assert.Contains(t, buf.String(), "closed")
}

func TestSessionShow(t *testing.T) {
	addr := withGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/sess-1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session": &store.Session{ID: "sess-1", Status: store.SessionStatusActive, MessageCount: 2},
			"messages": []*store.Message{
				{Role: store.MessageRoleUser, Content: "list the files"},
				{Role: store.MessageRoleTool, ToolName: "list_dir", Content: "a.txt\nb.txt"},
			},
		})
	}))

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"session", "show", "sess-1", "--gateway", addr})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "[user] list the files")
	assert.Contains(t, buf.String(), "[tool:list_dir]")
}

func TestSessionShow_NotFound(t *testing.T) {
	addr := withGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"title":"Not Found"}`, http.StatusNotFound)
	}))

	root := NewRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetArgs([]string{"session", "show", "nope", "--gateway", addr})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestApprovalsList_Empty(t *testing.T) {
	addr := withGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string][]autonomy.Approval{"approvals": {}})
	}))

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"approvals", "list", "--gateway", addr})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "no pending approvals")
}

func TestApprovalsList_Pending(t *testing.T) {
	addr := withGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string][]autonomy.Approval{"approvals": {
			{ID: "appr-1", ToolName: "delete_file", RiskLevel: 6, Reason: "risk 6 exceeds autonomy level"},
		}})
	}))

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"approvals", "list", "--gateway", addr})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "appr-1")
	assert.Contains(t, buf.String(), "delete_file")
}

func TestApprovalsResolve(t *testing.T) {
	tests := []struct {
		action string
		status string
	}{
		{action: "approve", status: "approved"},
		{action: "deny", status: "denied"},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			var gotPath string
			addr := withGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]string{"status": tt.status})
			}))

			root := NewRootCmd()
			buf := new(bytes.Buffer)
			root.SetOut(buf)
			root.SetArgs([]string{"approvals", tt.action, "appr-1", "--gateway", addr})

			err := root.Execute()
			require.NoError(t, err)
			assert.Equal(t, "/api/v1/approvals/appr-1/"+tt.action, gotPath)
			assert.Contains(t, buf.String(), tt.status)
		})
	}
}

func TestApprovalsResolve_GatewayDown(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetArgs([]string{"approvals", "approve", "appr-1", "--gateway", "127.0.0.1:1"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}
