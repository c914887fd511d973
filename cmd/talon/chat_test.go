// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talon-dev/talon/internal/agent"
	"github.com/talon-dev/talon/internal/server"
)

// withGateway points the CLI's HTTP client at a test server and returns
// its host:port for the --gateway flag.
func withGateway(t *testing.T, handler http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	old := defaultHTTPClient
	defaultHTTPClient = srv.Client()
	t.Cleanup(func() { defaultHTTPClient = old })

	return srv.URL[len("http://"):]
}

func TestChat_PrintsTurnEvents(t *testing.T) {
	addr := withGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/process" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}

		var req server.ProcessRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello world", req.Content)
		assert.Equal(t, "cli", req.Channel)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string][]agent.Event{"events": {
			{Kind: agent.EventSessionAssigned, SessionID: "sess-1"},
			{Kind: agent.EventTextDelta, Text: "Hello"},
			{Kind: agent.EventTextDelta, Text: " world"},
			{Kind: agent.EventUsage, InputTokens: 10, OutputTokens: 4, CostUSD: 0.0012},
			{Kind: agent.EventDone},
		}})
	}))

	root := NewRootCmd()
	stdout := new(bytes.Buffer)
	root.SetOut(stdout)
	root.SetArgs([]string{"chat", "--gateway", addr, "hello", "world"})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "session: sess-1")
	assert.Contains(t, stdout.String(), "Hello world")
	assert.Contains(t, stdout.String(), "10 in / 4 out")
}

func TestChat_RendersApprovalHint(t *testing.T) {
	addr := withGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string][]agent.Event{"events": {
			{Kind: agent.EventApprovalRequired, ApprovalID: "appr-9", ToolName: "shell_exec", RiskLevel: 8, Reason: "risk 8 exceeds autonomy level"},
			{Kind: agent.EventDone},
		}})
	}))

	root := NewRootCmd()
	stdout := new(bytes.Buffer)
	root.SetOut(stdout)
	root.SetArgs([]string{"chat", "--gateway", addr, "deploy it"})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "approval required for shell_exec")
	assert.Contains(t, stdout.String(), "talon approvals approve appr-9")
}

func TestChat_EmptyMessageRejected(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetArgs([]string{"chat", "   "})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestChat_GatewayDown(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetArgs([]string{"chat", "--gateway", "127.0.0.1:1", "hi"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}
