// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/talon-dev/talon/internal/agent"
)

// ProcessRequest is the request body for the streaming process endpoint.
type ProcessRequest struct {
	Content   string `json:"content" minLength:"1" doc:"Message content"`
	SessionID string `json:"session_id,omitempty" doc:"Optional session to resume"`
	Channel   string `json:"channel,omitempty" doc:"Inbound channel name"`
	Target    string `json:"target,omitempty" doc:"Channel-specific target id"`
}

func (s *Server) registerProcessRoute() {
	s.router.Post("/api/v1/process", s.handleProcess)

	// The streaming handler needs raw http.ResponseWriter access, so the
	// chi route above does the work and this spec entry documents it.
	minContentLen := 1
	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "process",
		Method:      http.MethodPost,
		Path:        "/api/v1/process",
		Summary:     "Process a message through the agent loop",
		Description: "Send a message and receive the turn's event stream. Set Accept: text/event-stream for SSE, otherwise receives a JSON array of events.",
		Tags:        []string{"agent"},
		RequestBody: &huma.RequestBody{
			Required: true,
			Content: map[string]*huma.MediaType{
				"application/json": {
					Schema: &huma.Schema{
						Type:     "object",
						Required: []string{"content"},
						Properties: map[string]*huma.Schema{
							"content": {
								Type:        "string",
								MinLength:   &minContentLen,
								Description: "Message content",
							},
							"session_id": {
								Type:        "string",
								Description: "Optional session to resume",
							},
							"channel": {
								Type:        "string",
								Description: "Inbound channel name",
							},
							"target": {
								Type:        "string",
								Description: "Channel-specific target id",
							},
						},
					},
				},
			},
		},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Event stream (SSE or JSON depending on Accept header)",
				Content: map[string]*huma.MediaType{
					"text/event-stream": {
						Schema: &huma.Schema{
							Type:        "string",
							Description: "Server-sent event stream",
						},
					},
					"application/json": {
						Schema: &huma.Schema{
							Type: "object",
							Properties: map[string]*huma.Schema{
								"events": {
									Type:        "array",
									Description: "Collected turn events",
									Items:       &huma.Schema{Type: "object"},
								},
							},
						},
					},
				},
			},
			"422": {Description: "Validation error (missing content)"},
		},
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, `{"error":"content is required"}`, http.StatusUnprocessableEntity)
		return
	}

	events := s.services.Runner.Run(r.Context(), agent.RunRequest{
		SessionID: req.SessionID,
		Channel:   req.Channel,
		Target:    req.Target,
		Content:   req.Content,
	})

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.writeSSE(w, events)
		return
	}
	s.writeJSON(w, events)
}

func (s *Server) writeSSE(w http.ResponseWriter, events <-chan agent.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		// httptest.ResponseRecorder doesn't implement Flusher, but we
		// still write the events for testability.
		flusher = nil
	}

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, events <-chan agent.Event) {
	var collected []agent.Event
	for ev := range events {
		collected = append(collected, ev)
	}

	w.Header().Set("Content-Type", "application/json")
	resp := struct {
		Events []agent.Event `json:"events"`
	}{Events: collected}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, `{"error":"encoding response"}`, http.StatusInternalServerError)
	}
}
