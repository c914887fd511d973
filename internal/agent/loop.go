// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talon-dev/talon/internal/autonomy"
	"github.com/talon-dev/talon/internal/provider"
	"github.com/talon-dev/talon/internal/store"
	talonerr "github.com/talon-dev/talon/pkg/errors"
)

// ModelClient is the slice of the provider router the loop uses.
type ModelClient interface {
	Stream(ctx context.Context, req provider.ChatRequest, fallbackModel string) (<-chan provider.ChatEvent, error)
}

// continuationPrompt is injected as a user message when the model's
// output was cut off at the token limit.
const continuationPrompt = "[SYSTEM: Your previous response was truncated because it exceeded the output token limit. " +
	"Continue exactly where you left off. Do NOT repeat what you already said or re-explain; " +
	"just keep going with the next tool calls or remaining work.]"

// lazyStopPrompt is injected when the model stopped while deferring
// remaining work.
const lazyStopPrompt = "[SYSTEM: You stopped but the task is NOT complete. Do NOT describe what could be done; " +
	"actually DO it. Use your tools to create the remaining files and finish the job. " +
	"Continue working now.]"

// Config bounds a loop's turns.
type Config struct {
	DefaultModel  string
	FallbackModel string
	SystemPrompt  string

	MaxIterations int
	TurnTimeout   time.Duration
	MaxTokens     int
	// ToolResultMaxTokens bounds each tool result stored in the
	// transcript. Non-positive disables truncation.
	ToolResultMaxTokens int
	// FallbackAfterFailures switches model calls to the fallback model
	// after this many consecutive failed calls. Default 3.
	FallbackAfterFailures int

	AutonomyLevel autonomy.Level
}

// Loop orchestrates one turn of a session: model calls, guardrailed
// tool dispatch, approvals, and transcript persistence.
type Loop struct {
	model      ModelClient
	sessions   *SessionManager
	tools      Dispatcher
	guardrails *autonomy.Engine
	budget     *autonomy.BudgetTracker
	approvals  *autonomy.Gate
	memory     Memory
	audit      store.AuditStore
	detector   StopDetector
	cfg        Config

	nowFunc func() time.Time
}

// Deps are the collaborators a Loop composes. All fields except Memory,
// Audit, and Detector are required.
type Deps struct {
	Model      ModelClient
	Sessions   *SessionManager
	Tools      Dispatcher
	Guardrails *autonomy.Engine
	Budget     *autonomy.BudgetTracker
	Approvals  *autonomy.Gate
	Memory     Memory
	Audit      store.AuditStore
	Detector   StopDetector
}

// NewLoop assembles a Loop. Missing optional collaborators default to
// no-ops.
func NewLoop(deps Deps, cfg Config) (*Loop, error) {
	switch {
	case deps.Model == nil:
		return nil, talonerr.New(talonerr.CodeAgentLoopInvalidInput, "loop requires a model client")
	case deps.Sessions == nil:
		return nil, talonerr.New(talonerr.CodeAgentLoopInvalidInput, "loop requires a session manager")
	case deps.Tools == nil:
		return nil, talonerr.New(talonerr.CodeAgentLoopInvalidInput, "loop requires a tool dispatcher")
	case deps.Guardrails == nil:
		return nil, talonerr.New(talonerr.CodeAgentLoopInvalidInput, "loop requires a guardrail engine")
	case deps.Budget == nil:
		return nil, talonerr.New(talonerr.CodeAgentLoopInvalidInput, "loop requires a budget tracker")
	case deps.Approvals == nil:
		return nil, talonerr.New(talonerr.CodeAgentLoopInvalidInput, "loop requires an approval gate")
	case cfg.DefaultModel == "":
		return nil, talonerr.New(talonerr.CodeAgentLoopInvalidInput, "loop requires a default model")
	}
	if deps.Memory == nil {
		deps.Memory = NoMemory{}
	}
	if deps.Detector == nil {
		deps.Detector = NewPhraseDetector()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 5 * time.Minute
	}
	if cfg.FallbackAfterFailures <= 0 {
		cfg.FallbackAfterFailures = 3
	}
	return &Loop{
		model:      deps.Model,
		sessions:   deps.Sessions,
		tools:      deps.Tools,
		guardrails: deps.Guardrails,
		budget:     deps.Budget,
		approvals:  deps.Approvals,
		memory:     deps.Memory,
		audit:      deps.Audit,
		detector:   deps.Detector,
		cfg:        cfg,
		nowFunc:    time.Now,
	}, nil
}

// SetNowFunc overrides the clock. Test hook.
func (l *Loop) SetNowFunc(fn func() time.Time) { l.nowFunc = fn }

// RunRequest is one inbound message.
type RunRequest struct {
	// SessionID targets an existing session. Empty routes by
	// Channel/Target, creating a session when none matches.
	SessionID string
	Channel   string
	Target    string
	Content   string
}

// Run processes one inbound message. Events arrive on the returned
// channel in turn order; the channel closes after the terminal done or
// error event. Runs on the same session serialize on its run lock.
func (l *Loop) Run(ctx context.Context, req RunRequest) <-chan Event {
	events := make(chan Event, 32)
	go func() {
		defer close(events)
		sessionID, err := l.run(ctx, req, events)
		if err != nil {
			slog.Error("run failed", "session_id", sessionID, "error", err)
			events <- Event{Kind: EventError, SessionID: sessionID, Error: err.Error()}
			return
		}
		events <- Event{Kind: EventDone, SessionID: sessionID}
	}()
	return events
}

// turnState drives the per-turn state machine. Each state performs one
// unit of work and names its successor; bounds are checked only in
// stateBounds so every guard is evaluated exactly once per transition.
type turnState int

const (
	stateBounds turnState = iota
	stateModelCall
	stateRespond
	stateDispatch
	stateDone
)

// turn is the mutable state of one run.
type turn struct {
	sessionID string
	events    chan<- Event
	deadline  time.Time

	systemPrompt string
	history      []provider.Message

	iteration           int
	consecutiveFailures int
	lastTurnToolNames   []string

	// pending output of the latest model call, consumed by
	// stateRespond / stateDispatch.
	text       string
	toolCalls  []provider.ToolCall
	stopReason provider.StopReason
}

func (l *Loop) run(ctx context.Context, req RunRequest, events chan<- Event) (string, error) {
	if strings.TrimSpace(req.Content) == "" {
		return req.SessionID, talonerr.New(talonerr.CodeAgentLoopInvalidInput, "empty message content")
	}

	sess, err := l.resolveSession(ctx, req)
	if err != nil {
		return req.SessionID, err
	}
	events <- Event{Kind: EventSessionAssigned, SessionID: sess.ID}

	// Serialize with any in-flight run for this session. Everything
	// after this point happens under the run lock.
	lock := l.sessions.RunLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.cfg.TurnTimeout)
	defer cancel()

	t := &turn{
		sessionID: sess.ID,
		events:    events,
		deadline:  l.nowFunc().Add(l.cfg.TurnTimeout),
	}

	if err := l.prepare(ctx, t, req.Content); err != nil {
		return sess.ID, err
	}

	l.budget.ResetLoop()

	state := stateBounds
	for state != stateDone {
		var err error
		switch state {
		case stateBounds:
			state, err = l.checkBounds(t)
		case stateModelCall:
			state, err = l.callModel(ctx, t)
		case stateRespond:
			state, err = l.respond(ctx, t)
		case stateDispatch:
			state, err = l.dispatch(ctx, t)
		}
		if err != nil {
			return sess.ID, err
		}
	}

	l.finish(ctx, t, req.Content)
	return sess.ID, nil
}

func (l *Loop) resolveSession(ctx context.Context, req RunRequest) (*store.Session, error) {
	if req.SessionID != "" {
		return l.sessions.GetOrInsert(ctx, req.SessionID, req.Channel, req.Target)
	}
	return l.sessions.FindOrCreate(ctx, req.Channel, req.Target)
}

// prepare records the inbound message, recalls memory into the system
// prompt, and rebuilds the conversation history.
func (l *Loop) prepare(ctx context.Context, t *turn, content string) error {
	history, err := l.sessions.Transcript(ctx, t.sessionID, 0)
	if err != nil {
		return err
	}
	t.history = historyToMessages(history)

	userMsg := &store.Message{
		SessionID: t.sessionID,
		Role:      store.MessageRoleUser,
		Content:   content,
	}
	if err := l.sessions.RecordMessage(ctx, userMsg); err != nil {
		return err
	}
	t.history = append(t.history, provider.Message{Role: provider.MessageRoleUser, Content: content})

	if err := l.sessions.SetNameFromText(ctx, t.sessionID, content); err != nil {
		slog.Warn("session naming failed", "session_id", t.sessionID, "error", err)
	}

	t.systemPrompt = l.cfg.SystemPrompt
	recalled, err := l.memory.Recall(ctx, t.sessionID)
	if err != nil {
		slog.Warn("memory recall failed", "session_id", t.sessionID, "error", err)
	} else if recalled != "" {
		t.systemPrompt += "\n\n<memory>\n" + recalled + "\n</memory>"
	}
	return nil
}

// checkBounds is the single guard transition: iteration cap, wall-clock
// deadline, and budget, each evaluated once per loop pass.
func (l *Loop) checkBounds(t *turn) (turnState, error) {
	t.iteration++
	if t.iteration > l.cfg.MaxIterations {
		return stateDone, talonerr.Errorf(talonerr.CodeAgentIterationLimit,
			"iteration limit reached after %d iterations", l.cfg.MaxIterations)
	}
	if !l.nowFunc().Before(t.deadline) {
		return stateDone, talonerr.Errorf(talonerr.CodeAgentTurnTimeout,
			"turn exceeded %s time limit", l.cfg.TurnTimeout)
	}
	if err := l.budget.Check(); err != nil {
		return stateDone, err
	}
	return stateModelCall, nil
}

// callModel streams one model call, accumulating text, tool calls, and
// usage. Consecutive failures switch the request to the fallback model.
func (l *Loop) callModel(ctx context.Context, t *turn) (turnState, error) {
	req := provider.ChatRequest{
		Model:        l.cfg.DefaultModel,
		Messages:     t.history,
		Tools:        l.tools.Definitions(),
		SystemPrompt: t.systemPrompt,
		Options: provider.ChatOptions{
			MaxTokens: l.cfg.MaxTokens,
			Stream:    true,
		},
	}
	if t.consecutiveFailures >= l.cfg.FallbackAfterFailures && l.cfg.FallbackModel != "" {
		slog.Warn("switching to fallback model",
			"session_id", t.sessionID,
			"consecutive_failures", t.consecutiveFailures,
			"model", l.cfg.FallbackModel)
		req.Model = l.cfg.FallbackModel
	}

	stream, err := l.model.Stream(ctx, req, l.cfg.FallbackModel)
	if err != nil {
		t.consecutiveFailures++
		if talonerr.IsTransient(err) && t.iteration <= l.cfg.MaxIterations && t.consecutiveFailures <= l.cfg.FallbackAfterFailures {
			slog.Warn("model call failed, retrying iteration",
				"session_id", t.sessionID, "error", err,
				"consecutive_failures", t.consecutiveFailures)
			return stateBounds, nil
		}
		return stateDone, err
	}

	t.text = ""
	t.toolCalls = nil
	t.stopReason = provider.StopCompleted
	var usage provider.Usage

	for ev := range stream {
		switch ev.Type {
		case provider.EventTypeTextDelta:
			t.text += ev.Text
			t.events <- Event{Kind: EventTextDelta, SessionID: t.sessionID, Text: ev.Text}
		case provider.EventTypeToolCall:
			tc := *ev.ToolCall
			t.toolCalls = append(t.toolCalls, tc)
			t.events <- Event{
				Kind:       EventToolCallStarted,
				SessionID:  t.sessionID,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				ToolArgs:   tc.Arguments,
			}
		case provider.EventTypeUsage:
			usage.Merge(*ev.Usage)
			t.events <- Event{
				Kind:         EventUsage,
				SessionID:    t.sessionID,
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
				CostUSD:      ev.Usage.EstimatedCostUSD,
			}
		case provider.EventTypeDone:
			t.stopReason = ev.StopReason
		case provider.EventTypeError:
			t.consecutiveFailures++
			return stateDone, talonerr.New(talonerr.CodeAgentLoopFailure, ev.Error,
				talonerr.FieldSessionID(t.sessionID))
		}
	}
	t.consecutiveFailures = 0
	slog.Debug("model call finished",
		"session_id", t.sessionID,
		"iteration", t.iteration,
		"stop_reason", t.stopReason,
		"cost_usd", usage.EstimatedCostUSD)

	if err := l.persistAssistant(ctx, t); err != nil {
		return stateDone, err
	}

	if len(t.toolCalls) > 0 {
		return stateDispatch, nil
	}
	return stateRespond, nil
}

// persistAssistant appends the model's message to the transcript and the
// in-turn history.
func (l *Loop) persistAssistant(ctx context.Context, t *turn) error {
	var encoded string
	if len(t.toolCalls) > 0 {
		raw, err := json.Marshal(t.toolCalls)
		if err != nil {
			return talonerr.Wrap(err, talonerr.CodeAgentLoopFailure, "encoding tool calls")
		}
		encoded = string(raw)
	}
	err := l.sessions.RecordMessage(ctx, &store.Message{
		SessionID: t.sessionID,
		Role:      store.MessageRoleAssistant,
		Content:   t.text,
		ToolCalls: encoded,
	})
	if err != nil {
		return err
	}
	t.history = append(t.history, provider.Message{
		Role:      provider.MessageRoleAssistant,
		Content:   t.text,
		ToolCalls: t.toolCalls,
	})
	return nil
}

// respond decides what a tool-free model stop means: cut off at the
// token limit (inject a continuation), a lazy stop (nudge), or done.
func (l *Loop) respond(ctx context.Context, t *turn) (turnState, error) {
	if t.stopReason == provider.StopTruncatedByLength {
		slog.Info("model output truncated, injecting continuation",
			"session_id", t.sessionID, "iteration", t.iteration)
		if err := l.injectUserPrompt(ctx, t, continuationPrompt); err != nil {
			return stateDone, err
		}
		t.events <- Event{Kind: EventTextDelta, SessionID: t.sessionID, Text: "\n\n*Continuing...*\n\n"}
		return stateBounds, nil
	}

	// Skip the lazy-stop check when the last tool turn started a
	// long-running process; announcing it is a legitimate final step.
	if !l.justStartedProcess(t) &&
		l.detector.IsLazyStop(t.text, t.iteration) &&
		t.iteration < l.cfg.MaxIterations {
		slog.Info("detected premature stop, re-prompting",
			"session_id", t.sessionID, "iteration", t.iteration)
		if err := l.injectUserPrompt(ctx, t, lazyStopPrompt); err != nil {
			return stateDone, err
		}
		t.events <- Event{Kind: EventTextDelta, SessionID: t.sessionID, Text: "\n\n*Continuing...*\n\n"}
		return stateBounds, nil
	}

	// The final model call's spend may have breached the daily ceiling
	// after the last bounds check; the turn must not end silently over
	// budget.
	if err := l.budget.Check(); err != nil {
		return stateDone, err
	}
	return stateDone, nil
}

func (l *Loop) justStartedProcess(t *turn) bool {
	started := false
	for _, name := range t.lastTurnToolNames {
		if name == "shell_exec" {
			started = true
			break
		}
	}
	if !started {
		return false
	}
	lower := strings.ToLower(t.text)
	return strings.Contains(lower, "localhost") ||
		strings.Contains(lower, "running") ||
		strings.Contains(lower, "dev server") ||
		strings.Contains(lower, "started")
}

func (l *Loop) injectUserPrompt(ctx context.Context, t *turn, prompt string) error {
	err := l.sessions.RecordMessage(ctx, &store.Message{
		SessionID: t.sessionID,
		Role:      store.MessageRoleUser,
		Content:   prompt,
	})
	if err != nil {
		return err
	}
	t.history = append(t.history, provider.Message{Role: provider.MessageRoleUser, Content: prompt})
	return nil
}

// dispatch executes the pending tool calls sequentially under guardrail
// evaluation, feeding each result back into the transcript.
func (l *Loop) dispatch(ctx context.Context, t *turn) (turnState, error) {
	for _, tc := range t.toolCalls {
		// Spend recorded by the router during the preceding model call
		// counts against the ceiling before any further side effects.
		if err := l.budget.Check(); err != nil {
			return stateDone, err
		}
		if err := l.budget.RecordToolCall(); err != nil {
			return stateDone, err
		}

		profile := l.tools.Profile(tc.Name)
		verdict := l.guardrails.Evaluate(profile, decodeArgs(tc.Arguments), l.cfg.AutonomyLevel)
		l.recordAudit(ctx, t.sessionID, tc.Name, verdict)

		var result ToolResult
		switch verdict.Decision {
		case autonomy.DecisionAllow:
			var err error
			result, err = l.tools.Execute(ctx, tc.Name, tc.Arguments)
			if err != nil {
				return stateDone, talonerr.Wrap(err, talonerr.CodeAgentToolDispatchFailed,
					"tool execution aborted", talonerr.FieldTool(tc.Name))
			}
		case autonomy.DecisionDeny:
			result = ToolResult{Content: "DENIED: " + verdict.Reason, IsError: true}
		case autonomy.DecisionRequireApproval:
			var err error
			result, err = l.awaitApproval(ctx, t, tc, profile, verdict)
			if err != nil {
				return stateDone, err
			}
		}

		t.events <- Event{
			Kind:       EventToolResult,
			SessionID:  t.sessionID,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Content:    result.Content,
			IsError:    result.IsError,
		}

		truncated := truncateToolResult(result.Content, l.cfg.ToolResultMaxTokens)
		err := l.sessions.RecordMessage(ctx, &store.Message{
			SessionID:  t.sessionID,
			Role:       store.MessageRoleTool,
			Content:    truncated,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			IsError:    result.IsError,
		})
		if err != nil {
			return stateDone, err
		}
		t.history = append(t.history, provider.Message{
			Role:       provider.MessageRoleTool,
			Content:    truncated,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			IsError:    result.IsError,
		})
	}

	t.lastTurnToolNames = t.lastTurnToolNames[:0]
	for _, tc := range t.toolCalls {
		t.lastTurnToolNames = append(t.lastTurnToolNames, tc.Name)
	}
	return stateBounds, nil
}

// awaitApproval suspends the turn on a human decision. Denial and
// timeout both synthesize a denial result; only context cancellation is
// a hard error.
func (l *Loop) awaitApproval(ctx context.Context, t *turn, tc provider.ToolCall, profile autonomy.ToolProfile, verdict autonomy.Verdict) (ToolResult, error) {
	approval := l.approvals.Request(t.sessionID, tc.Name, decodeArgs(tc.Arguments), verdict.Reason, profile.RiskLevel)
	t.events <- Event{
		Kind:       EventApprovalRequired,
		SessionID:  t.sessionID,
		ApprovalID: approval.ID,
		ToolName:   tc.Name,
		ToolArgs:   tc.Arguments,
		Reason:     verdict.Reason,
		RiskLevel:  profile.RiskLevel,
	}

	status, err := l.approvals.Await(ctx, approval.ID)
	if err != nil {
		return ToolResult{}, err
	}
	switch status {
	case autonomy.ApprovalApproved:
		result, err := l.tools.Execute(ctx, tc.Name, tc.Arguments)
		if err != nil {
			return ToolResult{}, talonerr.Wrap(err, talonerr.CodeAgentToolDispatchFailed,
				"tool execution aborted", talonerr.FieldTool(tc.Name))
		}
		return result, nil
	case autonomy.ApprovalTimedOut:
		return ToolResult{Content: "DENIED: Approval request timed out", IsError: true}, nil
	default:
		return ToolResult{Content: "DENIED: Human denied the action", IsError: true}, nil
	}
}

func (l *Loop) recordAudit(ctx context.Context, sessionID, toolName string, verdict autonomy.Verdict) {
	if l.audit == nil {
		return
	}
	err := l.audit.AppendAudit(ctx, &store.AuditEntry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ToolName:  toolName,
		Decision:  string(verdict.Decision),
		Rule:      verdict.Rule,
		Reason:    verdict.Reason,
		CreatedAt: l.nowFunc().UTC(),
	})
	if err != nil {
		slog.Warn("audit write failed", "session_id", sessionID, "tool", toolName, "error", err)
	}
}

// finish records an episode summary. Failures are logged, never fatal;
// the turn already succeeded.
func (l *Loop) finish(ctx context.Context, t *turn, userText string) {
	summary := buildEpisodeSummary(userText, t.text, t.iteration)
	if err := l.memory.Remember(ctx, t.sessionID, summary); err != nil {
		slog.Warn("memory write failed", "session_id", t.sessionID, "error", err)
	}
}

// buildEpisodeSummary condenses a completed turn into one remembered
// line.
func buildEpisodeSummary(userText, finalText string, iterations int) string {
	asked := labelFromText(userText)
	answered := labelFromText(finalText)
	if answered == "" {
		return fmt.Sprintf("Handled %q in %d iterations", asked, iterations)
	}
	return fmt.Sprintf("Asked %q; concluded %q (%d iterations)", asked, answered, iterations)
}

// decodeArgs parses a tool call's JSON arguments for guardrail
// inspection. Malformed arguments evaluate as empty.
func decodeArgs(argsJSON string) map[string]any {
	if argsJSON == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &out); err != nil {
		return nil
	}
	return out
}

// historyToMessages converts a persisted transcript into provider
// messages, restoring assistant tool-call pairing.
func historyToMessages(msgs []*store.Message) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		pm := provider.Message{
			Role:       provider.MessageRole(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
			IsError:    m.IsError,
		}
		if m.Role == store.MessageRoleAssistant && m.ToolCalls != "" {
			var calls []provider.ToolCall
			if err := json.Unmarshal([]byte(m.ToolCalls), &calls); err == nil {
				pm.ToolCalls = calls
			}
		}
		out = append(out, pm)
	}
	return out
}
