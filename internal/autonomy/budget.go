// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package autonomy

import (
	"log/slog"
	"sync"
	"time"

	talonerr "github.com/talon-dev/talon/pkg/errors"
)

// BudgetState is a snapshot of tracked spending and tool-call counts.
type BudgetState struct {
	// CurrentDay is the UTC day the daily counters belong to.
	CurrentDay string `json:"current_day"`
	// DailySpendUSD is USD spent today.
	DailySpendUSD float64 `json:"daily_spend_usd"`
	DailyLimitUSD float64 `json:"daily_limit_usd"`
	// LoopToolCalls counts tool calls in the current agent loop.
	LoopToolCalls       int `json:"loop_tool_calls"`
	MaxToolCallsPerLoop int `json:"max_tool_calls_per_loop"`
	// Totals since tracking started.
	TotalSpendUSD  float64 `json:"total_spend_usd"`
	TotalToolCalls int64   `json:"total_tool_calls"`
}

// BudgetTracker enforces the daily USD ceiling and the per-loop tool
// call cap. One tracker is shared by all concurrent sessions; each
// method holds the lock only for its own counter update.
type BudgetTracker struct {
	mu      sync.Mutex
	state   BudgetState
	nowFunc func() time.Time // injectable for testing
}

// NewBudgetTracker creates a tracker with the given limits.
func NewBudgetTracker(dailyLimitUSD float64, maxToolCallsPerLoop int) *BudgetTracker {
	t := &BudgetTracker{nowFunc: time.Now}
	t.state = BudgetState{
		CurrentDay:          t.today(),
		DailyLimitUSD:       dailyLimitUSD,
		MaxToolCallsPerLoop: maxToolCallsPerLoop,
	}
	return t
}

// SetNowFunc replaces the clock. Tests use this to cross day boundaries.
func (t *BudgetTracker) SetNowFunc(fn func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nowFunc = fn
}

// RecordSpend adds model spend. Returns an error once the daily ceiling
// is breached; the spend is still recorded so the overrun is visible.
func (t *BudgetTracker) RecordSpend(usd float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeResetDay()

	t.state.DailySpendUSD += usd
	t.state.TotalSpendUSD += usd

	if t.state.DailySpendUSD > t.state.DailyLimitUSD {
		slog.Warn("daily budget exceeded",
			"spent", t.state.DailySpendUSD, "limit", t.state.DailyLimitUSD)
		return talonerr.New(
			talonerr.CodeBudgetDailyExceeded,
			"daily budget exceeded",
			talonerr.Field("reason", "exceeded"),
			talonerr.Field("used_usd", t.state.DailySpendUSD),
			talonerr.Field("limit_usd", t.state.DailyLimitUSD),
		)
	}
	return nil
}

// RecordToolCall counts a tool call in the current loop. Returns an
// error once the per-loop cap is breached.
func (t *BudgetTracker) RecordToolCall() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.LoopToolCalls++
	t.state.TotalToolCalls++

	if t.state.LoopToolCalls > t.state.MaxToolCallsPerLoop {
		return talonerr.New(
			talonerr.CodeBudgetToolCallExceeded,
			"tool call budget for this loop exceeded",
			talonerr.Field("reason", "exceeded"),
			talonerr.Field("used", t.state.LoopToolCalls),
			talonerr.Field("limit", t.state.MaxToolCallsPerLoop),
		)
	}
	return nil
}

// ResetLoop clears the per-loop tool call counter. Called at the start
// of each agent loop.
func (t *BudgetTracker) ResetLoop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.LoopToolCalls = 0
}

// Check reports whether the daily budget still has headroom, without
// recording anything. Callers invoke it before spending.
func (t *BudgetTracker) Check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeResetDay()

	if t.state.DailySpendUSD >= t.state.DailyLimitUSD {
		return talonerr.New(
			talonerr.CodeBudgetDailyExceeded,
			"daily budget exhausted",
			talonerr.Field("reason", "exceeded"),
			talonerr.Field("used_usd", t.state.DailySpendUSD),
			talonerr.Field("limit_usd", t.state.DailyLimitUSD),
		)
	}
	return nil
}

// Snapshot returns a copy of the current budget state.
func (t *BudgetTracker) Snapshot() BudgetState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeResetDay()
	return t.state
}

// maybeResetDay rolls the daily counters when the UTC day changes.
// Callers must hold the lock.
func (t *BudgetTracker) maybeResetDay() {
	day := t.today()
	if t.state.CurrentDay != day {
		t.state.CurrentDay = day
		t.state.DailySpendUSD = 0
	}
}

func (t *BudgetTracker) today() string {
	return t.nowFunc().UTC().Format("2006-01-02")
}
