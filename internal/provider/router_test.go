// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package provider_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talon-dev/talon/internal/provider"
	talonerr "github.com/talon-dev/talon/pkg/errors"
)

// fakeProvider returns scripted results in order, repeating the last one
// once the script is exhausted.
type fakeProvider struct {
	mu      sync.Mutex
	name    string
	script  []fakeResult
	calls   int
	lastReq provider.ChatRequest
}

type fakeResult struct {
	resp *provider.Response
	err  error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) ListModels(context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func (f *fakeProvider) Complete(_ context.Context, req provider.ChatRequest) (*provider.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	r := f.script[idx]
	return r.resp, r.err
}

func (f *fakeProvider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	resp, err := f.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan provider.ChatEvent, 3)
	ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: resp.Text}
	ch <- provider.ChatEvent{Type: provider.EventTypeUsage, Usage: &resp.Usage}
	ch <- provider.ChatEvent{Type: provider.EventTypeDone, StopReason: resp.StopReason}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// dyingStreamProvider establishes every stream, emits some text, then
// dies with an error event.
type dyingStreamProvider struct {
	mu    sync.Mutex
	name  string
	calls int
}

func (f *dyingStreamProvider) Name() string { return f.name }

func (f *dyingStreamProvider) ListModels(context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func (f *dyingStreamProvider) Complete(context.Context, provider.ChatRequest) (*provider.Response, error) {
	return nil, transientErr()
}

func (f *dyingStreamProvider) Chat(context.Context, provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	ch := make(chan provider.ChatEvent, 2)
	ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: "partial answer"}
	ch <- provider.ChatEvent{Type: provider.EventTypeError, Error: "connection reset mid-stream"}
	close(ch)
	return ch, nil
}

func (f *dyingStreamProvider) Close() error { return nil }

func (f *dyingStreamProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type spendLog struct {
	mu    sync.Mutex
	total float64
}

func (s *spendLog) RecordSpend(usd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += usd
	return nil
}

func (s *spendLog) sum() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func okResponse(text string) *provider.Response {
	return &provider.Response{
		Text:       text,
		StopReason: provider.StopCompleted,
		Usage:      provider.Usage{InputTokens: 1000, OutputTokens: 500},
	}
}

func transientErr() error {
	return talonerr.New(talonerr.CodeProviderUpstreamFailure, "upstream 503")
}

func fatalErr() error {
	return talonerr.New(talonerr.CodeProviderAuthFailure, "invalid api key")
}

// newTestRouter returns a router whose retry sleeps are captured instead
// of slept.
func newTestRouter(t *testing.T, spend provider.SpendRecorder) (*provider.Router, *[]time.Duration) {
	t.Helper()
	r := provider.NewRouter(provider.RouterConfig{Spend: spend})
	delays := &[]time.Duration{}
	r.SetSleepFunc(func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	})
	return r, delays
}

func TestRouterInvalidModelRef(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	for _, ref := range []string{"sonnet", "/sonnet", "anthropic/", ""} {
		_, err := r.Complete(context.Background(), provider.ChatRequest{Model: ref}, "")
		require.Error(t, err, "ref %q", ref)
		assert.True(t, talonerr.HasCode(err, talonerr.CodeProviderInvalidModelRef))
	}
}

func TestRouterUnknownProvider(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	_, err := r.Complete(context.Background(), provider.ChatRequest{Model: "nope/model"}, "")
	require.Error(t, err)
	assert.True(t, talonerr.HasCode(err, talonerr.CodeProviderNotFound))
}

func TestRouterRetriesTransientWithBackoff(t *testing.T) {
	fp := &fakeProvider{name: "anthropic", script: []fakeResult{
		{err: transientErr()},
		{err: transientErr()},
		{resp: okResponse("third time")},
	}}
	r, delays := newTestRouter(t, nil)
	require.NoError(t, r.Register("anthropic", fp))

	resp, err := r.Complete(context.Background(), provider.ChatRequest{Model: "anthropic/claude-sonnet-4"}, "")
	require.NoError(t, err)
	assert.Equal(t, "third time", resp.Text)
	assert.Equal(t, 3, fp.callCount())
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, *delays)
}

func TestRouterHonorsRetryAfterHint(t *testing.T) {
	rateLimited := talonerr.New(talonerr.CodeProviderRateLimited, "429 slow down",
		talonerr.FieldRetryAfter(5*time.Second))
	fp := &fakeProvider{name: "anthropic", script: []fakeResult{
		{err: rateLimited},
		{resp: okResponse("after the hint")},
	}}
	r, delays := newTestRouter(t, nil)
	require.NoError(t, r.Register("anthropic", fp))

	resp, err := r.Complete(context.Background(), provider.ChatRequest{Model: "anthropic/claude-sonnet-4"}, "")
	require.NoError(t, err)
	assert.Equal(t, "after the hint", resp.Text)
	// The provider's hint replaces the 1s backoff for that attempt.
	assert.Equal(t, []time.Duration{5 * time.Second}, *delays)
}

func TestRouterRetriesExhausted(t *testing.T) {
	fp := &fakeProvider{name: "anthropic", script: []fakeResult{{err: transientErr()}}}
	r, delays := newTestRouter(t, nil)
	require.NoError(t, r.Register("anthropic", fp))

	_, err := r.Complete(context.Background(), provider.ChatRequest{Model: "anthropic/claude-sonnet-4"}, "")
	require.Error(t, err)
	assert.True(t, talonerr.HasCode(err, talonerr.CodeProviderRetriesExhausted))
	assert.Equal(t, 4, fp.callCount())
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}, *delays)
}

func TestRouterFatalErrorNoRetry(t *testing.T) {
	fp := &fakeProvider{name: "anthropic", script: []fakeResult{{err: fatalErr()}}}
	r, delays := newTestRouter(t, nil)
	require.NoError(t, r.Register("anthropic", fp))

	_, err := r.Complete(context.Background(), provider.ChatRequest{Model: "anthropic/claude-sonnet-4"}, "")
	require.Error(t, err)
	assert.True(t, talonerr.HasCode(err, talonerr.CodeProviderAuthFailure))
	assert.Equal(t, 1, fp.callCount())
	assert.Empty(t, *delays)
}

func TestRouterCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	fp := &fakeProvider{name: "anthropic", script: []fakeResult{{err: fatalErr()}}}
	r, _ := newTestRouter(t, nil)
	require.NoError(t, r.Register("anthropic", fp))

	req := provider.ChatRequest{Model: "anthropic/claude-sonnet-4"}
	for i := 0; i < 5; i++ {
		_, err := r.Complete(context.Background(), req, "")
		require.Error(t, err)
		assert.True(t, talonerr.HasCode(err, talonerr.CodeProviderAuthFailure), "failure %d", i+1)
	}
	require.Equal(t, 5, fp.callCount())

	// The sixth call is rejected before the provider is invoked.
	_, err := r.Complete(context.Background(), req, "")
	require.Error(t, err)
	assert.True(t, talonerr.IsCircuitOpen(err))
	assert.Equal(t, 5, fp.callCount())
}

func TestRouterFailoverOnOpenCircuit(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", script: []fakeResult{{err: fatalErr()}}}
	fallback := &fakeProvider{name: "openai", script: []fakeResult{{resp: okResponse("from fallback")}}}
	r, _ := newTestRouter(t, nil)
	require.NoError(t, r.Register("anthropic", primary))
	require.NoError(t, r.Register("openai", fallback))

	req := provider.ChatRequest{Model: "anthropic/claude-sonnet-4"}
	for i := 0; i < 5; i++ {
		_, _ = r.Complete(context.Background(), req, "")
	}

	resp, err := r.Complete(context.Background(), req, "openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Text)
	assert.Equal(t, 5, primary.callCount())
	assert.Equal(t, 1, fallback.callCount())
	assert.Equal(t, "gpt-4o", fallback.lastReq.Model)

	// The fallback circuit is independent of the primary's.
	fb, ok := r.Breaker("openai")
	require.True(t, ok)
	assert.Equal(t, provider.CircuitClosed, fb.State())
}

func TestRouterFailoverOnExhaustedRetries(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", script: []fakeResult{{err: transientErr()}}}
	fallback := &fakeProvider{name: "openai", script: []fakeResult{{resp: okResponse("rescued")}}}
	r, _ := newTestRouter(t, nil)
	require.NoError(t, r.Register("anthropic", primary))
	require.NoError(t, r.Register("openai", fallback))

	resp, err := r.Complete(context.Background(),
		provider.ChatRequest{Model: "anthropic/claude-sonnet-4"}, "openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "rescued", resp.Text)
	assert.Equal(t, 4, primary.callCount())
	assert.Equal(t, 1, fallback.callCount())
}

func TestRouterNoFailoverOnFatalError(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", script: []fakeResult{{err: fatalErr()}}}
	fallback := &fakeProvider{name: "openai", script: []fakeResult{{resp: okResponse("unused")}}}
	r, _ := newTestRouter(t, nil)
	require.NoError(t, r.Register("anthropic", primary))
	require.NoError(t, r.Register("openai", fallback))

	_, err := r.Complete(context.Background(),
		provider.ChatRequest{Model: "anthropic/claude-sonnet-4"}, "openai/gpt-4o")
	require.Error(t, err)
	assert.True(t, talonerr.HasCode(err, talonerr.CodeProviderAuthFailure))
	assert.Equal(t, 0, fallback.callCount())
}

func TestRouterRecordsSpendOnComplete(t *testing.T) {
	fp := &fakeProvider{name: "anthropic", script: []fakeResult{{resp: okResponse("ok")}}}
	spend := &spendLog{}
	r, _ := newTestRouter(t, spend)
	require.NoError(t, r.Register("anthropic", fp))

	resp, err := r.Complete(context.Background(),
		provider.ChatRequest{Model: "anthropic/claude-sonnet-4"}, "")
	require.NoError(t, err)

	want := provider.EstimateCost("claude-sonnet-4", 1000, 500)
	assert.InDelta(t, want, resp.Usage.EstimatedCostUSD, 1e-12)
	assert.InDelta(t, want, spend.sum(), 1e-12)
}

func TestRouterStreamRelaysEventsAndRecordsSpend(t *testing.T) {
	fp := &fakeProvider{name: "anthropic", script: []fakeResult{{resp: okResponse("streamed")}}}
	spend := &spendLog{}
	r, _ := newTestRouter(t, spend)
	require.NoError(t, r.Register("anthropic", fp))

	ch, err := r.Stream(context.Background(),
		provider.ChatRequest{Model: "anthropic/claude-sonnet-4"}, "")
	require.NoError(t, err)

	var types []provider.EventType
	for ev := range ch {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []provider.EventType{
		provider.EventTypeTextDelta,
		provider.EventTypeUsage,
		provider.EventTypeDone,
	}, types)
	assert.Greater(t, spend.sum(), 0.0)
}

func TestRouterStreamMidStreamErrorOpensCircuit(t *testing.T) {
	fp := &dyingStreamProvider{name: "anthropic"}
	r, _ := newTestRouter(t, nil)
	require.NoError(t, r.Register("anthropic", fp))

	req := provider.ChatRequest{Model: "anthropic/claude-sonnet-4"}
	for i := 0; i < 5; i++ {
		ch, err := r.Stream(context.Background(), req, "")
		require.NoError(t, err, "stream %d should establish", i)
		for range ch {
		}
	}
	require.Equal(t, 5, fp.callCount())

	// Streams established but died mid-flight; the sixth attempt is
	// rejected before the provider is invoked.
	_, err := r.Stream(context.Background(), req, "")
	require.Error(t, err)
	assert.True(t, talonerr.IsCircuitOpen(err))
	assert.Equal(t, 5, fp.callCount())
}

func TestRouterMetricsPerProvider(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", script: []fakeResult{{err: fatalErr()}}}
	r, _ := newTestRouter(t, nil)
	require.NoError(t, r.Register("anthropic", primary))
	require.NoError(t, r.Register("openai", &fakeProvider{name: "openai", script: []fakeResult{{resp: okResponse("x")}}}))

	_, _ = r.Complete(context.Background(), provider.ChatRequest{Model: "anthropic/claude-sonnet-4"}, "")

	m := r.Metrics()
	require.Len(t, m, 2)
	assert.Equal(t, 1, m["anthropic"].ConsecutiveFailures)
	assert.Equal(t, 0, m["openai"].ConsecutiveFailures)
}
