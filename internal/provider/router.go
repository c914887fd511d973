// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package provider

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	talonerr "github.com/talon-dev/talon/pkg/errors"
	"github.com/talon-dev/talon/pkg/health"
)

// DefaultMaxRetries is the retry budget for transient provider errors.
const DefaultMaxRetries = 3

// DefaultBackoffBase is the first retry delay; it doubles on each
// subsequent retry (1s, 2s, 4s with the default).
const DefaultBackoffBase = 1 * time.Second

// RouterConfig holds routing, retry, and circuit-breaker settings.
type RouterConfig struct {
	MaxRetries       int
	BackoffBase      time.Duration
	FailureThreshold int
	OpenDuration     time.Duration
	// Spend receives the estimated cost of every completed call.
	// Optional; nil disables cost accounting.
	Spend SpendRecorder
}

// Router executes model requests against registered providers with
// bounded retry, per-provider circuit breaking, and failover. Model
// references use "provider/model" format.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	breakers  map[string]*CircuitBreaker

	maxRetries       int
	backoffBase      time.Duration
	failureThreshold int
	openDuration     time.Duration
	spend            SpendRecorder

	sleepFunc func(ctx context.Context, d time.Duration) error // for testing
}

// NewRouter creates an empty Router.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultOpenDuration
	}

	return &Router{
		providers:        make(map[string]Provider),
		breakers:         make(map[string]*CircuitBreaker),
		maxRetries:       cfg.MaxRetries,
		backoffBase:      cfg.BackoffBase,
		failureThreshold: cfg.FailureThreshold,
		openDuration:     cfg.OpenDuration,
		spend:            cfg.Spend,
		sleepFunc:        sleepCtx,
	}
}

// SetSleepFunc replaces the retry delay function. Tests use this to
// observe backoff without real waiting.
func (r *Router) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleepFunc = fn
}

// Register adds a provider and creates its circuit breaker. Each
// provider's circuit state is fully independent.
func (r *Router) Register(name string, p Provider) error {
	breaker, err := NewCircuitBreaker(r.failureThreshold, r.openDuration)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	r.breakers[name] = breaker
	slog.Info("registered model provider", "provider", name)
	return nil
}

// Get retrieves a provider by name.
func (r *Router) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, talonerr.New(
			talonerr.CodeProviderNotFound,
			"provider not found: "+name,
			talonerr.FieldProvider(name),
		)
	}
	return p, nil
}

// Breaker returns the circuit breaker for a provider (for tests and the
// health endpoint).
func (r *Router) Breaker(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Metrics returns per-provider circuit snapshots keyed by provider name.
func (r *Router) Metrics() map[string]health.Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]health.Metrics, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Metrics()
	}
	return out
}

// Close shuts down all registered providers.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return talonerr.Join(errs...)
	}
	return nil
}

// Complete executes a non-streaming request against the provider named by
// req.Model, retrying transient errors with exponential backoff. If the
// primary circuit is open or its retries are exhausted and fallbackModel
// is configured, the identical request is reissued against the fallback.
func (r *Router) Complete(ctx context.Context, req ChatRequest, fallbackModel string) (*Response, error) {
	resp, primaryErr := r.completeRef(ctx, req, req.Model)
	if primaryErr == nil {
		return resp, nil
	}

	if fallbackModel == "" || !failoverWorthy(primaryErr) {
		return nil, primaryErr
	}

	slog.Warn("primary provider failed, attempting failover",
		"model", req.Model, "fallback", fallbackModel, "error", primaryErr)

	fbReq := req
	fbReq.Model = fallbackModel
	resp, err := r.completeRef(ctx, fbReq, fallbackModel)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream is the streaming variant of Complete. Retry applies to
// establishing the stream; the returned channel relays provider events
// and reports usage cost to the spend recorder.
func (r *Router) Stream(ctx context.Context, req ChatRequest, fallbackModel string) (<-chan ChatEvent, error) {
	ch, primaryErr := r.streamRef(ctx, req, req.Model)
	if primaryErr == nil {
		return ch, nil
	}

	if fallbackModel == "" || !failoverWorthy(primaryErr) {
		return nil, primaryErr
	}

	slog.Warn("primary provider stream failed, attempting failover",
		"model", req.Model, "fallback", fallbackModel, "error", primaryErr)

	fbReq := req
	fbReq.Model = fallbackModel
	return r.streamRef(ctx, fbReq, fallbackModel)
}

func (r *Router) completeRef(ctx context.Context, req ChatRequest, ref string) (*Response, error) {
	p, breaker, model, err := r.resolveRef(ref)
	if err != nil {
		return nil, err
	}

	if !breaker.Allow() {
		return nil, talonerr.New(
			talonerr.CodeProviderCircuitOpen,
			"circuit open for provider "+p.Name(),
			talonerr.FieldProvider(p.Name()),
			talonerr.FieldModel(model),
		)
	}

	callReq := req
	callReq.Model = model
	resp, err := r.completeWithRetry(ctx, p, callReq)
	if err != nil {
		breaker.RecordFailure()
		return nil, err
	}

	breaker.RecordSuccess()
	r.recordSpend(model, &resp.Usage)
	return resp, nil
}

func (r *Router) streamRef(ctx context.Context, req ChatRequest, ref string) (<-chan ChatEvent, error) {
	p, breaker, model, err := r.resolveRef(ref)
	if err != nil {
		return nil, err
	}

	if !breaker.Allow() {
		return nil, talonerr.New(
			talonerr.CodeProviderCircuitOpen,
			"circuit open for provider "+p.Name(),
			talonerr.FieldProvider(p.Name()),
			talonerr.FieldModel(model),
		)
	}

	callReq := req
	callReq.Model = model
	upstream, err := r.streamWithRetry(ctx, p, callReq)
	if err != nil {
		breaker.RecordFailure()
		return nil, err
	}

	// Relay events so cost accounting sees every usage sample even when
	// the caller abandons classification of individual events. The
	// breaker verdict waits for the stream to finish: a provider that
	// establishes streams but dies mid-stream must still count against
	// its circuit.
	out := make(chan ChatEvent, 16)
	go func() {
		defer close(out)
		failed := false
		for ev := range upstream {
			switch {
			case ev.Type == EventTypeUsage && ev.Usage != nil:
				r.recordSpend(model, ev.Usage)
			case ev.Type == EventTypeError:
				failed = true
			}
			out <- ev
		}
		if failed {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}()
	return out, nil
}

// completeWithRetry retries transient errors up to the retry budget with
// doubling backoff. Non-transient errors return immediately.
func (r *Router) completeWithRetry(ctx context.Context, p Provider, req ChatRequest) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !talonerr.IsTransient(err) || attempt == r.maxRetries {
			if talonerr.IsTransient(err) {
				return nil, talonerr.Wrapf(err, talonerr.CodeProviderRetriesExhausted,
					"provider %s: %d attempts exhausted", p.Name(), r.maxRetries+1)
			}
			return nil, err
		}

		delay := r.backoffBase << attempt
		if hint := talonerr.RetryAfterOf(err); hint > 0 {
			delay = hint
		}
		slog.Warn("retrying after transient provider error",
			"provider", p.Name(), "attempt", attempt+1, "max", r.maxRetries, "delay", delay, "error", err)
		if sleepErr := r.sleepFunc(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
		lastErr = err
	}

	return nil, lastErr
}

func (r *Router) streamWithRetry(ctx context.Context, p Provider, req ChatRequest) (<-chan ChatEvent, error) {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		ch, err := p.Chat(ctx, req)
		if err == nil {
			return ch, nil
		}
		if !talonerr.IsTransient(err) || attempt == r.maxRetries {
			if talonerr.IsTransient(err) {
				return nil, talonerr.Wrapf(err, talonerr.CodeProviderRetriesExhausted,
					"provider %s: %d attempts exhausted", p.Name(), r.maxRetries+1)
			}
			return nil, err
		}

		delay := r.backoffBase << attempt
		if hint := talonerr.RetryAfterOf(err); hint > 0 {
			delay = hint
		}
		slog.Warn("retrying stream after transient provider error",
			"provider", p.Name(), "attempt", attempt+1, "max", r.maxRetries, "delay", delay, "error", err)
		if sleepErr := r.sleepFunc(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
		lastErr = err
	}

	return nil, lastErr
}

// resolveRef splits a "provider/model" reference and looks up the
// provider and its breaker.
func (r *Router) resolveRef(ref string) (Provider, *CircuitBreaker, string, error) {
	idx := strings.Index(ref, "/")
	if idx <= 0 || idx == len(ref)-1 {
		return nil, nil, "", talonerr.Errorf(
			talonerr.CodeProviderInvalidModelRef,
			"model reference %q must use provider/model format", ref,
		)
	}
	providerName, model := ref[:idx], ref[idx+1:]

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[providerName]
	if !ok {
		return nil, nil, "", talonerr.New(
			talonerr.CodeProviderNotFound,
			"provider not found: "+providerName,
			talonerr.FieldProvider(providerName),
		)
	}
	return p, r.breakers[providerName], model, nil
}

func (r *Router) recordSpend(model string, usage *Usage) {
	if usage.EstimatedCostUSD == 0 {
		usage.EstimatedCostUSD = EstimateCost(model, usage.InputTokens, usage.OutputTokens)
	}
	if r.spend == nil {
		return
	}
	if err := r.spend.RecordSpend(usage.EstimatedCostUSD); err != nil {
		// The budget check before the next costed operation surfaces the
		// overrun; recording itself stays best-effort.
		slog.Warn("recording model spend", "model", model, "error", err)
	}
}

// failoverWorthy reports whether the fallback provider should be tried:
// open circuits and exhausted retries fail over, fatal request errors
// do not.
func failoverWorthy(err error) bool {
	return talonerr.IsCircuitOpen(err) ||
		talonerr.HasCode(err, talonerr.CodeProviderRetriesExhausted) ||
		talonerr.IsTransient(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
