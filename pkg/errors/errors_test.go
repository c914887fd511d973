// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package errors_test

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	talonerr "github.com/talon-dev/talon/pkg/errors"
)

func TestNewIncludesCodeAndFields(t *testing.T) {
	err := talonerr.New(
		talonerr.CodeConfigValidateInvalidValue,
		"invalid model configuration",
		talonerr.FieldSessionID("sess-123"),
		talonerr.Field("provider", "openai"),
	)

	require.Error(t, err)
	assert.Equal(t, talonerr.CodeConfigValidateInvalidValue, talonerr.CodeOf(err))
	assert.True(t, talonerr.HasCode(err, talonerr.CodeConfigValidateInvalidValue))

	fields := talonerr.FieldsOf(err)
	assert.Equal(t, "sess-123", fields["session_id"])
	assert.Equal(t, "openai", fields["provider"])
}

func TestErrorfWrapsInnerError(t *testing.T) {
	inner := stderrors.New("disk full")
	err := talonerr.Errorf(talonerr.CodeStoreDatabaseFailure, "write failed: %w", inner)
	require.Error(t, err)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, talonerr.CodeStoreDatabaseFailure, talonerr.CodeOf(err))
	assert.Contains(t, err.Error(), "write failed")
}

func TestWrapPreservesWrappedErrorAndCode(t *testing.T) {
	root := stderrors.New("record missing")
	err := talonerr.Wrap(
		root,
		talonerr.CodeStoreSessionNotFound,
		"loading session",
		talonerr.FieldSessionID("sess-42"),
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, root)
	assert.Equal(t, talonerr.CodeStoreSessionNotFound, talonerr.CodeOf(err))
	assert.True(t, talonerr.IsNotFound(err))
	assert.Equal(t, "sess-42", talonerr.FieldsOf(err)["session_id"])
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, talonerr.Wrap(nil, talonerr.CodeServerInternalFailure, "ignored"))
	assert.NoError(t, talonerr.Wrapf(nil, talonerr.CodeServerInternalFailure, "ignored %s", "arg"))
}

func TestWrapReplacesCauseCode(t *testing.T) {
	inner := talonerr.New(talonerr.CodeProviderUpstreamFailure, "upstream 502")
	err := talonerr.Wrapf(inner, talonerr.CodeProviderRetriesExhausted, "provider %s: %d attempts exhausted", "anthropic", 4)

	require.Error(t, err)
	assert.Equal(t, talonerr.CodeProviderRetriesExhausted, talonerr.CodeOf(err))
	assert.True(t, talonerr.HasCode(err, talonerr.CodeProviderRetriesExhausted))
	assert.False(t, talonerr.IsTransient(err))
	assert.Equal(t, "provider.upstream.failure", talonerr.FieldsOf(err)["cause_code"])
	assert.Contains(t, err.Error(), "attempts exhausted")
}

func TestWrapSameCodeKeepsChain(t *testing.T) {
	inner := talonerr.New(talonerr.CodeStoreDatabaseFailure, "locked")
	err := talonerr.Wrap(inner, talonerr.CodeStoreDatabaseFailure, "appending message")

	require.Error(t, err)
	assert.Equal(t, talonerr.CodeStoreDatabaseFailure, talonerr.CodeOf(err))
	assert.ErrorIs(t, err, inner)
	assert.NotContains(t, talonerr.FieldsOf(err), "cause_code")
}

func TestWithAddsContextWithoutChangingCode(t *testing.T) {
	base := talonerr.New(talonerr.CodeGuardrailDenied, "tool denied")
	withCtx := talonerr.With(base, talonerr.FieldTool("shell_exec"))

	require.Error(t, withCtx)
	assert.Equal(t, talonerr.CodeGuardrailDenied, talonerr.CodeOf(withCtx))
	assert.Equal(t, "shell_exec", talonerr.FieldsOf(withCtx)["tool"])
}

func TestClassificationPredicates(t *testing.T) {
	tests := []struct {
		name  string
		code  talonerr.Code
		check func(error) bool
	}{
		{"not found", talonerr.CodeApprovalNotFound, talonerr.IsNotFound},
		{"conflict", talonerr.CodeApprovalAlreadyClosed, talonerr.IsConflict},
		{"invalid input", talonerr.CodeAgentLoopInvalidInput, talonerr.IsInvalidInput},
		{"budget exceeded", talonerr.CodeBudgetDailyExceeded, talonerr.IsBudgetExceeded},
		{"tool budget exceeded", talonerr.CodeBudgetToolCallExceeded, talonerr.IsBudgetExceeded},
		{"denied", talonerr.CodeGuardrailDenied, talonerr.IsDenied},
		{"timeout", talonerr.CodeAgentTurnTimeout, talonerr.IsTimeout},
		{"circuit open", talonerr.CodeProviderCircuitOpen, talonerr.IsCircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(talonerr.New(tt.code, "x")))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, talonerr.IsTransient(talonerr.New(talonerr.CodeProviderUpstreamFailure, "500")))
	assert.True(t, talonerr.IsTransient(talonerr.New(talonerr.CodeProviderRateLimited, "429")))
	assert.True(t, talonerr.IsTransient(talonerr.New(talonerr.CodeProviderUpstreamTimeout, "deadline")))
	assert.False(t, talonerr.IsTransient(talonerr.New(talonerr.CodeProviderAuthFailure, "401")))
	assert.False(t, talonerr.IsTransient(talonerr.New(talonerr.CodeProviderRequestInvalid, "400")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code talonerr.Code
		want int
	}{
		{talonerr.CodeStoreSessionNotFound, http.StatusNotFound},
		{talonerr.CodeApprovalAlreadyClosed, http.StatusConflict},
		{talonerr.CodeAgentLoopInvalidInput, http.StatusBadRequest},
		{talonerr.CodeGuardrailDenied, http.StatusForbidden},
		{talonerr.CodeBudgetDailyExceeded, http.StatusTooManyRequests},
		{talonerr.CodeAgentTurnTimeout, http.StatusGatewayTimeout},
		{talonerr.CodeProviderCircuitOpen, http.StatusBadGateway},
		{talonerr.CodeProviderRetriesExhausted, http.StatusBadGateway},
		{talonerr.CodeAgentLoopFailure, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, talonerr.HTTPStatus(talonerr.New(tt.code, "x")))
		})
	}
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, talonerr.Code(""), talonerr.CodeOf(stderrors.New("plain")))
	assert.Equal(t, talonerr.Code(""), talonerr.CodeOf(nil))
}
