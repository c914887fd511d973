// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeStoreSessionNotFound    Code = "store.session.get.not_found"
	CodeStoreSessionConflict    Code = "store.session.create.conflict"
	CodeStoreMessageInvalid     Code = "store.message.append.invalid_input"
	CodeStoreDatabaseFailure    Code = "store.database.failure"
	CodeStoreBackendUnsupported Code = "store.backend.unsupported"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeProviderRequestInvalid   Code = "provider.request.invalid"
	CodeProviderUpstreamFailure  Code = "provider.upstream.failure"
	CodeProviderRateLimited      Code = "provider.upstream.rate_limited"
	CodeProviderUpstreamTimeout  Code = "provider.upstream.timeout"
	CodeProviderAuthFailure      Code = "provider.auth.unauthorized"
	CodeProviderNotFound         Code = "provider.registry.not_found"
	CodeProviderInvalidModelRef  Code = "provider.routing.invalid_model_ref"
	CodeProviderCircuitOpen      Code = "provider.circuit.open"
	CodeProviderRetriesExhausted Code = "provider.retry.exhausted"
	CodeProviderAllUnavailable   Code = "provider.routing.all_unavailable"

	CodeBudgetDailyExceeded    Code = "budget.daily.exceeded"
	CodeBudgetToolCallExceeded Code = "budget.tool_calls.exceeded"

	CodeGuardrailDenied       Code = "autonomy.guardrail.denied"
	CodeApprovalNotFound      Code = "autonomy.approval.not_found"
	CodeApprovalAlreadyClosed Code = "autonomy.approval.conflict"

	CodeAgentLoopInvalidInput   Code = "agent.loop.invalid_input"
	CodeAgentLoopFailure        Code = "agent.loop.failure"
	CodeAgentIterationLimit     Code = "agent.loop.iteration_limit"
	CodeAgentTurnTimeout        Code = "agent.loop.timeout"
	CodeAgentToolDispatchFailed Code = "agent.tool.dispatch_failed"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerEntityNotFound  Code = "server.entity.not_found"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerStartFailure    Code = "server.start.failure"

	CodeCLIGatewayNotRunning Code = "cli.gateway.not_running"
	CodeCLIRequestFailure    Code = "cli.request.failure"
	CodeCLIInputInvalid      Code = "cli.input.invalid"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// FieldRetryAfter records an upstream retry-after hint so retry loops
// can prefer the provider's delay over their own backoff.
func FieldRetryAfter(d time.Duration) Attr {
	return Attr{Key: "retry_after", Value: d}
}

// RetryAfterOf extracts a retry-after hint from an error, or zero when
// the error carries none.
func RetryAfterOf(err error) time.Duration {
	if d, ok := FieldsOf(err)["retry_after"].(time.Duration); ok {
		return d
	}
	return 0
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldSessionID(value string) Attr {
	return Field("session_id", value)
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
}

func FieldTool(value string) Attr {
	return Field("tool", value)
}

func FieldModel(value string) Attr {
	return Field("model", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	cause, fields := recode(err, code, fields)
	return oops.Code(code).With(flatten(fields)...).Wrapf(cause, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	cause, fields := recode(err, code, nil)
	return oops.Code(code).With(flatten(fields)...).Wrapf(cause, format, args...)
}

// recode prepares a cause for wrapping under a new code. oops resolves
// Code() to the deepest coded error in the chain, so wrapping an
// already-coded cause would leave the old code observable instead of
// the new one. When the codes differ, the cause is sealed so the new
// code wins, and its original code is preserved as a field.
func recode(err error, code Code, fields []Attr) (error, []Attr) {
	inner := CodeOf(err)
	if inner == "" || inner == code {
		return err, fields
	}
	return sealedCause{err}, append(fields, Field("cause_code", string(inner)))
}

// sealedCause carries a cause's message without exposing its chain, so
// code extraction stops at the wrapping error.
type sealedCause struct{ err error }

func (s sealedCause) Error() string { return s.err.Error() }

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_model_ref"
}

func IsBudgetExceeded(err error) bool {
	return reason(CodeOf(err)) == "exceeded"
}

func IsDenied(err error) bool {
	r := reason(CodeOf(err))
	return r == "denied" || r == "unauthorized"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsCircuitOpen(err error) bool {
	return HasCode(err, CodeProviderCircuitOpen)
}

// IsTransient reports whether a provider error is worth retrying:
// timeouts, rate limiting, and upstream (5xx-class) failures. Auth
// failures and malformed requests are not transient.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeProviderUpstreamFailure, CodeProviderRateLimited, CodeProviderUpstreamTimeout:
		return true
	default:
		return false
	}
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsDenied(err):
		return http.StatusForbidden
	case IsBudgetExceeded(err):
		return http.StatusTooManyRequests
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsCircuitOpen(err), HasCode(err, CodeProviderRetriesExhausted), HasCode(err, CodeProviderAllUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
