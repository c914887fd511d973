// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package anthropic

import (
	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/talon-dev/talon/internal/provider"
)

// ConvertMessages exposes convertMessages for white-box testing.
var ConvertMessages = func(msgs []provider.Message) ([]anthropicsdk.MessageParam, error) {
	return convertMessages(msgs)
}

// BuildParams exposes buildParams for white-box testing.
var BuildParams = func(req provider.ChatRequest) (anthropicsdk.MessageNewParams, error) {
	return buildParams(req)
}

// MapStopReason exposes mapStopReason for white-box testing.
var MapStopReason = mapStopReason

// ClassifyErr exposes classifyErr for white-box testing.
var ClassifyErr = classifyErr
