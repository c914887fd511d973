// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package openai

import (
	openaisdk "github.com/openai/openai-go"

	"github.com/talon-dev/talon/internal/provider"
)

// ConvertMessages exposes convertMessages for white-box testing.
var ConvertMessages = func(msgs []provider.Message, systemPrompt string) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	return convertMessages(msgs, systemPrompt)
}

// BuildParams exposes buildParams for white-box testing.
var BuildParams = func(req provider.ChatRequest, streaming bool) (openaisdk.ChatCompletionNewParams, error) {
	return buildParams(req, streaming)
}

// MapFinishReason exposes mapFinishReason for white-box testing.
var MapFinishReason = mapFinishReason
