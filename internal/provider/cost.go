// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package provider

import "strings"

// modelRate holds USD prices per one million tokens.
type modelRate struct {
	inputPerM  float64
	outputPerM float64
}

// rateTable maps model-id substrings to prices. First match wins, so more
// specific entries come first. Unknown models fall back to defaultRate.
var rateTable = []struct {
	match string
	rate  modelRate
}{
	{"opus", modelRate{15.00, 75.00}},
	{"sonnet", modelRate{3.00, 15.00}},
	{"haiku", modelRate{0.80, 4.00}},
	{"gpt-4o-mini", modelRate{0.15, 0.60}},
	{"gpt-4o", modelRate{2.50, 10.00}},
	{"gpt-4.1", modelRate{2.00, 8.00}},
	{"o3", modelRate{2.00, 8.00}},
}

var defaultRate = modelRate{3.00, 15.00}

// EstimateCost returns the estimated USD cost of a call given its model
// and token counts.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	rate := defaultRate
	lower := strings.ToLower(model)
	for _, entry := range rateTable {
		if strings.Contains(lower, entry.match) {
			rate = entry.rate
			break
		}
	}
	return (float64(inputTokens)*rate.inputPerM + float64(outputTokens)*rate.outputPerM) / 1_000_000.0
}
