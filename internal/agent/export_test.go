// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package agent

// Exported for white-box tests.
var (
	TruncateToolResult  = truncateToolResult
	LabelFromText       = labelFromText
	BuildEpisodeSummary = buildEpisodeSummary
	HistoryToMessages   = historyToMessages
)
