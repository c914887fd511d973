// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package health

import "time"

// Metrics exposes the current circuit state of a provider for monitoring
// and operator visibility. All fields are point-in-time snapshots safe
// to serialize to JSON.
type Metrics struct {
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalFailures       int64      `json:"total_failures"`
	TotalSuccesses      int64      `json:"total_successes"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	OpenUntil           *time.Time `json:"open_until,omitempty"`
	Available           bool       `json:"available"`
}
