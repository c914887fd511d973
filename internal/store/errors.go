// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package store

import talonerr "github.com/talon-dev/talon/pkg/errors"

func notFoundErr(sessionID string) error {
	return talonerr.New(
		talonerr.CodeStoreSessionNotFound,
		"session not found: "+sessionID,
		talonerr.FieldSessionID(sessionID),
	)
}

func conflictErr(sessionID string) error {
	return talonerr.New(
		talonerr.CodeStoreSessionConflict,
		"session already exists: "+sessionID,
		talonerr.FieldSessionID(sessionID),
	)
}
