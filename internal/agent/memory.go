// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package agent

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talon-dev/talon/internal/store"
)

// Memory injects recalled context at the start of a run and records a
// summary at the end.
type Memory interface {
	// Recall returns a context block for the session, or empty when
	// nothing is remembered.
	Recall(ctx context.Context, sessionID string) (string, error)
	// Remember records a summary of a completed run.
	Remember(ctx context.Context, sessionID, summary string) error
}

// NoMemory disables recall entirely.
type NoMemory struct{}

func (NoMemory) Recall(context.Context, string) (string, error)  { return "", nil }
func (NoMemory) Remember(context.Context, string, string) error { return nil }

// StoreMemory recalls the most recent remembered entries for a session
// from the memory store.
type StoreMemory struct {
	entries store.MemoryStore
	// recall bounds how many entries a Recall returns.
	recall int
}

// NewStoreMemory wraps a memory store. recall caps entries per Recall;
// non-positive values default to 5.
func NewStoreMemory(entries store.MemoryStore, recall int) *StoreMemory {
	if recall <= 0 {
		recall = 5
	}
	return &StoreMemory{entries: entries, recall: recall}
}

func (m *StoreMemory) Recall(ctx context.Context, sessionID string) (string, error) {
	recent, err := m.entries.RecentEntries(ctx, sessionID, m.recall)
	if err != nil {
		return "", err
	}
	if len(recent) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(recent))
	for _, e := range recent {
		parts = append(parts, "- "+e.Content)
	}
	return strings.Join(parts, "\n"), nil
}

func (m *StoreMemory) Remember(ctx context.Context, sessionID, summary string) error {
	if summary == "" {
		return nil
	}
	return m.entries.AppendEntry(ctx, &store.MemoryEntry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Content:   summary,
		CreatedAt: time.Now().UTC(),
	})
}

var _ Memory = (*StoreMemory)(nil)
var _ Memory = NoMemory{}
