// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package store

import (
	"context"
	"sync"

	talonerr "github.com/talon-dev/talon/pkg/errors"
)

// SessionStore persists sessions and their transcripts.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	ListSessions(ctx context.Context, opts ListOpts) ([]*Session, error)
	DeleteSession(ctx context.Context, id string) error
	// DeleteEmptySessions removes sessions with no messages. Called once
	// at startup; returns the number removed.
	DeleteEmptySessions(ctx context.Context) (int, error)

	AppendMessage(ctx context.Context, msg *Message) error
	// GetMessages returns the last limit messages in chronological order.
	// A non-positive limit returns the full transcript.
	GetMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)

	Close() error
}

// MemoryStore persists per-session remembered facts.
type MemoryStore interface {
	AppendEntry(ctx context.Context, entry *MemoryEntry) error
	// RecentEntries returns the last limit entries, oldest first.
	RecentEntries(ctx context.Context, sessionID string, limit int) ([]*MemoryEntry, error)
	Close() error
}

// AuditStore persists guardrail decisions.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, sessionID string, limit int) ([]*AuditEntry, error)
	Close() error
}

// Stores bundles the three stores a running gateway needs. Backends
// typically implement all of them over one database.
type Stores struct {
	Sessions SessionStore
	Memory   MemoryStore
	Audit    AuditStore
}

// Close closes each distinct underlying store once.
func (s Stores) Close() error {
	seen := map[any]struct{}{}
	var errs []error
	for _, c := range []interface{ Close() error }{s.Sessions, s.Memory, s.Audit} {
		if c == nil {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return talonerr.Join(errs...)
	}
	return nil
}

// Factory creates a backend's stores given its data path.
type Factory func(dataPath string) (Stores, error)

var (
	factories   = map[string]Factory{}
	factoriesMu sync.RWMutex
)

// RegisterBackend registers a factory for a named storage backend.
// Backend packages call this from init(). Goroutine-safe.
func RegisterBackend(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// New creates the stores for a backend. An empty name selects sqlite.
func New(backend, dataPath string) (Stores, error) {
	if backend == "" {
		backend = "sqlite"
	}

	factoriesMu.RLock()
	f, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return Stores{}, talonerr.New(
			talonerr.CodeStoreBackendUnsupported,
			"unsupported storage backend: "+backend,
		)
	}
	return f(dataPath)
}
