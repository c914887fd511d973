// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

func init() {
	RegisterBackend("memory", func(string) (Stores, error) {
		m := NewMemoryBackend()
		return Stores{Sessions: m, Memory: m, Audit: m}, nil
	})
}

// MemoryBackend is an in-memory implementation of all stores. Used for
// tests and for running without persistence.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*Message
	memories map[string][]*MemoryEntry
	audits   map[string][]*AuditEntry
}

var (
	_ SessionStore = (*MemoryBackend)(nil)
	_ MemoryStore  = (*MemoryBackend)(nil)
	_ AuditStore   = (*MemoryBackend)(nil)
)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
		memories: make(map[string][]*MemoryEntry),
		audits:   make(map[string][]*AuditEntry),
	}
}

func (m *MemoryBackend) CreateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return conflictErr(session.ID)
	}
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *MemoryBackend) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, notFoundErr(id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryBackend) UpdateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; !ok {
		return notFoundErr(session.ID)
	}
	cp := *session
	cp.UpdatedAt = time.Now().UTC()
	m.sessions[session.ID] = &cp
	return nil
}

func (m *MemoryBackend) ListSessions(_ context.Context, opts ListOpts) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return paginate(out, opts), nil
}

func (m *MemoryBackend) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return notFoundErr(id)
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	delete(m.memories, id)
	delete(m.audits, id)
	return nil
}

func (m *MemoryBackend) DeleteEmptySessions(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id := range m.sessions {
		if len(m.messages[id]) == 0 {
			delete(m.sessions, id)
			delete(m.memories, id)
			delete(m.audits, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryBackend) AppendMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[msg.SessionID]; !ok {
		return notFoundErr(msg.SessionID)
	}
	cp := *msg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &cp)
	return nil
}

func (m *MemoryBackend) GetMessages(_ context.Context, sessionID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryBackend) AppendEntry(_ context.Context, entry *MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.memories[entry.SessionID] = append(m.memories[entry.SessionID], &cp)
	return nil
}

func (m *MemoryBackend) RecentEntries(_ context.Context, sessionID string, limit int) ([]*MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.memories[sessionID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*MemoryEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryBackend) AppendAudit(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.audits[entry.SessionID] = append(m.audits[entry.SessionID], &cp)
	return nil
}

func (m *MemoryBackend) ListAudit(_ context.Context, sessionID string, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.audits[sessionID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*AuditEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }

func paginate(sessions []*Session, opts ListOpts) []*Session {
	if opts.Offset > 0 {
		if opts.Offset >= len(sessions) {
			return nil
		}
		sessions = sessions[opts.Offset:]
	}
	if opts.Limit > 0 && len(sessions) > opts.Limit {
		sessions = sessions[:opts.Limit]
	}
	return sessions
}
