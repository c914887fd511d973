// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talon-dev/talon/internal/store"
	talonerr "github.com/talon-dev/talon/pkg/errors"
)

// nameLabelLimit caps auto-assigned session names.
const nameLabelLimit = 60

// SessionManager tracks conversations and serializes runs per session.
// Persistence is delegated to the store; the manager owns only the
// run-lock pool.
type SessionManager struct {
	sessions store.SessionStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	nowFunc func() time.Time
}

// NewSessionManager wraps a session store.
func NewSessionManager(sessions store.SessionStore) *SessionManager {
	return &SessionManager{
		sessions: sessions,
		locks:    make(map[string]*sync.Mutex),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (m *SessionManager) SetNowFunc(fn func() time.Time) {
	m.nowFunc = fn
}

// GetOrInsert returns the session with the given id, creating it when
// missing. An existing session with empty routing fields is backfilled
// from the arguments.
func (m *SessionManager) GetOrInsert(ctx context.Context, id, channel, target string) (*store.Session, error) {
	sess, err := m.sessions.GetSession(ctx, id)
	if err == nil {
		changed := false
		if sess.Channel == "" && channel != "" {
			sess.Channel = channel
			changed = true
		}
		if sess.Target == "" && target != "" {
			sess.Target = target
			changed = true
		}
		if changed {
			if err := m.sessions.UpdateSession(ctx, sess); err != nil {
				return nil, err
			}
		}
		return sess, nil
	}
	if !talonerr.IsNotFound(err) {
		return nil, err
	}
	return m.create(ctx, id, channel, target)
}

// FindOrCreate returns the active session for a channel/target pair,
// creating one when none exists.
func (m *SessionManager) FindOrCreate(ctx context.Context, channel, target string) (*store.Session, error) {
	sessions, err := m.sessions.ListSessions(ctx, store.ListOpts{})
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.Channel == channel && sess.Target == target && sess.Status == store.SessionStatusActive {
			return sess, nil
		}
	}
	return m.create(ctx, uuid.NewString(), channel, target)
}

// Create makes a new active session with a fresh id.
func (m *SessionManager) Create(ctx context.Context, channel, target string) (*store.Session, error) {
	return m.create(ctx, uuid.NewString(), channel, target)
}

func (m *SessionManager) create(ctx context.Context, id, channel, target string) (*store.Session, error) {
	now := m.nowFunc().UTC()
	sess := &store.Session{
		ID:        id,
		Channel:   channel,
		Target:    target,
		Status:    store.SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.sessions.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	slog.Info("session created", "session_id", id, "channel", channel, "target", target)
	return sess, nil
}

// Get returns a session by id.
func (m *SessionManager) Get(ctx context.Context, id string) (*store.Session, error) {
	return m.sessions.GetSession(ctx, id)
}

// List returns sessions in the store's creation order.
func (m *SessionManager) List(ctx context.Context, opts store.ListOpts) ([]*store.Session, error) {
	return m.sessions.ListSessions(ctx, opts)
}

// RecordMessage persists a transcript message and bumps the session's
// message count.
func (m *SessionManager) RecordMessage(ctx context.Context, msg *store.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.nowFunc().UTC()
	}
	if err := m.sessions.AppendMessage(ctx, msg); err != nil {
		return err
	}
	sess, err := m.sessions.GetSession(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	sess.MessageCount++
	sess.UpdatedAt = m.nowFunc().UTC()
	return m.sessions.UpdateSession(ctx, sess)
}

// Transcript returns the last limit messages in chronological order.
func (m *SessionManager) Transcript(ctx context.Context, sessionID string, limit int) ([]*store.Message, error) {
	return m.sessions.GetMessages(ctx, sessionID, limit)
}

// SetNameFromText labels an unnamed session with the first line of the
// given text, capped at 60 characters. A no-op when the session already
// has a name or the text is empty.
func (m *SessionManager) SetNameFromText(ctx context.Context, sessionID, text string) error {
	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Name != "" || text == "" {
		return nil
	}
	sess.Name = labelFromText(text)
	sess.UpdatedAt = m.nowFunc().UTC()
	return m.sessions.UpdateSession(ctx, sess)
}

// Close marks a session inactive.
func (m *SessionManager) Close(ctx context.Context, sessionID string) error {
	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.Status = store.SessionStatusClosed
	sess.UpdatedAt = m.nowFunc().UTC()
	return m.sessions.UpdateSession(ctx, sess)
}

// CleanupEmpty removes sessions that never recorded a message. Run once
// at startup.
func (m *SessionManager) CleanupEmpty(ctx context.Context) (int, error) {
	n, err := m.sessions.DeleteEmptySessions(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("removed empty sessions", "count", n)
	}
	return n, nil
}

// RunLock returns the mutex serializing runs for a session. Callers for
// the same id always receive the same mutex; entries are created lazily
// and live for the manager's lifetime.
func (m *SessionManager) RunLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}

// labelFromText trims text to its first line, capped at nameLabelLimit
// characters on rune boundaries.
func labelFromText(text string) string {
	runes := []rune(text)
	if len(runes) > nameLabelLimit {
		runes = runes[:nameLabelLimit]
	}
	label := string(runes)
	if i := strings.IndexByte(label, '\n'); i >= 0 {
		label = label[:i]
	}
	return strings.TrimSpace(label)
}
