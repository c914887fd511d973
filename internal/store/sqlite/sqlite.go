// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

// Package sqlite persists sessions, transcripts, memory entries, and the
// guardrail audit log in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/talon-dev/talon/internal/store"
	talonerr "github.com/talon-dev/talon/pkg/errors"
)

func init() {
	store.RegisterBackend("sqlite", func(dataPath string) (store.Stores, error) {
		s, err := Open(filepath.Join(dataPath, "talon.db"))
		if err != nil {
			return store.Stores{}, err
		}
		return store.Stores{Sessions: s, Memory: s, Audit: s}, nil
	})
}

// Compile-time interface checks.
var (
	_ store.SessionStore = (*Store)(nil)
	_ store.MemoryStore  = (*Store)(nil)
	_ store.AuditStore   = (*Store)(nil)
)

// Store implements all store interfaces backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, talonerr.Wrap(err, talonerr.CodeStoreDatabaseFailure, "opening sqlite db")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, talonerr.Wrap(err, talonerr.CodeStoreDatabaseFailure, "pinging sqlite db")
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, talonerr.Wrap(err, talonerr.CodeStoreDatabaseFailure, "migrating sqlite db")
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	channel       TEXT NOT NULL DEFAULT '',
	target        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'active',
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel, target);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	tool_calls   TEXT NOT NULL DEFAULT '',
	tool_call_id TEXT NOT NULL DEFAULT '',
	tool_name    TEXT NOT NULL DEFAULT '',
	is_error     INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

CREATE TABLE IF NOT EXISTS memory_entries (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_memory_session ON memory_entries(session_id, created_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	tool_name  TEXT NOT NULL,
	decision   TEXT NOT NULL,
	rule       TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id, created_at);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(ctx context.Context, session *store.Session) error {
	const q = `INSERT INTO sessions (id, name, channel, target, status, message_count, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		session.ID,
		session.Name,
		session.Channel,
		session.Target,
		string(session.Status),
		session.MessageCount,
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)
	if err != nil {
		return talonerr.Wrapf(err, talonerr.CodeStoreDatabaseFailure, "creating session %s", session.ID)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	const q = `SELECT id, name, channel, target, status, message_count, created_at, updated_at
FROM sessions WHERE id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, talonerr.New(
			talonerr.CodeStoreSessionNotFound,
			"session not found: "+id,
			talonerr.FieldSessionID(id),
		)
	}
	if err != nil {
		return nil, talonerr.Wrapf(err, talonerr.CodeStoreDatabaseFailure, "getting session %s", id)
	}
	return sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, session *store.Session) error {
	const q = `UPDATE sessions SET name = ?, channel = ?, target = ?, status = ?, message_count = ?, updated_at = ?
WHERE id = ?`

	res, err := s.db.ExecContext(ctx, q,
		session.Name,
		session.Channel,
		session.Target,
		string(session.Status),
		session.MessageCount,
		formatTime(time.Now().UTC()),
		session.ID,
	)
	if err != nil {
		return talonerr.Wrapf(err, talonerr.CodeStoreDatabaseFailure, "updating session %s", session.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return talonerr.New(
			talonerr.CodeStoreSessionNotFound,
			"session not found: "+session.ID,
			talonerr.FieldSessionID(session.ID),
		)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, opts store.ListOpts) ([]*store.Session, error) {
	q := `SELECT id, name, channel, target, status, message_count, created_at, updated_at
FROM sessions ORDER BY created_at`
	args := []any{}
	if opts.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, talonerr.Wrap(err, talonerr.CodeStoreDatabaseFailure, "listing sessions")
	}
	defer rows.Close()

	var out []*store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, talonerr.Wrap(err, talonerr.CodeStoreDatabaseFailure, "scanning session row")
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return talonerr.Wrapf(err, talonerr.CodeStoreDatabaseFailure, "deleting session %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return talonerr.New(
			talonerr.CodeStoreSessionNotFound,
			"session not found: "+id,
			talonerr.FieldSessionID(id),
		)
	}
	return nil
}

func (s *Store) DeleteEmptySessions(ctx context.Context) (int, error) {
	const q = `DELETE FROM sessions WHERE id NOT IN (SELECT DISTINCT session_id FROM messages)`

	res, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return 0, talonerr.Wrap(err, talonerr.CodeStoreDatabaseFailure, "deleting empty sessions")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *store.Message) error {
	const q = `INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, tool_name, is_error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		msg.ID,
		msg.SessionID,
		string(msg.Role),
		msg.Content,
		msg.ToolCalls,
		msg.ToolCallID,
		msg.ToolName,
		boolToInt(msg.IsError),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return talonerr.Wrapf(err, talonerr.CodeStoreDatabaseFailure, "appending message to session %s", msg.SessionID)
	}
	return nil
}

func (s *Store) GetMessages(ctx context.Context, sessionID string, limit int) ([]*store.Message, error) {
	// Select the newest rows, then reverse into chronological order.
	q := `SELECT id, session_id, role, content, tool_calls, tool_call_id, tool_name, is_error, created_at
FROM messages WHERE session_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, talonerr.Wrapf(err, talonerr.CodeStoreDatabaseFailure, "reading messages for session %s", sessionID)
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		var msg store.Message
		var isError int
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&msg.ToolCalls, &msg.ToolCallID, &msg.ToolName, &isError, &createdAt); err != nil {
			return nil, talonerr.Wrap(err, talonerr.CodeStoreDatabaseFailure, "scanning message row")
		}
		msg.IsError = isError != 0
		msg.CreatedAt = parseTime(createdAt)
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) AppendEntry(ctx context.Context, entry *store.MemoryEntry) error {
	const q = `INSERT INTO memory_entries (id, session_id, content, created_at) VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		entry.ID, entry.SessionID, entry.Content, formatTime(entry.CreatedAt))
	if err != nil {
		return talonerr.Wrapf(err, talonerr.CodeStoreDatabaseFailure, "appending memory entry for session %s", entry.SessionID)
	}
	return nil
}

func (s *Store) RecentEntries(ctx context.Context, sessionID string, limit int) ([]*store.MemoryEntry, error) {
	q := `SELECT id, session_id, content, created_at
FROM memory_entries WHERE session_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, talonerr.Wrapf(err, talonerr.CodeStoreDatabaseFailure, "reading memory for session %s", sessionID)
	}
	defer rows.Close()

	var out []*store.MemoryEntry
	for rows.Next() {
		var e store.MemoryEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Content, &createdAt); err != nil {
			return nil, talonerr.Wrap(err, talonerr.CodeStoreDatabaseFailure, "scanning memory row")
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry *store.AuditEntry) error {
	const q = `INSERT INTO audit_log (id, session_id, tool_name, decision, rule, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		entry.ID, entry.SessionID, entry.ToolName, entry.Decision,
		entry.Rule, entry.Reason, formatTime(entry.CreatedAt))
	if err != nil {
		return talonerr.Wrap(err, talonerr.CodeStoreDatabaseFailure, "appending audit entry")
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, sessionID string, limit int) ([]*store.AuditEntry, error) {
	q := `SELECT id, session_id, tool_name, decision, rule, reason, created_at
FROM audit_log WHERE session_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, talonerr.Wrap(err, talonerr.CodeStoreDatabaseFailure, "reading audit log")
	}
	defer rows.Close()

	var out []*store.AuditEntry
	for rows.Next() {
		var e store.AuditEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ToolName, &e.Decision,
			&e.Rule, &e.Reason, &createdAt); err != nil {
			return nil, talonerr.Wrap(err, talonerr.CodeStoreDatabaseFailure, "scanning audit row")
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var sess store.Session
	var createdAt, updatedAt string
	if err := row.Scan(&sess.ID, &sess.Name, &sess.Channel, &sess.Target,
		&sess.Status, &sess.MessageCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
