package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (s *SQLiteStore) CreateSession(ctx context.Context, projectID int64, title string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, project_id, title) VALUES (?, ?, ?)",
		id, projectID, title)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.getSession(ctx, id)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSession(ctx, id)
}

func (s *SQLiteStore) getSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		"SELECT id, project_id, title, created_at, updated_at FROM sessions WHERE id = ?", id).
		Scan(&sess.ID, &sess.ProjectID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, projectID int64) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, project_id, title, created_at, updated_at FROM sessions WHERE project_id = ? ORDER BY updated_at DESC",
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.ProjectID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) SetSessionTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", title, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, context_files, context_chunks, latency_ms, partial, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var files, chunks string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &files, &chunks, &m.LatencyMS, &m.Partial, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(files), &m.ContextFiles); err != nil {
			return nil, fmt.Errorf("decode context files of message %s: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(chunks), &m.ContextChunks); err != nil {
			return nil, fmt.Errorf("decode context chunks of message %s: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendMessage persists msg, assigning its ID and CreatedAt when unset, and
// bumps the session's updated_at. Messages are immutable once written.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	files, err := json.Marshal(emptyIfNil(msg.ContextFiles))
	if err != nil {
		return err
	}
	chunks, err := json.Marshal(emptyIfNilInt64(msg.ContextChunks))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, context_files, context_chunks, latency_ms, partial, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, string(files), string(chunks), msg.LatencyMS, msg.Partial, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", msg.SessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyIfNilInt64(s []int64) []int64 {
	if s == nil {
		return []int64{}
	}
	return s
}
