package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chatrelay/internal/domain"
)

var _ domain.SessionStore = (*SQLiteStore)(nil)

func (s *SQLiteStore) FindOpenSession(ctx context.Context, userID, platform string, historyLimit int) (*domain.ChatSession, error) {
	var (
		id             int64
		state, meta    string
		created, touch int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, state, COALESCE(metadata, ''), created_at, last_activity_at
		 FROM chat_sessions WHERE user_id = ? AND platform = ? AND state != 'closed'
		 ORDER BY id DESC LIMIT 1`,
		userID, platform,
	).Scan(&id, &state, &meta, &created, &touch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}

	sess := &domain.ChatSession{
		SessionID:      strconv.FormatInt(id, 10),
		UserID:         userID,
		Platform:       platform,
		State:          domain.SessionState(state),
		CreatedAt:      fromMillis(created),
		LastActivityAt: fromMillis(touch),
		Metadata:       decodeMeta(meta),
	}

	history, err := s.recentMessages(ctx, id, historyLimit)
	if err != nil {
		return nil, err
	}
	sess.History = history
	return sess, nil
}

// recentMessages returns the newest limit messages in insertion order.
func (s *SQLiteStore) recentMessages(ctx context.Context, sessionID int64, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, sender_id, receiver_id, content, message_type, platform, timestamp, metadata FROM (
			SELECT id, message_id, COALESCE(sender_id, '') AS sender_id, COALESCE(receiver_id, '') AS receiver_id,
			       COALESCE(content, '') AS content, COALESCE(message_type, '') AS message_type,
			       COALESCE(platform, '') AS platform, COALESCE(timestamp, 0) AS timestamp,
			       COALESCE(metadata, '') AS metadata
			FROM chat_messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		var (
			m       domain.ChatMessage
			msgType string
			ts      int64
			meta    string
		)
		if err := rows.Scan(&m.MessageID, &m.SenderID, &m.ReceiverID, &m.Content, &msgType, &m.Platform, &ts, &meta); err != nil {
			return nil, err
		}
		m.Type = domain.MessageType(msgType)
		m.Timestamp = fromMillis(ts)
		m.Metadata = decodeMeta(meta)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CreateSession inserts sess. If another open session for the pair already
// exists, sess is filled from that row instead.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.ChatSession) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = sess.CreatedAt
	}
	if sess.State == "" {
		sess.State = domain.SessionActive
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chat_sessions (user_id, platform, state, metadata, created_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.UserID, sess.Platform, string(sess.State), encodeMeta(sess.Metadata),
		toMillis(sess.CreatedAt), toMillis(sess.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.FindOpenSession(ctx, sess.UserID, sess.Platform, len(sess.History))
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("create session: insert ignored but no open session for %s/%s", sess.Platform, sess.UserID)
		}
		*sess = *existing
		return nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sess.SessionID = strconv.FormatInt(id, 10)
	return nil
}

func (s *SQLiteStore) SaveSessionState(ctx context.Context, sess domain.ChatSession) error {
	id, ok := parseID(sess.SessionID)
	if !ok {
		return domain.ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET state = ?, metadata = ?, last_activity_at = MAX(last_activity_at, ?) WHERE id = ?`,
		string(sess.State), encodeMeta(sess.Metadata), toMillis(sess.LastActivityAt), id,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, msgs []domain.ChatMessage) (int, error) {
	id, ok := parseID(sessionID)
	if !ok {
		return 0, domain.ErrNotFound
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO chat_messages
		 (session_id, message_id, sender_id, receiver_id, content, message_type, platform, timestamp, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range msgs {
		res, err := stmt.ExecContext(ctx, id, m.MessageID, m.SenderID, m.ReceiverID, m.Content,
			string(m.Type), m.Platform, toMillis(m.Timestamp), encodeMeta(m.Metadata))
		if err != nil {
			return 0, fmt.Errorf("append message %s: %w", m.MessageID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *SQLiteStore) TrimMessages(ctx context.Context, sessionID string, keep int) error {
	id, ok := parseID(sessionID)
	if !ok {
		return domain.ErrNotFound
	}
	if keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE session_id = ? AND id NOT IN (
			SELECT id FROM chat_messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
		)`,
		id, id, keep,
	)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string) error {
	id, ok := parseID(sessionID)
	if !ok {
		return domain.ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET state = 'closed' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ExpireIdleSessions(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET state = 'expired'
		 WHERE state IN ('active', 'processing', 'waiting') AND last_activity_at < ?`,
		toMillis(before),
	)
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func encodeMeta(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeMeta(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
