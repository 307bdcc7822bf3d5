package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatrelay/internal/domain"
)

// The methods below satisfy queue.Store.

func (s *SQLiteStore) SavePending(ctx context.Context, item domain.QueuedMessage) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queued message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queued_messages (id, platform, retry_count, created_at, payload) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET retry_count = excluded.retry_count, payload = excluded.payload`,
		item.ID, item.Message.Platform, item.RetryCount, toMillis(item.CreatedAt), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save pending %s: %w", item.ID, err)
	}
	return nil
}

func (s *SQLiteStore) RemovePending(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove pending %s: %w", id, err)
	}
	return nil
}

// LoadPending returns pending items oldest first.
func (s *SQLiteStore) LoadPending(ctx context.Context) ([]domain.QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM queued_messages ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	return scanPayloads(rows)
}

// MoveToDeadLetter removes the pending row and inserts the dead-letter row
// in one transaction.
func (s *SQLiteStore) MoveToDeadLetter(ctx context.Context, item domain.QueuedMessage) error {
	if item.FailedAt == nil {
		now := time.Now()
		item.FailedAt = &now
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_messages WHERE id = ?`, item.ID); err != nil {
		return fmt.Errorf("dead-letter %s: %w", item.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters (id, platform, retry_count, error_message, failed_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.Message.Platform, item.RetryCount, item.ErrorMessage, toMillis(*item.FailedAt), string(payload),
	); err != nil {
		return fmt.Errorf("dead-letter %s: %w", item.ID, err)
	}
	return tx.Commit()
}

// RestoreDeadLetter deletes the dead-letter row for item.ID and stores item
// as pending, atomically. Returns domain.ErrNotFound if the row is gone.
func (s *SQLiteStore) RestoreDeadLetter(ctx context.Context, item domain.QueuedMessage) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queued message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, item.ID)
	if err != nil {
		return fmt.Errorf("restore %s: %w", item.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO queued_messages (id, platform, retry_count, created_at, payload) VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.Message.Platform, item.RetryCount, toMillis(item.CreatedAt), string(payload),
	); err != nil {
		return fmt.Errorf("restore %s: %w", item.ID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id string) (*domain.QueuedMessage, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM dead_letters WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	var item domain.QueuedMessage
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", id, err)
	}
	return &item, nil
}

// ListDeadLetters pages through dead letters, most recent failure first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, skip, take int) ([]domain.QueuedMessage, error) {
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM dead_letters ORDER BY failed_at DESC, rowid DESC LIMIT ? OFFSET ?`, take, skip)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return scanPayloads(rows)
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ClearDeadLetters(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters`)
	if err != nil {
		return 0, fmt.Errorf("clear dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanPayloads(rows *sql.Rows) ([]domain.QueuedMessage, error) {
	defer rows.Close()
	var result []domain.QueuedMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var item domain.QueuedMessage
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, fmt.Errorf("decode queued message: %w", err)
		}
		result = append(result, item)
	}
	return result, rows.Err()
}
