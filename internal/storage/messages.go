package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/renkei/internal/model"
)

// InsertMessages archives terminal messages (delivered or dead-lettered)
// using the COPY protocol for high throughput. The bus only hands over
// messages that have reached a terminal status.
func (db *DB) InsertMessages(ctx context.Context, msgs []model.Message) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	columns := []string{"id", "sender_id", "recipient_id", "message_type", "priority", "content", "status", "retry_count", "created_at", "archived_at"}

	now := time.Now().UTC()
	rows := make([][]any, len(msgs))
	for i, m := range msgs {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return 0, fmt.Errorf("storage: marshal message content: %w", err)
		}
		rows[i] = []any{
			m.ID,
			m.SenderID,
			m.RecipientID,
			string(m.Type),
			m.Priority,
			content,
			string(m.Status),
			m.RetryCount,
			m.CreatedAt,
			now,
		}
	}

	// Dedicated COPY timeout prevents a hung Postgres from blocking the
	// persist buffer flush indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	count, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"messages"},
		columns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy messages: %w", err)
	}
	return count, nil
}

// GetDeadLetters returns archived dead-lettered messages, newest first.
// An empty recipientID returns dead letters for all recipients.
func (db *DB) GetDeadLetters(ctx context.Context, recipientID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, sender_id, recipient_id, message_type, priority, content, status, retry_count, created_at
		 FROM messages
		 WHERE status = 'dead_lettered' AND ($1 = '' OR recipient_id = $1)
		 ORDER BY created_at DESC
		 LIMIT $2`, recipientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get dead letters: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// CountMessagesByStatus returns how many archived messages carry each status.
func (db *DB) CountMessagesByStatus(ctx context.Context) (map[model.MessageStatus]int64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, count(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.MessageStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("storage: scan message count: %w", err)
		}
		counts[model.MessageStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanMessages(rows pgx.Rows) ([]model.Message, error) {
	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var content []byte
		if err := rows.Scan(
			&m.ID, &m.SenderID, &m.RecipientID, &m.Type, &m.Priority,
			&content, &m.Status, &m.RetryCount, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		if len(content) > 0 {
			if err := json.Unmarshal(content, &m.Content); err != nil {
				return nil, fmt.Errorf("storage: unmarshal message content: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
