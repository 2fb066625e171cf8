package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/renkei/internal/model"
)

// InsertMemoryEntries appends memory entries using the COPY protocol.
// The memory_entries table is append-only; the only delete path is
// DeleteMemoryEntries, driven by an operator-confirmed Clear.
func (db *DB) InsertMemoryEntries(ctx context.Context, entries []model.MemoryEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	columns := []string{"id", "agent_id", "memory_type", "content", "context_tags", "confidence", "created_at"}

	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{
			e.ID,
			e.AgentID,
			string(e.Type),
			e.Content,
			e.ContextTags,
			e.Confidence,
			e.CreatedAt,
		}
	}

	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	count, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"memory_entries"},
		columns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy memory entries: %w", err)
	}
	return count, nil
}

// GetRecentMemoryEntries returns entries for an (agent, type) pair,
// most recent first.
func (db *DB) GetRecentMemoryEntries(ctx context.Context, agentID string, memType model.MemoryType, limit int) ([]model.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, memory_type, content, context_tags, confidence, created_at
		 FROM memory_entries
		 WHERE agent_id = $1 AND memory_type = $2
		 ORDER BY created_at DESC
		 LIMIT $3`, agentID, string(memType), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get memory entries: %w", err)
	}
	defer rows.Close()

	var entries []model.MemoryEntry
	for rows.Next() {
		var e model.MemoryEntry
		if err := rows.Scan(
			&e.ID, &e.AgentID, &e.Type, &e.Content, &e.ContextTags, &e.Confidence, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan memory entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteMemoryEntries removes entries for an agent. An empty memType
// deletes across all tiers. Returns the number of rows removed.
// Callers must have already enforced operator confirmation.
func (db *DB) DeleteMemoryEntries(ctx context.Context, agentID string, memType model.MemoryType) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM memory_entries
		 WHERE agent_id = $1 AND ($2 = '' OR memory_type = $2)`,
		agentID, string(memType),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete memory entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
