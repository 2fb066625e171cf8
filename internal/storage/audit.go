package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/renkei/internal/model"
)

// MemoryAuditEntry is an append-only audit record for a confirmed memory
// Clear. The target table is immutable: the only destructive operation
// in the runtime leaves a durable trail of who removed what, and when.
type MemoryAuditEntry struct {
	Actor       string
	AgentID     string
	MemoryType  model.MemoryType // empty means all tiers
	RemovedRows int64
	RequestedAt time.Time
}

// InsertMemoryAudit appends a memory clear audit record.
func (db *DB) InsertMemoryAudit(ctx context.Context, e MemoryAuditEntry) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO memory_audit_log (actor, agent_id, memory_type, removed_rows, requested_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.Actor, e.AgentID, string(e.MemoryType), e.RemovedRows, e.RequestedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert memory audit: %w", err)
	}
	return nil
}
