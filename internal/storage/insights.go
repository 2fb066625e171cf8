package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/renkei/internal/model"
)

// InsertInsight persists one advisory record. Insights are insert-only;
// acting on them is outside the runtime.
func (db *DB) InsertInsight(ctx context.Context, in model.Insight) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO insights (id, agent_id, kind, rule, description, confidence, priority, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.ID, in.AgentID, string(in.Kind), in.Rule, in.Description,
		in.Confidence, in.Priority, in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert insight: %w", err)
	}
	return nil
}

// ListInsights returns insights created at or after since, highest
// priority first, then newest first.
func (db *DB) ListInsights(ctx context.Context, since time.Time, limit int) ([]model.Insight, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, kind, rule, description, confidence, priority, created_at
		 FROM insights WHERE created_at >= $1
		 ORDER BY priority DESC, created_at DESC
		 LIMIT $2`, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list insights: %w", err)
	}
	defer rows.Close()

	var insights []model.Insight
	for rows.Next() {
		var in model.Insight
		if err := rows.Scan(
			&in.ID, &in.AgentID, &in.Kind, &in.Rule, &in.Description,
			&in.Confidence, &in.Priority, &in.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan insight: %w", err)
		}
		insights = append(insights, in)
	}
	return insights, rows.Err()
}
