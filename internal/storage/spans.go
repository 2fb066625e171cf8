package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/renkei/internal/model"
)

// InsertSpans archives closed spans using the COPY protocol.
// The tracer only hands over spans once they are closed, so every row
// has ended_at set and end_time >= start_time.
func (db *DB) InsertSpans(ctx context.Context, spans []model.Span) (int64, error) {
	if len(spans) == 0 {
		return 0, nil
	}

	columns := []string{"trace_id", "span_id", "parent_span_id", "operation_name", "started_at", "ended_at", "status", "tags"}

	rows := make([][]any, len(spans))
	for i, s := range spans {
		tags, err := json.Marshal(s.Tags)
		if err != nil {
			return 0, fmt.Errorf("storage: marshal span tags: %w", err)
		}
		rows[i] = []any{
			s.TraceID,
			s.SpanID,
			s.ParentSpanID,
			s.Operation,
			s.StartedAt,
			s.EndedAt,
			string(s.Status),
			tags,
		}
	}

	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	count, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"spans"},
		columns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy spans: %w", err)
	}
	return count, nil
}

// GetSpansByTrace returns archived spans for a trace ordered by start time.
func (db *DB) GetSpansByTrace(ctx context.Context, traceID uuid.UUID, limit int) ([]model.Span, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT trace_id, span_id, parent_span_id, operation_name, started_at, ended_at, status, tags
		 FROM spans WHERE trace_id = $1
		 ORDER BY started_at ASC
		 LIMIT $2`, traceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get spans by trace: %w", err)
	}
	defer rows.Close()

	var spans []model.Span
	for rows.Next() {
		var s model.Span
		var tags []byte
		if err := rows.Scan(
			&s.TraceID, &s.SpanID, &s.ParentSpanID, &s.Operation,
			&s.StartedAt, &s.EndedAt, &s.Status, &tags,
		); err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &s.Tags); err != nil {
				return nil, fmt.Errorf("storage: unmarshal span tags: %w", err)
			}
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}
