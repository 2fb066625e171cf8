package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/renkei/internal/model"
)

// InsertCycleMetric writes one per-cycle aggregate. Cycle metrics are
// low volume (one row per cycle) so a plain INSERT is used instead of
// COPY. The (run_id, cycle_number) unique constraint enforces the
// no-duplicate invariant at the storage layer too.
func (db *DB) InsertCycleMetric(ctx context.Context, m model.CycleMetric) error {
	errs, err := json.Marshal(m.Errors)
	if err != nil {
		return fmt.Errorf("storage: marshal cycle errors: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO cycle_metrics (run_id, cycle_number, tasks_completed, tasks_failed, messages_sent, errors, duration_ms, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`,
		m.RunID, m.CycleNumber, m.TasksCompleted, m.TasksFailed, m.MessagesSent,
		errs, m.Duration.Milliseconds(), m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storage: insert cycle metric: %w", err)
	}
	return nil
}

// GetRecentCycleMetrics returns the most recent metrics for a run,
// newest first.
func (db *DB) GetRecentCycleMetrics(ctx context.Context, runID uuid.UUID, limit int) ([]model.CycleMetric, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, cycle_number, tasks_completed, tasks_failed, messages_sent, errors, duration_ms, recorded_at
		 FROM cycle_metrics WHERE run_id = $1
		 ORDER BY cycle_number DESC
		 LIMIT $2`, runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get cycle metrics: %w", err)
	}
	defer rows.Close()

	var metrics []model.CycleMetric
	for rows.Next() {
		var m model.CycleMetric
		var errs []byte
		var durationMs int64
		if err := rows.Scan(
			&m.RunID, &m.CycleNumber, &m.TasksCompleted, &m.TasksFailed,
			&m.MessagesSent, &errs, &durationMs, &m.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("storage: scan cycle metric: %w", err)
		}
		m.Duration = millisToDuration(durationMs)
		if len(errs) > 0 {
			if err := json.Unmarshal(errs, &m.Errors); err != nil {
				return nil, fmt.Errorf("storage: unmarshal cycle errors: %w", err)
			}
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// InsertRunReport persists a run summary. Reports are written on every
// termination path (max cycles, fatal threshold, explicit stop).
func (db *DB) InsertRunReport(ctx context.Context, r model.RunReport) error {
	recent, err := json.Marshal(r.RecentErrors)
	if err != nil {
		return fmt.Errorf("storage: marshal report errors: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO run_reports (run_id, outcome, cycles_run, tasks_completed, tasks_failed, messages_sent, success_rate, recent_errors, fatal_cause, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11)`,
		r.RunID, string(r.Outcome), r.CyclesRun, r.TasksCompleted, r.TasksFailed,
		r.MessagesSent, r.SuccessRate, recent, r.FatalCause, r.StartedAt, r.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert run report: %w", err)
	}
	return nil
}

func millisToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
