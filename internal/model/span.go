package model

import (
	"time"

	"github.com/google/uuid"
)

// SpanStatus is the terminal status of a closed span.
type SpanStatus string

const (
	SpanStatusOK    SpanStatus = "ok"
	SpanStatusError SpanStatus = "error"
)

// Span is a timed unit of work inside a trace. Spans sharing a TraceID
// form a tree via ParentSpanID; a span with no parent is the trace root.
// Once closed (EndedAt set) a span is immutable.
type Span struct {
	TraceID      uuid.UUID         `json:"trace_id"`
	SpanID       uuid.UUID         `json:"span_id"`
	ParentSpanID *uuid.UUID        `json:"parent_span_id,omitempty"`
	Operation    string            `json:"operation_name"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"` // nil while open
	Status       SpanStatus        `json:"status"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// Duration returns the span's elapsed time, or zero while it is open.
func (s Span) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// OperationStats is a per-operation aggregate used in performance reports.
type OperationStats struct {
	Operation   string        `json:"operation_name"`
	Count       int           `json:"count"`
	AvgDuration time.Duration `json:"avg_duration"`
	MinDuration time.Duration `json:"min_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	Errors      int           `json:"errors"`
}

// PerformanceReport summarizes closed spans across all traces.
// Operations are ranked by average duration descending.
type PerformanceReport struct {
	SpanCount   int              `json:"span_count"`
	AvgDuration time.Duration    `json:"avg_duration"`
	MinDuration time.Duration    `json:"min_duration"`
	MaxDuration time.Duration    `json:"max_duration"`
	Operations  []OperationStats `json:"operations"`
}
