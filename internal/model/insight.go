package model

import (
	"time"

	"github.com/google/uuid"
)

// InsightKind distinguishes observations from actionable advice.
type InsightKind string

const (
	KindInsight    InsightKind = "insight"
	KindSuggestion InsightKind = "suggestion"
)

// Insight is an advisory record derived from read-only queries over
// memory, span, and cycle data. Generating one never mutates its
// sources, and nothing in the runtime acts on it automatically.
type Insight struct {
	ID          uuid.UUID   `json:"id"`
	AgentID     string      `json:"agent_id,omitempty"` // empty means system-wide
	Kind        InsightKind `json:"kind"`
	Rule        string      `json:"rule"`
	Description string      `json:"description"`
	Confidence  float64     `json:"confidence"`
	Priority    int         `json:"priority"`
	CreatedAt   time.Time   `json:"created_at"`
}
