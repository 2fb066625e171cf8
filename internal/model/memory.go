package model

import (
	"time"

	"github.com/google/uuid"
)

// MemoryType is the tier a memory entry belongs to.
type MemoryType string

const (
	// MemoryEpisodic records a specific past event or interaction.
	MemoryEpisodic MemoryType = "episodic"
	// MemorySemantic records a generalized fact or concept.
	MemorySemantic MemoryType = "semantic"
	// MemoryProcedural records a learned action pattern.
	MemoryProcedural MemoryType = "procedural"
)

// MemoryTypes lists all tiers, in storage order.
var MemoryTypes = []MemoryType{MemoryEpisodic, MemorySemantic, MemoryProcedural}

// ValidMemoryType reports whether t is a known memory tier.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryEpisodic, MemorySemantic, MemoryProcedural:
		return true
	}
	return false
}

// MemoryEntry is an immutable record in an agent's tiered memory.
// Corrections are new entries, never edits; the only removal path is an
// operator-confirmed Clear.
type MemoryEntry struct {
	ID          uuid.UUID  `json:"id"`
	AgentID     string     `json:"agent_id"`
	Type        MemoryType `json:"memory_type"`
	Content     string     `json:"content"`
	ContextTags []string   `json:"context_tags"`
	Confidence  float64    `json:"confidence"`
	CreatedAt   time.Time  `json:"created_at"`
}

// MemoryTypeStats aggregates one memory tier for one agent (or system-wide).
type MemoryTypeStats struct {
	Count         int     `json:"count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// MemoryStats aggregates memory by tier.
type MemoryStats struct {
	AgentID string                         `json:"agent_id,omitempty"` // empty means system-wide
	ByType  map[MemoryType]MemoryTypeStats `json:"by_type"`
	Total   int                            `json:"total"`
}
