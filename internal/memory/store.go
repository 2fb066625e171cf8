// Package memory implements the tiered agent memory store: episodic,
// semantic, and procedural entries segmented per agent.
//
// The in-memory store is authoritative. Writes are append-only; the
// only removal path is Clear, which requires explicit confirmation and
// leaves an audit record. Recorded entries are mirrored to durable
// storage through the persistence buffer when one is configured.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/persist"
	"github.com/ashita-ai/renkei/internal/storage"
)

var (
	// ErrInvalidMemoryType is returned for a tier outside
	// episodic/semantic/procedural.
	ErrInvalidMemoryType = errors.New("memory: invalid memory type")

	// ErrInvalidConfidence is returned when confidence is outside [0, 1].
	ErrInvalidConfidence = errors.New("memory: confidence out of range")

	// ErrConfirmationRequired is returned by Clear when the caller did
	// not set the confirmation flag. Nothing is removed.
	ErrConfirmationRequired = errors.New("memory: clear requires explicit confirmation")
)

// DefaultQueryLimit is how many entries Query returns when the caller
// passes a non-positive limit.
const DefaultQueryLimit = 10

// Auditor removes archived entries and records confirmed Clear
// operations durably. *storage.DB satisfies it.
type Auditor interface {
	DeleteMemoryEntries(ctx context.Context, agentID string, memType model.MemoryType) (int64, error)
	InsertMemoryAudit(ctx context.Context, entry storage.MemoryAuditEntry) error
}

// Store holds every agent's memory, segmented by agent id and tier.
// All methods are safe for concurrent use.
type Store struct {
	logger       *slog.Logger
	archive      *persist.Buffer // nil disables archival
	auditor      Auditor         // nil disables durable audit records
	defaultLimit int

	mu     sync.RWMutex
	agents map[string]map[model.MemoryType][]model.MemoryEntry
}

// New creates an empty store. archive and auditor may be nil when the
// runtime has no durable storage. A non-positive defaultLimit falls
// back to DefaultQueryLimit.
func New(logger *slog.Logger, archive *persist.Buffer, auditor Auditor, defaultLimit int) *Store {
	if defaultLimit <= 0 {
		defaultLimit = DefaultQueryLimit
	}
	return &Store{
		logger:       logger,
		archive:      archive,
		auditor:      auditor,
		defaultLimit: defaultLimit,
		agents:       make(map[string]map[model.MemoryType][]model.MemoryEntry),
	}
}

// Record appends a memory entry for an agent. Existing entries are
// never modified; a revised belief is a new entry with its own
// confidence.
func (s *Store) Record(agentID string, typ model.MemoryType, content string, tags []string, confidence float64) (uuid.UUID, error) {
	if !model.ValidMemoryType(typ) {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidMemoryType, typ)
	}
	if confidence < 0 || confidence > 1 {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidConfidence, confidence)
	}

	entry := model.MemoryEntry{
		ID:          uuid.New(),
		AgentID:     agentID,
		Type:        typ,
		Content:     content,
		ContextTags: append([]string(nil), tags...),
		Confidence:  confidence,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	tiers, ok := s.agents[agentID]
	if !ok {
		tiers = make(map[model.MemoryType][]model.MemoryEntry)
		s.agents[agentID] = tiers
	}
	tiers[typ] = append(tiers[typ], entry)
	s.mu.Unlock()

	if s.archive != nil {
		s.archive.AddMemoryEntry(entry)
	}
	return entry.ID, nil
}

// Query returns up to limit entries of one tier for an agent, most
// recent first. A non-positive limit uses the store's default. An
// unknown agent yields an empty result, not an error.
func (s *Store) Query(agentID string, typ model.MemoryType, limit int) ([]model.MemoryEntry, error) {
	if !model.ValidMemoryType(typ) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMemoryType, typ)
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.agents[agentID][typ]
	if len(entries) == 0 {
		return nil, nil
	}

	// Entries are appended in creation order, so the newest live at the
	// tail. Copy backwards.
	n := min(limit, len(entries))
	out := make([]model.MemoryEntry, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// StatsFor returns per-tier count and mean confidence for one agent.
func (s *Store) StatsFor(agentID string) model.MemoryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked(agentID)
}

// Stats returns per-tier statistics for every agent that has recorded
// at least one entry.
func (s *Store) Stats() []model.MemoryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.MemoryStats, 0, len(s.agents))
	for agentID := range s.agents {
		out = append(out, s.statsLocked(agentID))
	}
	return out
}

// SystemStats returns per-tier count and mean confidence aggregated
// across every agent. AgentID is empty on the result.
func (s *Store) SystemStats() model.MemoryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := model.MemoryStats{
		ByType: make(map[model.MemoryType]model.MemoryTypeStats, len(model.MemoryTypes)),
	}
	for _, typ := range model.MemoryTypes {
		count := 0
		var sum float64
		for agentID := range s.agents {
			for _, e := range s.agents[agentID][typ] {
				sum += e.Confidence
				count++
			}
		}
		if count == 0 {
			continue
		}
		stats.ByType[typ] = model.MemoryTypeStats{
			Count:         count,
			AvgConfidence: sum / float64(count),
		}
		stats.Total += count
	}
	return stats
}

func (s *Store) statsLocked(agentID string) model.MemoryStats {
	stats := model.MemoryStats{
		AgentID: agentID,
		ByType:  make(map[model.MemoryType]model.MemoryTypeStats, len(model.MemoryTypes)),
	}
	for _, typ := range model.MemoryTypes {
		entries := s.agents[agentID][typ]
		if len(entries) == 0 {
			continue
		}
		var sum float64
		for _, e := range entries {
			sum += e.Confidence
		}
		stats.ByType[typ] = model.MemoryTypeStats{
			Count:         len(entries),
			AvgConfidence: sum / float64(len(entries)),
		}
		stats.Total += len(entries)
	}
	return stats
}

// Clear removes an agent's memory for one tier, or all tiers when typ
// is empty. It refuses to act without confirm, and records who asked
// and how much was removed. Clearing an agent with no memory is a
// no-op, audited all the same.
func (s *Store) Clear(ctx context.Context, agentID string, typ model.MemoryType, confirm bool, actor string) (int, error) {
	if typ != "" && !model.ValidMemoryType(typ) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMemoryType, typ)
	}
	if !confirm {
		return 0, ErrConfirmationRequired
	}

	s.mu.Lock()
	removed := 0
	if tiers, ok := s.agents[agentID]; ok {
		if typ == "" {
			for _, entries := range tiers {
				removed += len(entries)
			}
			delete(s.agents, agentID)
		} else {
			removed = len(tiers[typ])
			delete(tiers, typ)
		}
	}
	s.mu.Unlock()

	s.logger.Info("memory: cleared",
		"agent_id", agentID,
		"memory_type", string(typ),
		"removed", removed,
		"actor", actor,
	)

	if s.auditor != nil {
		if _, err := s.auditor.DeleteMemoryEntries(ctx, agentID, typ); err != nil {
			return removed, fmt.Errorf("memory: delete archived entries: %w", err)
		}
		audit := storage.MemoryAuditEntry{
			Actor:       actor,
			AgentID:     agentID,
			MemoryType:  typ,
			RemovedRows: int64(removed),
			RequestedAt: time.Now().UTC(),
		}
		if err := s.auditor.InsertMemoryAudit(ctx, audit); err != nil {
			// The in-memory clear already happened; surface the audit
			// failure rather than pretending it was recorded.
			return removed, fmt.Errorf("memory: record clear audit: %w", err)
		}
	}
	return removed, nil
}
