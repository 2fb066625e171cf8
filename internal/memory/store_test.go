package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/storage"
)

type fakeAuditor struct {
	mu      sync.Mutex
	deletes int
	entries []storage.MemoryAuditEntry
	fail    bool
}

func (f *fakeAuditor) DeleteMemoryEntries(_ context.Context, _ string, _ model.MemoryType) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return 0, nil
}

func (f *fakeAuditor) InsertMemoryAudit(_ context.Context, e storage.MemoryAuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("audit unavailable")
	}
	f.entries = append(f.entries, e)
	return nil
}

func newTestStore(auditor Auditor) *Store {
	return New(slog.New(slog.DiscardHandler), nil, auditor, 0)
}

func TestRecordValidatesInput(t *testing.T) {
	s := newTestStore(nil)

	_, err := s.Record("planner", model.MemoryType("intuitive"), "x", nil, 0.5)
	require.ErrorIs(t, err, ErrInvalidMemoryType)

	_, err = s.Record("planner", model.MemoryEpisodic, "x", nil, 1.2)
	require.ErrorIs(t, err, ErrInvalidConfidence)

	_, err = s.Record("planner", model.MemoryEpisodic, "x", nil, -0.1)
	require.ErrorIs(t, err, ErrInvalidConfidence)

	// Boundary confidences are legal.
	_, err = s.Record("planner", model.MemoryEpisodic, "certain", nil, 1)
	require.NoError(t, err)
	_, err = s.Record("planner", model.MemoryEpisodic, "guess", nil, 0)
	require.NoError(t, err)
}

func TestQueryMostRecentFirst(t *testing.T) {
	s := newTestStore(nil)

	for _, content := range []string{"first", "second", "third"} {
		_, err := s.Record("planner", model.MemorySemantic, content, nil, 0.8)
		require.NoError(t, err)
	}

	got, err := s.Query("planner", model.MemorySemantic, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Content)
	assert.Equal(t, "second", got[1].Content)
}

func TestQueryDefaultLimit(t *testing.T) {
	s := newTestStore(nil)

	for i := 0; i < DefaultQueryLimit+5; i++ {
		_, err := s.Record("planner", model.MemoryEpisodic, "e", nil, 0.5)
		require.NoError(t, err)
	}

	got, err := s.Query("planner", model.MemoryEpisodic, 0)
	require.NoError(t, err)
	assert.Len(t, got, DefaultQueryLimit)
}

func TestQueryUnknownAgent(t *testing.T) {
	s := newTestStore(nil)

	got, err := s.Query("ghost", model.MemoryProcedural, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueryDoesNotCrossTiers(t *testing.T) {
	s := newTestStore(nil)

	_, err := s.Record("planner", model.MemoryEpisodic, "saw a thing", nil, 0.9)
	require.NoError(t, err)
	_, err = s.Record("planner", model.MemoryProcedural, "how to do a thing", nil, 0.7)
	require.NoError(t, err)

	got, err := s.Query("planner", model.MemoryEpisodic, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.MemoryEpisodic, got[0].Type)
}

func TestStats(t *testing.T) {
	s := newTestStore(nil)

	_, err := s.Record("planner", model.MemoryEpisodic, "a", nil, 0.4)
	require.NoError(t, err)
	_, err = s.Record("planner", model.MemoryEpisodic, "b", nil, 0.8)
	require.NoError(t, err)
	_, err = s.Record("executor", model.MemorySemantic, "c", nil, 1.0)
	require.NoError(t, err)

	planner := s.StatsFor("planner")
	assert.Equal(t, 2, planner.Total)
	assert.Equal(t, 2, planner.ByType[model.MemoryEpisodic].Count)
	assert.InDelta(t, 0.6, planner.ByType[model.MemoryEpisodic].AvgConfidence, 1e-9)

	all := s.Stats()
	assert.Len(t, all, 2)
}

func TestSystemStatsAggregatesAcrossAgents(t *testing.T) {
	s := newTestStore(nil)

	_, err := s.Record("planner", model.MemoryEpisodic, "a", nil, 0.4)
	require.NoError(t, err)
	_, err = s.Record("executor", model.MemoryEpisodic, "b", nil, 0.8)
	require.NoError(t, err)
	_, err = s.Record("executor", model.MemorySemantic, "c", nil, 1.0)
	require.NoError(t, err)

	sys := s.SystemStats()
	assert.Empty(t, sys.AgentID)
	assert.Equal(t, 3, sys.Total)
	assert.Equal(t, 2, sys.ByType[model.MemoryEpisodic].Count)
	assert.InDelta(t, 0.6, sys.ByType[model.MemoryEpisodic].AvgConfidence, 1e-9)
	assert.Equal(t, 1, sys.ByType[model.MemorySemantic].Count)
	assert.NotContains(t, sys.ByType, model.MemoryProcedural)
}

func TestSystemStatsEmptyStore(t *testing.T) {
	sys := newTestStore(nil).SystemStats()
	assert.Zero(t, sys.Total)
	assert.Empty(t, sys.ByType)
}

func TestClearRequiresConfirmation(t *testing.T) {
	s := newTestStore(nil)

	_, err := s.Record("planner", model.MemoryEpisodic, "keep me", nil, 0.5)
	require.NoError(t, err)

	_, err = s.Clear(context.Background(), "planner", model.MemoryEpisodic, false, "operator")
	require.ErrorIs(t, err, ErrConfirmationRequired)

	got, err := s.Query("planner", model.MemoryEpisodic, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1, "unconfirmed clear must remove nothing")
}

func TestClearSingleTier(t *testing.T) {
	auditor := &fakeAuditor{}
	s := newTestStore(auditor)

	_, err := s.Record("planner", model.MemoryEpisodic, "a", nil, 0.5)
	require.NoError(t, err)
	_, err = s.Record("planner", model.MemorySemantic, "b", nil, 0.5)
	require.NoError(t, err)

	removed, err := s.Clear(context.Background(), "planner", model.MemoryEpisodic, true, "operator")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, err := s.Query("planner", model.MemorySemantic, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1, "other tiers survive a single-tier clear")

	require.Len(t, auditor.entries, 1)
	assert.Equal(t, "operator", auditor.entries[0].Actor)
	assert.Equal(t, model.MemoryEpisodic, auditor.entries[0].MemoryType)
	assert.Equal(t, int64(1), auditor.entries[0].RemovedRows)
	assert.Equal(t, 1, auditor.deletes, "confirmed clear issues the storage-side delete")
}

func TestClearAllTiers(t *testing.T) {
	auditor := &fakeAuditor{}
	s := newTestStore(auditor)

	for _, typ := range model.MemoryTypes {
		_, err := s.Record("planner", typ, "x", nil, 0.5)
		require.NoError(t, err)
	}

	removed, err := s.Clear(context.Background(), "planner", "", true, "operator")
	require.NoError(t, err)
	assert.Equal(t, len(model.MemoryTypes), removed)
	assert.Zero(t, s.StatsFor("planner").Total)
}

func TestClearTwiceIsIdempotent(t *testing.T) {
	s := newTestStore(nil)

	_, err := s.Record("planner", model.MemoryEpisodic, "a", nil, 0.5)
	require.NoError(t, err)

	removed, err := s.Clear(context.Background(), "planner", model.MemoryEpisodic, true, "operator")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = s.Clear(context.Background(), "planner", model.MemoryEpisodic, true, "operator")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestClearUnknownAgentIsNoop(t *testing.T) {
	auditor := &fakeAuditor{}
	s := newTestStore(auditor)

	removed, err := s.Clear(context.Background(), "ghost", "", true, "operator")
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Len(t, auditor.entries, 1, "no-op clears are still audited")
}

func TestClearSurfacesAuditFailure(t *testing.T) {
	auditor := &fakeAuditor{fail: true}
	s := newTestStore(auditor)

	_, err := s.Record("planner", model.MemoryEpisodic, "a", nil, 0.5)
	require.NoError(t, err)

	removed, err := s.Clear(context.Background(), "planner", "", true, "operator")
	require.Error(t, err)
	assert.Equal(t, 1, removed)
}

func TestConcurrentRecordAndQuery(t *testing.T) {
	s := newTestStore(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := s.Record("planner", model.MemoryEpisodic, "e", []string{"tag"}, 0.5); err != nil {
					t.Error(err)
				}
				if _, err := s.Query("planner", model.MemoryEpisodic, 5); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, s.StatsFor("planner").Total)
}
