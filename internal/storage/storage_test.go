package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/storage"
	"github.com/ashita-ai/renkei/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func terminalMessage(recipientID string, status model.MessageStatus) model.Message {
	return model.Message{
		ID:          uuid.New(),
		SenderID:    "sender",
		RecipientID: recipientID,
		Type:        model.MessageCommand,
		Priority:    5,
		Content:     map[string]any{"action": "deploy"},
		Status:      status,
		RetryCount:  0,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestInsertAndCountMessages(t *testing.T) {
	ctx := context.Background()

	msgs := []model.Message{
		terminalMessage("count-recipient", model.MessageDelivered),
		terminalMessage("count-recipient", model.MessageDelivered),
		terminalMessage("count-recipient", model.MessageDeadLettered),
	}
	n, err := testDB.InsertMessages(ctx, msgs)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	counts, err := testDB.CountMessagesByStatus(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[model.MessageDelivered], int64(2))
	assert.GreaterOrEqual(t, counts[model.MessageDeadLettered], int64(1))
}

func TestInsertMessagesEmpty(t *testing.T) {
	n, err := testDB.InsertMessages(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetDeadLettersByRecipient(t *testing.T) {
	ctx := context.Background()

	dead := terminalMessage("dl-recipient", model.MessageDeadLettered)
	dead.RetryCount = 4
	delivered := terminalMessage("dl-recipient", model.MessageDelivered)
	otherDead := terminalMessage("dl-other", model.MessageDeadLettered)

	_, err := testDB.InsertMessages(ctx, []model.Message{dead, delivered, otherDead})
	require.NoError(t, err)

	got, err := testDB.GetDeadLetters(ctx, "dl-recipient", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, dead.ID, got[0].ID)
	assert.Equal(t, 4, got[0].RetryCount)
	assert.Equal(t, model.MessageDeadLettered, got[0].Status)
	assert.Equal(t, map[string]any{"action": "deploy"}, got[0].Content)

	// Empty recipient spans all recipients.
	all, err := testDB.GetDeadLetters(ctx, "", 100)
	require.NoError(t, err)
	ids := make(map[uuid.UUID]bool, len(all))
	for _, m := range all {
		ids[m.ID] = true
	}
	assert.True(t, ids[dead.ID])
	assert.True(t, ids[otherDead.ID])
}

func TestInsertAndQueryMemoryEntries(t *testing.T) {
	ctx := context.Background()

	now := time.Now().UTC()
	entries := []model.MemoryEntry{
		{
			ID: uuid.New(), AgentID: "mem-agent", Type: model.MemoryEpisodic,
			Content: "older observation", ContextTags: []string{"deploy"},
			Confidence: 0.4, CreatedAt: now.Add(-time.Minute),
		},
		{
			ID: uuid.New(), AgentID: "mem-agent", Type: model.MemoryEpisodic,
			Content: "newer observation", ContextTags: []string{"deploy", "retry"},
			Confidence: 0.9, CreatedAt: now,
		},
		{
			ID: uuid.New(), AgentID: "mem-agent", Type: model.MemorySemantic,
			Content: "a fact", ContextTags: []string{}, Confidence: 1, CreatedAt: now,
		},
	}
	n, err := testDB.InsertMemoryEntries(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := testDB.GetRecentMemoryEntries(ctx, "mem-agent", model.MemoryEpisodic, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "newer observation", got[0].Content)
	assert.Equal(t, []string{"deploy", "retry"}, got[0].ContextTags)
	assert.Equal(t, "older observation", got[1].Content)

	limited, err := testDB.GetRecentMemoryEntries(ctx, "mem-agent", model.MemoryEpisodic, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "newer observation", limited[0].Content)
}

func TestDeleteMemoryEntriesSingleTier(t *testing.T) {
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := testDB.InsertMemoryEntries(ctx, []model.MemoryEntry{
		{ID: uuid.New(), AgentID: "del-agent", Type: model.MemoryEpisodic, Content: "e", ContextTags: []string{}, Confidence: 0.5, CreatedAt: now},
		{ID: uuid.New(), AgentID: "del-agent", Type: model.MemorySemantic, Content: "s", ContextTags: []string{}, Confidence: 0.5, CreatedAt: now},
	})
	require.NoError(t, err)

	removed, err := testDB.DeleteMemoryEntries(ctx, "del-agent", model.MemoryEpisodic)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	remaining, err := testDB.GetRecentMemoryEntries(ctx, "del-agent", model.MemorySemantic, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestDeleteMemoryEntriesAllTiers(t *testing.T) {
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := testDB.InsertMemoryEntries(ctx, []model.MemoryEntry{
		{ID: uuid.New(), AgentID: "wipe-agent", Type: model.MemoryEpisodic, Content: "e", ContextTags: []string{}, Confidence: 0.5, CreatedAt: now},
		{ID: uuid.New(), AgentID: "wipe-agent", Type: model.MemorySemantic, Content: "s", ContextTags: []string{}, Confidence: 0.5, CreatedAt: now},
		{ID: uuid.New(), AgentID: "wipe-agent", Type: model.MemoryProcedural, Content: "p", ContextTags: []string{}, Confidence: 0.5, CreatedAt: now},
	})
	require.NoError(t, err)

	removed, err := testDB.DeleteMemoryEntries(ctx, "wipe-agent", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
}

func TestInsertAndGetSpans(t *testing.T) {
	ctx := context.Background()

	traceID := uuid.New()
	rootID := uuid.New()
	childID := uuid.New()
	start := time.Now().UTC().Add(-time.Second)
	rootEnd := start.Add(800 * time.Millisecond)
	childEnd := start.Add(500 * time.Millisecond)
	childStart := start.Add(100 * time.Millisecond)

	spans := []model.Span{
		{
			TraceID: traceID, SpanID: rootID, Operation: "cycle",
			StartedAt: start, EndedAt: &rootEnd, Status: model.SpanStatusOK,
			Tags: map[string]string{"cycle_number": "1"},
		},
		{
			TraceID: traceID, SpanID: childID, ParentSpanID: &rootID, Operation: "task:planner",
			StartedAt: childStart, EndedAt: &childEnd, Status: model.SpanStatusError,
		},
	}
	n, err := testDB.InsertSpans(ctx, spans)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := testDB.GetSpansByTrace(ctx, traceID, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, rootID, got[0].SpanID)
	assert.Nil(t, got[0].ParentSpanID)
	assert.Equal(t, map[string]string{"cycle_number": "1"}, got[0].Tags)
	assert.Equal(t, childID, got[1].SpanID)
	require.NotNil(t, got[1].ParentSpanID)
	assert.Equal(t, rootID, *got[1].ParentSpanID)
	assert.Equal(t, model.SpanStatusError, got[1].Status)
}

func TestInsertAndGetCycleMetrics(t *testing.T) {
	ctx := context.Background()

	runID := uuid.New()
	for i := 1; i <= 3; i++ {
		metric := model.CycleMetric{
			RunID:          runID,
			CycleNumber:    i,
			TasksCompleted: 2,
			TasksFailed:    i - 1,
			MessagesSent:   int64(i * 10),
			Duration:       time.Duration(i) * 250 * time.Millisecond,
			Timestamp:      time.Now().UTC(),
		}
		if i > 1 {
			metric.Errors = []model.TaskError{{
				AgentID: "worker", Message: "task failed", OccurredAt: time.Now().UTC(),
			}}
		}
		require.NoError(t, testDB.InsertCycleMetric(ctx, metric))
	}

	got, err := testDB.GetRecentCycleMetrics(ctx, runID, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].CycleNumber)
	assert.Equal(t, 2, got[1].CycleNumber)
	assert.Equal(t, int64(30), got[0].MessagesSent)
	assert.Equal(t, 750*time.Millisecond, got[0].Duration)
	require.Len(t, got[0].Errors, 1)
	assert.Equal(t, "worker", got[0].Errors[0].AgentID)
}

func TestInsertCycleMetricDuplicateCycleNumber(t *testing.T) {
	ctx := context.Background()

	runID := uuid.New()
	metric := model.CycleMetric{
		RunID: runID, CycleNumber: 1, TasksCompleted: 1, Timestamp: time.Now().UTC(),
	}
	require.NoError(t, testDB.InsertCycleMetric(ctx, metric))
	require.Error(t, testDB.InsertCycleMetric(ctx, metric))
}

func TestInsertRunReport(t *testing.T) {
	ctx := context.Background()

	ended := time.Now().UTC()
	report := model.RunReport{
		RunID:          uuid.New(),
		Outcome:        model.OutcomeFatal,
		CyclesRun:      7,
		TasksCompleted: 12,
		TasksFailed:    9,
		MessagesSent:   40,
		SuccessRate:    12.0 / 21.0,
		RecentErrors: []model.TaskError{
			{AgentID: "worker", Message: "boom", OccurredAt: ended},
		},
		FatalCause: "5 consecutive failed cycles",
		StartedAt:  ended.Add(-time.Minute),
		EndedAt:    &ended,
	}
	require.NoError(t, testDB.InsertRunReport(ctx, report))
}

func TestInsertAndListInsights(t *testing.T) {
	ctx := context.Background()

	since := time.Now().UTC()
	low := model.Insight{
		ID: uuid.New(), AgentID: "planner", Kind: model.KindSuggestion,
		Rule: "confidence_decline", Description: "confidence trending down",
		Confidence: 0.6, Priority: 5, CreatedAt: since.Add(time.Millisecond),
	}
	high := model.Insight{
		ID: uuid.New(), Kind: model.KindInsight,
		Rule: "failure_streak", Description: "3 of the last 10 cycles failed",
		Confidence: 0.8, Priority: 8, CreatedAt: since.Add(2 * time.Millisecond),
	}
	require.NoError(t, testDB.InsertInsight(ctx, low))
	require.NoError(t, testDB.InsertInsight(ctx, high))

	got, err := testDB.ListInsights(ctx, since, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, high.ID, got[0].ID)
	assert.Equal(t, low.ID, got[1].ID)
	assert.Equal(t, "planner", got[1].AgentID)
}

func TestInsertMemoryAudit(t *testing.T) {
	ctx := context.Background()

	err := testDB.InsertMemoryAudit(ctx, storage.MemoryAuditEntry{
		Actor:       "operator",
		AgentID:     "audit-agent",
		MemoryType:  model.MemoryEpisodic,
		RemovedRows: 5,
		RequestedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	// Empty memory type records an all-tier clear.
	err = testDB.InsertMemoryAudit(ctx, storage.MemoryAuditEntry{
		Actor:       "operator",
		AgentID:     "audit-agent",
		RemovedRows: 12,
		RequestedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestPing(t *testing.T) {
	require.NoError(t, testDB.Ping(context.Background()))
}
