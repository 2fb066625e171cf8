package tracer

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renkei/internal/model"
)

func newTestTracer() *Tracer {
	return New(slog.New(slog.DiscardHandler), nil)
}

func TestStartTraceCreatesRoot(t *testing.T) {
	tr := newTestTracer()

	traceID, rootID := tr.StartTrace("cycle", map[string]string{"run": "r1"})

	spans, err := tr.GetTrace(traceID)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, rootID, spans[0].SpanID)
	assert.Nil(t, spans[0].ParentSpanID)
	assert.Equal(t, "cycle", spans[0].Operation)
	assert.Nil(t, spans[0].EndedAt)
	assert.Equal(t, "r1", spans[0].Tags["run"])
}

func TestStartSpanRequiresKnownParent(t *testing.T) {
	tr := newTestTracer()
	traceID, rootID := tr.StartTrace("cycle", nil)

	_, err := tr.StartSpan(traceID, uuid.New(), "task", nil)
	require.ErrorIs(t, err, ErrUnknownParent)

	_, err = tr.StartSpan(uuid.New(), rootID, "task", nil)
	require.ErrorIs(t, err, ErrUnknownSpan)

	childID, err := tr.StartSpan(traceID, rootID, "task", nil)
	require.NoError(t, err)

	// A child may itself parent further spans while open.
	_, err = tr.StartSpan(traceID, childID, "subtask", nil)
	require.NoError(t, err)
}

func TestEndSpanIsTerminal(t *testing.T) {
	tr := newTestTracer()
	traceID, rootID := tr.StartTrace("cycle", nil)

	require.NoError(t, tr.EndSpan(traceID, rootID, model.SpanStatusOK, nil))

	spans, err := tr.GetTrace(traceID)
	require.NoError(t, err)
	require.NotNil(t, spans[0].EndedAt)
	firstEnd := *spans[0].EndedAt
	assert.False(t, firstEnd.Before(spans[0].StartedAt))

	// Second end is rejected and does not move the end time.
	require.ErrorIs(t, tr.EndSpan(traceID, rootID, model.SpanStatusError, nil), ErrSpanClosed)

	spans, err = tr.GetTrace(traceID)
	require.NoError(t, err)
	assert.True(t, firstEnd.Equal(*spans[0].EndedAt))
	assert.Equal(t, model.SpanStatusOK, spans[0].Status)
}

func TestEndSpanMergesCloseTags(t *testing.T) {
	tr := newTestTracer()
	traceID, rootID := tr.StartTrace("cycle", map[string]string{"run": "r1", "phase": "open"})

	require.NoError(t, tr.EndSpan(traceID, rootID, model.SpanStatusError, map[string]string{
		"phase": "closed",
		"cause": "timeout",
	}))

	spans, err := tr.GetTrace(traceID)
	require.NoError(t, err)
	assert.Equal(t, "r1", spans[0].Tags["run"], "start tags survive the merge")
	assert.Equal(t, "closed", spans[0].Tags["phase"], "close tags win on collision")
	assert.Equal(t, "timeout", spans[0].Tags["cause"])

	// A rejected second close must not touch the recorded tags.
	require.ErrorIs(t, tr.EndSpan(traceID, rootID, model.SpanStatusOK, map[string]string{
		"cause": "overwritten",
	}), ErrSpanClosed)

	spans, err = tr.GetTrace(traceID)
	require.NoError(t, err)
	assert.Equal(t, "timeout", spans[0].Tags["cause"])
}

func TestEndSpanUnknown(t *testing.T) {
	tr := newTestTracer()
	traceID, _ := tr.StartTrace("cycle", nil)

	require.ErrorIs(t, tr.EndSpan(traceID, uuid.New(), model.SpanStatusOK, nil), ErrUnknownSpan)
	require.ErrorIs(t, tr.EndSpan(uuid.New(), uuid.New(), model.SpanStatusOK, nil), ErrUnknownSpan)
}

func TestGetTraceParentBeforeChild(t *testing.T) {
	tr := newTestTracer()
	traceID, rootID := tr.StartTrace("cycle", nil)

	a, err := tr.StartSpan(traceID, rootID, "task-a", nil)
	require.NoError(t, err)
	aa, err := tr.StartSpan(traceID, a, "task-a-sub", nil)
	require.NoError(t, err)
	b, err := tr.StartSpan(traceID, rootID, "task-b", nil)
	require.NoError(t, err)

	spans, err := tr.GetTrace(traceID)
	require.NoError(t, err)
	require.Len(t, spans, 4)

	pos := make(map[uuid.UUID]int, len(spans))
	for i, s := range spans {
		pos[s.SpanID] = i
	}
	assert.Less(t, pos[rootID], pos[a])
	assert.Less(t, pos[a], pos[aa])
	assert.Less(t, pos[rootID], pos[b])
	assert.Less(t, pos[a], pos[b], "siblings follow start order")
}

func TestGetTraceUnknown(t *testing.T) {
	tr := newTestTracer()

	_, err := tr.GetTrace(uuid.New())
	require.ErrorIs(t, err, ErrUnknownSpan)
}

func TestReportExcludesOpenSpans(t *testing.T) {
	tr := newTestTracer()
	traceID, rootID := tr.StartTrace("cycle", nil)

	child, err := tr.StartSpan(traceID, rootID, "task", nil)
	require.NoError(t, err)
	require.NoError(t, tr.EndSpan(traceID, child, model.SpanStatusError, nil))
	// Root stays open.

	report := tr.Report(0)
	assert.Equal(t, 1, report.SpanCount)
	require.Len(t, report.Operations, 1)
	assert.Equal(t, "task", report.Operations[0].Operation)
	assert.Equal(t, 1, report.Operations[0].Errors)
}

func TestReportRanksByAvgDuration(t *testing.T) {
	tr := newTestTracer()
	traceID, rootID := tr.StartTrace("cycle", nil)

	slow, err := tr.StartSpan(traceID, rootID, "slow-op", nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.EndSpan(traceID, slow, model.SpanStatusOK, nil))

	fast, err := tr.StartSpan(traceID, rootID, "fast-op", nil)
	require.NoError(t, err)
	require.NoError(t, tr.EndSpan(traceID, fast, model.SpanStatusOK, nil))

	report := tr.Report(10)
	require.Len(t, report.Operations, 2)
	assert.Equal(t, "slow-op", report.Operations[0].Operation)
	assert.Equal(t, "fast-op", report.Operations[1].Operation)
	assert.GreaterOrEqual(t, report.MaxDuration, report.Operations[0].AvgDuration)

	// Top-n truncation.
	report = tr.Report(1)
	require.Len(t, report.Operations, 1)
	assert.Equal(t, "slow-op", report.Operations[0].Operation)
}

func TestConcurrentSpanIDsUnique(t *testing.T) {
	tr := newTestTracer()
	traceID, rootID := tr.StartTrace("cycle", nil)

	const workers = 8
	const perWorker = 25

	ids := make(chan uuid.UUID, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id, err := tr.StartSpan(traceID, rootID, "task", nil)
				if err != nil {
					t.Error(err)
					return
				}
				if err := tr.EndSpan(traceID, id, model.SpanStatusOK, nil); err != nil {
					t.Error(err)
					return
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uuid.UUID]bool)
	for id := range ids {
		require.False(t, seen[id], "duplicate span id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers*perWorker)

	spans, err := tr.GetTrace(traceID)
	require.NoError(t, err)
	assert.Len(t, spans, workers*perWorker+1)
}
