// Package tracer implements causal span tracking for agent workflows.
//
// Spans are grouped under a trace id and linked parent to child by
// explicit ids; there is no ambient context propagation. Open spans
// live in memory and move to the persistence buffer once closed.
package tracer

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/persist"
)

var (
	// ErrUnknownSpan is returned when a span id was never started or
	// belongs to another trace.
	ErrUnknownSpan = errors.New("tracer: unknown span")

	// ErrUnknownParent is returned by StartSpan when the named parent
	// does not exist in the trace.
	ErrUnknownParent = errors.New("tracer: unknown parent span")

	// ErrSpanClosed is returned when ending a span that already ended.
	// The first end wins.
	ErrSpanClosed = errors.New("tracer: span already ended")
)

// DefaultReportTopN is how many operations a performance report ranks
// when the caller passes a non-positive n.
const DefaultReportTopN = 10

// Tracer records spans across all traces in the runtime. All methods
// are safe for concurrent use.
type Tracer struct {
	logger  *slog.Logger
	archive *persist.Buffer // nil disables archival

	mu     sync.RWMutex
	traces map[uuid.UUID]*trace
}

// trace holds every span of one workflow, in start order.
type trace struct {
	spans []*model.Span
	byID  map[uuid.UUID]*model.Span
}

// New creates an empty tracer. archive may be nil.
func New(logger *slog.Logger, archive *persist.Buffer) *Tracer {
	return &Tracer{
		logger:  logger,
		archive: archive,
		traces:  make(map[uuid.UUID]*trace),
	}
}

// StartTrace opens a new trace with a root span for the given
// operation. It returns the trace id and the root span id.
func (t *Tracer) StartTrace(operation string, tags map[string]string) (traceID, spanID uuid.UUID) {
	traceID = uuid.New()
	span := newSpan(traceID, nil, operation, tags)

	t.mu.Lock()
	t.traces[traceID] = &trace{
		spans: []*model.Span{span},
		byID:  map[uuid.UUID]*model.Span{span.SpanID: span},
	}
	t.mu.Unlock()

	return traceID, span.SpanID
}

// StartSpan opens a child span under an existing parent. The parent may
// itself still be open; it must belong to the trace.
func (t *Tracer) StartSpan(traceID, parentSpanID uuid.UUID, operation string, tags map[string]string) (uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.traces[traceID]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: trace %s", ErrUnknownSpan, traceID)
	}
	if _, ok := tr.byID[parentSpanID]; !ok {
		return uuid.Nil, fmt.Errorf("%w: %s in trace %s", ErrUnknownParent, parentSpanID, traceID)
	}

	span := newSpan(traceID, &parentSpanID, operation, tags)
	tr.spans = append(tr.spans, span)
	tr.byID[span.SpanID] = span
	return span.SpanID, nil
}

// EndSpan closes a span with the given status, merging any close-time
// tags into the span's tags. Ending an already-ended span returns
// ErrSpanClosed and leaves the original close untouched, tags included.
func (t *Tracer) EndSpan(traceID, spanID uuid.UUID, status model.SpanStatus, tags map[string]string) error {
	t.mu.Lock()
	tr, ok := t.traces[traceID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: trace %s", ErrUnknownSpan, traceID)
	}
	span, ok := tr.byID[spanID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSpan, spanID)
	}
	if span.EndedAt != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSpanClosed, spanID)
	}

	now := time.Now().UTC()
	if now.Before(span.StartedAt) {
		now = span.StartedAt
	}
	span.EndedAt = &now
	span.Status = status
	for k, v := range tags {
		span.Tags[k] = v
	}
	closed := *span
	t.mu.Unlock()

	if t.archive != nil {
		t.archive.AddSpan(closed)
	}
	return nil
}

// GetTrace returns a trace's spans ordered parent before child; among
// siblings, start time decides. Open spans appear with a nil end time.
func (t *Tracer) GetTrace(traceID uuid.UUID) ([]model.Span, error) {
	t.mu.RLock()
	tr, ok := t.traces[traceID]
	if !ok {
		t.mu.RUnlock()
		return nil, fmt.Errorf("%w: trace %s", ErrUnknownSpan, traceID)
	}

	children := make(map[uuid.UUID][]*model.Span, len(tr.spans))
	var roots []*model.Span
	for _, s := range tr.spans {
		if s.ParentSpanID == nil {
			roots = append(roots, s)
			continue
		}
		children[*s.ParentSpanID] = append(children[*s.ParentSpanID], s)
	}

	out := make([]model.Span, 0, len(tr.spans))
	var walk func(*model.Span)
	walk = func(s *model.Span) {
		out = append(out, *s)
		kids := children[s.SpanID]
		sort.Slice(kids, func(i, j int) bool { return kids[i].StartedAt.Before(kids[j].StartedAt) })
		for _, k := range kids {
			walk(k)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].StartedAt.Before(roots[j].StartedAt) })
	for _, r := range roots {
		walk(r)
	}
	t.mu.RUnlock()

	return out, nil
}

// Report aggregates closed spans across every trace into per-operation
// statistics, ranked by average duration descending, top n operations.
// Open spans are excluded.
func (t *Tracer) Report(n int) model.PerformanceReport {
	if n <= 0 {
		n = DefaultReportTopN
	}

	type acc struct {
		stats model.OperationStats
		total time.Duration
	}

	t.mu.RLock()
	agg := make(map[string]*acc)
	var report model.PerformanceReport
	var grandTotal time.Duration
	for _, tr := range t.traces {
		for _, s := range tr.spans {
			if s.EndedAt == nil {
				continue
			}
			d := s.Duration()
			if report.SpanCount == 0 || d < report.MinDuration {
				report.MinDuration = d
			}
			if d > report.MaxDuration {
				report.MaxDuration = d
			}
			report.SpanCount++
			grandTotal += d

			a, ok := agg[s.Operation]
			if !ok {
				a = &acc{stats: model.OperationStats{Operation: s.Operation, MinDuration: d}}
				agg[s.Operation] = a
			}
			a.stats.Count++
			a.total += d
			if d < a.stats.MinDuration {
				a.stats.MinDuration = d
			}
			if d > a.stats.MaxDuration {
				a.stats.MaxDuration = d
			}
			if s.Status == model.SpanStatusError {
				a.stats.Errors++
			}
		}
	}
	t.mu.RUnlock()

	if report.SpanCount > 0 {
		report.AvgDuration = grandTotal / time.Duration(report.SpanCount)
	}

	ops := make([]model.OperationStats, 0, len(agg))
	for _, a := range agg {
		a.stats.AvgDuration = a.total / time.Duration(a.stats.Count)
		ops = append(ops, a.stats)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].AvgDuration != ops[j].AvgDuration {
			return ops[i].AvgDuration > ops[j].AvgDuration
		}
		return ops[i].Operation < ops[j].Operation
	})
	if len(ops) > n {
		ops = ops[:n]
	}
	report.Operations = ops
	return report
}

func newSpan(traceID uuid.UUID, parent *uuid.UUID, operation string, tags map[string]string) *model.Span {
	copied := make(map[string]string, len(tags))
	for k, v := range tags {
		copied[k] = v
	}
	return &model.Span{
		TraceID:      traceID,
		SpanID:       uuid.New(),
		ParentSpanID: parent,
		Operation:    operation,
		StartedAt:    time.Now().UTC(),
		Status:       model.SpanStatusOK,
		Tags:         copied,
	}
}
