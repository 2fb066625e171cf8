// Package insight derives advisory observations from memory, trace, and
// cycle data.
//
// The engine is strictly read-only toward its sources and nothing in the
// runtime acts on its output. It exists for operators and downstream
// tooling; removing it changes no coordination behavior.
package insight

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/model"
)

// Rule identifiers, stable for querying persisted insights.
const (
	RuleDurationRegression = "duration_regression"
	RuleFailureStreak      = "failure_streak"
	RuleConfidenceDecline  = "confidence_decline"
	RuleDeadLetterPressure = "dead_letter_pressure"
)

// Evaluation thresholds.
const (
	regressionFactor      = 1.5
	regressionReportWidth = 100 // operations considered by the regression rule
	failureStreakMin      = 3
	defaultCycleWindow    = 10
	confidenceDrop        = 0.15
	confidenceWindow      = 20 // entries per tier considered for decline
	minSamplesPerRule     = 4  // halves need at least 2 entries each
	defaultMaxInsights    = 1000
)

// SpanSource provides aggregated span timings. The tracer satisfies it.
type SpanSource interface {
	Report(topN int) model.PerformanceReport
}

// CycleSource provides recent cycle outcomes. The supervisor satisfies it.
type CycleSource interface {
	RecentMetrics(n int) []model.CycleMetric
}

// MemorySource provides read-only memory access. The memory store
// satisfies it.
type MemorySource interface {
	Stats() []model.MemoryStats
	Query(agentID string, typ model.MemoryType, limit int) ([]model.MemoryEntry, error)
}

// BusSource provides delivery counters. The bus satisfies it.
type BusSource interface {
	Stats() bus.Stats
}

// Recorder persists generated insights. *storage.DB satisfies it; nil
// keeps insights in memory only.
type Recorder interface {
	InsertInsight(ctx context.Context, in model.Insight) error
}

// Engine evaluates a fixed rule set on a schedule and accumulates the
// resulting insights. Safe for concurrent use.
type Engine struct {
	logger   *slog.Logger
	spans    SpanSource
	cycles   CycleSource
	memory   MemorySource
	bus      BusSource
	recorder Recorder
	interval time.Duration
	window   int // recent cycles considered by the failure streak rule

	mu       sync.Mutex
	insights []model.Insight
	// prior per-operation aggregates, for the regression delta window
	prevOps map[string]opSnapshot
	// dead letters already reported, so R4 fires on growth only
	reportedDeadLetters int64
}

type opSnapshot struct {
	count int
	total time.Duration
}

// New creates an engine. Any source may be nil; rules missing a source
// are skipped. A non-positive window falls back to the default.
func New(logger *slog.Logger, spans SpanSource, cycles CycleSource, memory MemorySource, b BusSource, recorder Recorder, interval time.Duration, window int) *Engine {
	if interval <= 0 {
		interval = time.Minute
	}
	if window <= 0 {
		window = defaultCycleWindow
	}
	return &Engine{
		logger:   logger,
		spans:    spans,
		cycles:   cycles,
		memory:   memory,
		bus:      b,
		recorder: recorder,
		interval: interval,
		window:   window,
		prevOps:  make(map[string]opSnapshot),
	}
}

// Loop evaluates on the configured interval until ctx is canceled.
func (e *Engine) Loop(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Evaluate(ctx); n > 0 {
				e.logger.Info("insight: evaluation produced insights", "count", n)
			}
		}
	}
}

// Evaluate runs every rule once and returns how many insights were
// generated. Persistence failures are logged, never propagated; the
// insight is still retained in memory.
func (e *Engine) Evaluate(ctx context.Context) int {
	now := time.Now().UTC()

	var found []model.Insight
	found = append(found, e.evalDurationRegression(now)...)
	found = append(found, e.evalFailureStreak(now)...)
	found = append(found, e.evalConfidenceDecline(now)...)
	found = append(found, e.evalDeadLetterPressure(now)...)

	if len(found) == 0 {
		return 0
	}

	e.mu.Lock()
	e.insights = append(e.insights, found...)
	if len(e.insights) > defaultMaxInsights {
		e.insights = e.insights[len(e.insights)-defaultMaxInsights:]
	}
	e.mu.Unlock()

	if e.recorder != nil {
		for _, in := range found {
			if err := e.recorder.InsertInsight(ctx, in); err != nil {
				e.logger.Error("insight: persist failed", "rule", in.Rule, "error", err)
			}
		}
	}
	return len(found)
}

// Insights returns a snapshot of retained insights, newest last.
func (e *Engine) Insights() []model.Insight {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Insight, len(e.insights))
	copy(out, e.insights)
	return out
}

// InsightsSince returns retained insights created at or after the given
// time. The retained list is chronological, so the result keeps that
// ordering.
func (e *Engine) InsightsSince(since time.Time) []model.Insight {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.Insight
	for _, ins := range e.insights {
		if !ins.CreatedAt.Before(since) {
			out = append(out, ins)
		}
	}
	return out
}

// evalDurationRegression compares each operation's average duration over
// the spans closed since the previous evaluation against its average
// before that point.
func (e *Engine) evalDurationRegression(now time.Time) []model.Insight {
	if e.spans == nil {
		return nil
	}
	report := e.spans.Report(regressionReportWidth)

	e.mu.Lock()
	prev := e.prevOps
	next := make(map[string]opSnapshot, len(report.Operations))
	e.mu.Unlock()

	var out []model.Insight
	for _, op := range report.Operations {
		cur := opSnapshot{
			count: op.Count,
			total: op.AvgDuration * time.Duration(op.Count),
		}
		next[op.Operation] = cur

		old, ok := prev[op.Operation]
		if !ok || old.count == 0 || cur.count <= old.count {
			continue
		}
		priorAvg := old.total / time.Duration(old.count)
		recentAvg := (cur.total - old.total) / time.Duration(cur.count-old.count)
		if priorAvg <= 0 || float64(recentAvg) <= regressionFactor*float64(priorAvg) {
			continue
		}
		out = append(out, model.Insight{
			ID:   uuid.New(),
			Kind: model.KindSuggestion,
			Rule: RuleDurationRegression,
			Description: fmt.Sprintf("operation %q slowed from avg %s to %s over the last window",
				op.Operation, priorAvg.Round(time.Microsecond), recentAvg.Round(time.Microsecond)),
			Confidence: 0.7,
			Priority:   6,
			CreatedAt:  now,
		})
	}

	e.mu.Lock()
	e.prevOps = next
	e.mu.Unlock()
	return out
}

func (e *Engine) evalFailureStreak(now time.Time) []model.Insight {
	if e.cycles == nil {
		return nil
	}
	metrics := e.cycles.RecentMetrics(e.window)
	if len(metrics) == 0 {
		return nil
	}

	failed := 0
	for _, m := range metrics {
		if m.TasksFailed > 0 {
			failed++
		}
	}
	if failed < failureStreakMin {
		return nil
	}

	return []model.Insight{{
		ID:   uuid.New(),
		Kind: model.KindInsight,
		Rule: RuleFailureStreak,
		Description: fmt.Sprintf("%d of the last %d cycles had task failures",
			failed, len(metrics)),
		Confidence: 0.8,
		Priority:   8,
		CreatedAt:  now,
	}}
}

// evalConfidenceDecline splits each agent's recent entries in half by
// creation time and flags agents whose newer half lost at least
// confidenceDrop of average confidence.
func (e *Engine) evalConfidenceDecline(now time.Time) []model.Insight {
	if e.memory == nil {
		return nil
	}

	var out []model.Insight
	for _, stats := range e.memory.Stats() {
		var entries []model.MemoryEntry
		for _, typ := range model.MemoryTypes {
			got, err := e.memory.Query(stats.AgentID, typ, confidenceWindow)
			if err != nil {
				continue
			}
			entries = append(entries, got...)
		}
		if len(entries) < minSamplesPerRule {
			continue
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		})

		mid := len(entries) / 2
		older := avgConfidence(entries[:mid])
		newer := avgConfidence(entries[mid:])
		if older-newer < confidenceDrop {
			continue
		}
		out = append(out, model.Insight{
			ID:      uuid.New(),
			AgentID: stats.AgentID,
			Kind:    model.KindSuggestion,
			Rule:    RuleConfidenceDecline,
			Description: fmt.Sprintf("agent %q memory confidence declined from %.2f to %.2f",
				stats.AgentID, older, newer),
			Confidence: 0.6,
			Priority:   5,
			CreatedAt:  now,
		})
	}
	return out
}

func (e *Engine) evalDeadLetterPressure(now time.Time) []model.Insight {
	if e.bus == nil {
		return nil
	}
	count := e.bus.Stats().DeadLetterCount

	e.mu.Lock()
	grown := count > e.reportedDeadLetters
	if grown {
		e.reportedDeadLetters = count
	}
	e.mu.Unlock()
	if !grown {
		return nil
	}

	return []model.Insight{{
		ID:   uuid.New(),
		Kind: model.KindSuggestion,
		Rule: RuleDeadLetterPressure,
		Description: fmt.Sprintf("%d messages dead-lettered; inspect recipients and retry policy",
			count),
		Confidence: 0.9,
		Priority:   7,
		CreatedAt:  now,
	}}
}

func avgConfidence(entries []model.MemoryEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum float64
	for _, e := range entries {
		sum += e.Confidence
	}
	return sum / float64(len(entries))
}
