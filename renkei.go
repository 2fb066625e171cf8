// Package renkei is the public API for embedding the agent coordination
// runtime.
//
// Consumers construct an App with their agent registry and run it:
//
//	app, err := renkei.New(
//	    renkei.WithVersion(version),
//	    renkei.WithLogger(logger),
//	    renkei.WithRegistry(myRegistry),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: renkei (root)
// imports internal/*, but internal/* never imports renkei (root).
// Public types (Message, Span, etc.) are standalone structs with no
// internal imports; conversion helpers live here because this is the
// only file that sees both sides of the boundary.
package renkei

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/config"
	"github.com/ashita-ai/renkei/internal/insight"
	"github.com/ashita-ai/renkei/internal/memory"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/persist"
	"github.com/ashita-ai/renkei/internal/storage"
	"github.com/ashita-ai/renkei/internal/supervisor"
	"github.com/ashita-ai/renkei/internal/telemetry"
	"github.com/ashita-ai/renkei/internal/tracer"
	"github.com/ashita-ai/renkei/migrations"
)

// Sentinel errors surfaced through the public operations. Match with
// errors.Is.
var (
	ErrUnknownRecipient     = bus.ErrUnknownRecipient
	ErrInvalidMessageType   = bus.ErrInvalidMessageType
	ErrUnknownMessage       = bus.ErrUnknownMessage
	ErrInvalidMemoryType    = memory.ErrInvalidMemoryType
	ErrInvalidConfidence    = memory.ErrInvalidConfidence
	ErrConfirmationRequired = memory.ErrConfirmationRequired
	ErrUnknownSpan          = tracer.ErrUnknownSpan
	ErrUnknownParent        = tracer.ErrUnknownParent
	ErrSpanClosed           = tracer.ErrSpanClosed
	ErrNotIdle              = supervisor.ErrNotIdle
	ErrFatalState           = supervisor.ErrFatalState
)

// App is the coordination runtime lifecycle. Construct with New(), run
// with Run(). App has no public fields; use New() options to configure
// it, and the operation methods to interact with the five components.
type App struct {
	cfg          config.Config
	logger       *slog.Logger
	version      string
	db           *storage.DB // nil when persistence is disabled
	otelShutdown func(context.Context) error

	buf      *persist.Buffer
	bus      *bus.Bus
	memory   *memory.Store
	tracer   *tracer.Tracer
	insights *insight.Engine
	sup      *supervisor.Supervisor
}

// New initialises the runtime. It connects to the database when one is
// configured, runs migrations, and wires all subsystems. It does NOT
// start any goroutines; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.maxCycles != 0 {
		cfg.MaxCycles = o.maxCycles
	}
	if o.taskTimeout != 0 {
		cfg.TaskTimeout = o.taskTimeout
	}
	if o.cycleInterval != 0 {
		cfg.CycleInterval = o.cycleInterval
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("renkei starting", "version", version, "max_cycles", cfg.MaxCycles)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Persistence is optional. Components receive typed nils so that a
	// non-nil interface never wraps a nil *storage.DB.
	var (
		db       *storage.DB
		sink     persist.Store
		auditor  memory.Auditor
		recorder insight.Recorder
		metrics  supervisor.MetricStore
	)
	if cfg.DatabaseURL != "" {
		db, err = storage.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		db.RegisterPoolMetrics()

		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		for i, extraFS := range o.extraMigrations {
			if err := db.RunMigrations(context.Background(), extraFS); err != nil {
				db.Close()
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
			}
		}
		sink, auditor, recorder, metrics = db, db, db, db
	} else {
		logger.Warn("persistence disabled (no DATABASE_URL), records are kept in memory only")
	}

	buf := persist.NewBuffer(sink, logger, cfg.PersistBufferSize, cfg.PersistFlushTimeout)

	registry := o.registry
	if registry == nil {
		logger.Warn("no agent registry configured, cycles will dispatch zero tasks")
		registry = emptyRegistry{}
	}
	regAdapter := newRegistryAdapter(registry)

	b := bus.New(regAdapter, bus.Config{
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.RetryBackoffBase,
		BackoffMax:  cfg.RetryBackoffMax,
	}, logger, buf)
	mem := memory.New(logger, buf, auditor, cfg.QueryLimit)
	tr := tracer.New(logger, buf)

	sup := supervisor.New(supervisor.Config{
		MaxCycles:             cfg.MaxCycles,
		ConsecutiveErrorLimit: cfg.ConsecutiveErrorLimit,
		TaskTimeout:           cfg.TaskTimeout,
		CycleInterval:         cfg.CycleInterval,
	}, logger, regAdapter, b, mem, tr, metrics)

	engine := insight.New(logger, tr, sup, mem, b, recorder, cfg.InsightInterval, cfg.InsightWindow)

	return &App{
		cfg:          cfg,
		logger:       logger,
		version:      version,
		db:           db,
		otelShutdown: otelShutdown,
		buf:          buf,
		bus:          b,
		memory:       mem,
		tracer:       tr,
		insights:     engine,
		sup:          sup,
	}, nil
}

// Run starts the persistence buffer, the insight loop, and the
// supervisor, then blocks until the run finishes or ctx is cancelled.
// On return, Shutdown is called automatically; callers should not call
// Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.buf.Start(runCtx)
	go a.insights.Loop(runCtx)

	if err := a.sup.Start(runCtx); err != nil {
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("supervisor: %w", err)
	}

	done := make(chan struct{})
	go func() {
		a.sup.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	return a.Shutdown(context.Background())
}

// Shutdown performs a phased graceful stop:
// (1) stop the supervisor at a cycle boundary,
// (2) drain the persistence buffer to Postgres,
// (3) close the database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("renkei shutting down")

	stopped := make(chan struct{})
	go func() {
		a.sup.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(a.cfg.ShutdownSupervisorTimeout):
		a.logger.Error("supervisor did not stop within timeout; continuing shutdown",
			"configured_timeout", a.cfg.ShutdownSupervisorTimeout,
		)
	}

	drainCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownDrainTimeout)
	a.buf.Drain(drainCtx)
	cancel()
	if n := a.buf.Len(); n > 0 {
		a.logger.Error("persistence buffer drain incomplete, unflushed records will be lost",
			"remaining", n,
			"configured_timeout", a.cfg.ShutdownDrainTimeout,
		)
	}

	if a.db != nil {
		a.db.Close()
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("renkei stopped")
	return nil
}

// ── Bus operations ─────────────────────────────────────────────────────────────

// SendMessage enqueues a message for a known recipient and returns its id.
func (a *App) SendMessage(senderID, recipientID string, typ MessageType, priority int, content map[string]any) (uuid.UUID, error) {
	return a.bus.Send(senderID, recipientID, model.MessageType(typ), priority, content)
}

// ReceiveMessage dequeues the highest-priority eligible message for an
// agent. The second return is false when none is ready.
func (a *App) ReceiveMessage(agentID string) (Message, bool) {
	msg, ok := a.bus.Receive(agentID)
	if !ok {
		return Message{}, false
	}
	return toPublicMessage(msg), true
}

// AckMessage acknowledges a received message as delivered.
func (a *App) AckMessage(msgID uuid.UUID) error { return a.bus.Ack(msgID) }

// NackMessage reports a failed delivery attempt; the message is retried
// with backoff or dead-lettered.
func (a *App) NackMessage(msgID uuid.UUID) error { return a.bus.Nack(msgID) }

// BusStats returns the accumulated delivery counters.
func (a *App) BusStats() BusStats {
	s := a.bus.Stats()
	return BusStats{
		TotalSent:       s.TotalSent,
		TotalDelivered:  s.TotalDelivered,
		TotalFailed:     s.TotalFailed,
		DeadLetterCount: s.DeadLetterCount,
	}
}

// DeadLetters returns dead-lettered messages, all of them when
// recipientID is empty.
func (a *App) DeadLetters(recipientID string) []Message {
	dead := a.bus.DeadLetters(recipientID)
	out := make([]Message, len(dead))
	for i, m := range dead {
		out[i] = toPublicMessage(m)
	}
	return out
}

// ── Memory operations ──────────────────────────────────────────────────────────

// RecordMemory appends an immutable memory entry for an agent.
func (a *App) RecordMemory(agentID string, typ MemoryType, content string, tags []string, confidence float64) (uuid.UUID, error) {
	return a.memory.Record(agentID, model.MemoryType(typ), content, tags, confidence)
}

// QueryMemory returns up to limit entries of one tier, most recent first.
func (a *App) QueryMemory(agentID string, typ MemoryType, limit int) ([]MemoryEntry, error) {
	entries, err := a.memory.Query(agentID, model.MemoryType(typ), limit)
	if err != nil {
		return nil, err
	}
	out := make([]MemoryEntry, len(entries))
	for i, e := range entries {
		out[i] = toPublicEntry(e)
	}
	return out, nil
}

// MemoryStatsFor returns one agent's per-tier memory statistics.
func (a *App) MemoryStatsFor(agentID string) MemoryStats {
	return toPublicMemoryStats(a.memory.StatsFor(agentID))
}

// AllMemoryStats returns per-tier statistics for every agent with memory.
func (a *App) AllMemoryStats() []MemoryStats {
	stats := a.memory.Stats()
	out := make([]MemoryStats, len(stats))
	for i, s := range stats {
		out[i] = toPublicMemoryStats(s)
	}
	return out
}

// SystemMemoryStats returns per-tier statistics aggregated across every
// agent. AgentID is empty on the result.
func (a *App) SystemMemoryStats() MemoryStats {
	return toPublicMemoryStats(a.memory.SystemStats())
}

// ClearMemory irreversibly removes an agent's memory for one tier, or
// all tiers with MemoryAll. It requires confirm and records the actor in
// the audit log. Returns how many entries were removed.
func (a *App) ClearMemory(ctx context.Context, agentID string, typ MemoryType, confirm bool, actor string) (int, error) {
	return a.memory.Clear(ctx, agentID, model.MemoryType(typ), confirm, actor)
}

// ── Tracer operations ──────────────────────────────────────────────────────────

// StartTrace opens a new trace rooted at a span for the given operation.
func (a *App) StartTrace(operation string, tags map[string]string) (traceID, spanID uuid.UUID) {
	return a.tracer.StartTrace(operation, tags)
}

// StartSpan opens a child span under an existing parent in a trace.
func (a *App) StartSpan(traceID, parentSpanID uuid.UUID, operation string, tags map[string]string) (uuid.UUID, error) {
	return a.tracer.StartSpan(traceID, parentSpanID, operation, tags)
}

// EndSpan closes a span, merging any close-time tags. Ending a span
// twice fails and leaves the first close untouched.
func (a *App) EndSpan(traceID, spanID uuid.UUID, status SpanStatus, tags map[string]string) error {
	return a.tracer.EndSpan(traceID, spanID, model.SpanStatus(status), tags)
}

// GetTrace returns a trace's spans in parent-first topological order.
func (a *App) GetTrace(traceID uuid.UUID) ([]Span, error) {
	spans, err := a.tracer.GetTrace(traceID)
	if err != nil {
		return nil, err
	}
	out := make([]Span, len(spans))
	for i, s := range spans {
		out[i] = toPublicSpan(s)
	}
	return out, nil
}

// TracePerformance aggregates closed spans into a ranked report.
func (a *App) TracePerformance(topN int) PerformanceReport {
	r := a.tracer.Report(topN)
	ops := make([]OperationStats, len(r.Operations))
	for i, op := range r.Operations {
		ops[i] = OperationStats{
			Operation:   op.Operation,
			Count:       op.Count,
			AvgDuration: op.AvgDuration,
			MinDuration: op.MinDuration,
			MaxDuration: op.MaxDuration,
			Errors:      op.Errors,
		}
	}
	return PerformanceReport{
		SpanCount:   r.SpanCount,
		AvgDuration: r.AvgDuration,
		MinDuration: r.MinDuration,
		MaxDuration: r.MaxDuration,
		Operations:  ops,
	}
}

// ── Insight operations ─────────────────────────────────────────────────────────

// Insights returns the advisory records generated so far, oldest first.
func (a *App) Insights() []Insight {
	return insightsOut(a.insights.Insights())
}

// InsightsSince returns the advisory records created at or after the
// given time, oldest first.
func (a *App) InsightsSince(since time.Time) []Insight {
	return insightsOut(a.insights.InsightsSince(since))
}

func insightsOut(ins []model.Insight) []Insight {
	out := make([]Insight, len(ins))
	for i, in := range ins {
		out[i] = Insight{
			ID:          in.ID,
			AgentID:     in.AgentID,
			Kind:        InsightKind(in.Kind),
			Rule:        in.Rule,
			Description: in.Description,
			Confidence:  in.Confidence,
			Priority:    in.Priority,
			CreatedAt:   in.CreatedAt,
		}
	}
	return out
}

// ── Supervisor operations ──────────────────────────────────────────────────────

// StartRun begins a new supervisor run. Use it together with StopRun for
// front ends that drive the loop explicitly instead of through Run.
func (a *App) StartRun(ctx context.Context) error { return a.sup.Start(ctx) }

// StopRun requests graceful cancellation and waits for the in-flight
// cycle to finish.
func (a *App) StopRun() { a.sup.Stop() }

// ResetFatal returns a fatally-stopped supervisor to idle.
func (a *App) ResetFatal() { a.sup.ResetFatal() }

// RunStatus reports the supervisor's current state and totals.
func (a *App) RunStatus() RunStatus {
	st := a.sup.Status()
	return RunStatus{
		State:           SupervisorState(st.State),
		RunID:           st.RunID,
		LastCycleNumber: st.LastCycleNumber,
		LastCycleTime:   st.LastCycleTime,
		TasksCompleted:  st.TasksCompleted,
		TasksFailed:     st.TasksFailed,
		MessagesSent:    st.MessagesSent,
	}
}

// Report returns the cumulative run summary, available at any time.
func (a *App) Report() RunReport {
	return toPublicReport(a.sup.Report())
}

// ── CycleContext ───────────────────────────────────────────────────────────────

// CycleContext is the surface a task sees during one cycle: the shared
// components plus its position in the run. Tasks attach spans under
// ParentSpanID; they never touch runtime internals directly.
type CycleContext struct {
	RunID        uuid.UUID
	CycleNumber  int
	TraceID      uuid.UUID
	ParentSpanID uuid.UUID

	bus    *bus.Bus
	memory *memory.Store
	tracer *tracer.Tracer
}

// Send enqueues a message for another agent.
func (cc *CycleContext) Send(senderID, recipientID string, typ MessageType, priority int, content map[string]any) (uuid.UUID, error) {
	return cc.bus.Send(senderID, recipientID, model.MessageType(typ), priority, content)
}

// Receive dequeues the next eligible message for an agent.
func (cc *CycleContext) Receive(agentID string) (Message, bool) {
	msg, ok := cc.bus.Receive(agentID)
	if !ok {
		return Message{}, false
	}
	return toPublicMessage(msg), true
}

// Ack acknowledges a received message as delivered.
func (cc *CycleContext) Ack(msgID uuid.UUID) error { return cc.bus.Ack(msgID) }

// Nack reports a failed delivery attempt.
func (cc *CycleContext) Nack(msgID uuid.UUID) error { return cc.bus.Nack(msgID) }

// RecordMemory appends a memory entry for an agent.
func (cc *CycleContext) RecordMemory(agentID string, typ MemoryType, content string, tags []string, confidence float64) (uuid.UUID, error) {
	return cc.memory.Record(agentID, model.MemoryType(typ), content, tags, confidence)
}

// QueryMemory returns recent memory entries for an agent, newest first.
func (cc *CycleContext) QueryMemory(agentID string, typ MemoryType, limit int) ([]MemoryEntry, error) {
	entries, err := cc.memory.Query(agentID, model.MemoryType(typ), limit)
	if err != nil {
		return nil, err
	}
	out := make([]MemoryEntry, len(entries))
	for i, e := range entries {
		out[i] = toPublicEntry(e)
	}
	return out, nil
}

// StartSpan opens a child span under this task's span so concurrent
// tasks never leak spans into each other's subtree.
func (cc *CycleContext) StartSpan(operation string, tags map[string]string) (uuid.UUID, error) {
	return cc.tracer.StartSpan(cc.TraceID, cc.ParentSpanID, operation, tags)
}

// StartSpanUnder opens a child span below an explicit parent within this
// task's trace.
func (cc *CycleContext) StartSpanUnder(parentSpanID uuid.UUID, operation string, tags map[string]string) (uuid.UUID, error) {
	return cc.tracer.StartSpan(cc.TraceID, parentSpanID, operation, tags)
}

// EndSpan closes a span previously opened through this context, merging
// any close-time tags.
func (cc *CycleContext) EndSpan(spanID uuid.UUID, status SpanStatus, tags map[string]string) error {
	return cc.tracer.EndSpan(cc.TraceID, spanID, model.SpanStatus(status), tags)
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// emptyRegistry is the default when no registry is configured.
type emptyRegistry struct{}

func (emptyRegistry) RunnableAgents(context.Context) ([]Agent, error) { return nil, nil }

// registryAdapter bridges a public Registry to the supervisor, and
// doubles as the bus's recipient directory: an agent id is a known
// recipient once the registry has returned it. Membership changes are
// picked up at the next cycle's registry query.
type registryAdapter struct {
	reg Registry

	mu    sync.RWMutex
	known map[string]bool
}

func newRegistryAdapter(reg Registry) *registryAdapter {
	return &registryAdapter{reg: reg, known: make(map[string]bool)}
}

func (r *registryAdapter) RunnableAgents(ctx context.Context) ([]supervisor.Agent, error) {
	agents, err := r.reg.RunnableAgents(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	for _, ag := range agents {
		r.known[ag.ID()] = true
	}
	r.mu.Unlock()

	out := make([]supervisor.Agent, len(agents))
	for i, ag := range agents {
		out[i] = &agentAdapter{agent: ag}
	}
	return out, nil
}

func (r *registryAdapter) KnownRecipient(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.known[id]
}

// agentAdapter wraps a public Agent to satisfy supervisor.Agent,
// converting the internal cycle context to the public one at the
// boundary.
type agentAdapter struct {
	agent Agent
}

func (a *agentAdapter) ID() string { return a.agent.ID() }

func (a *agentAdapter) Execute(ctx context.Context, cc supervisor.CycleContext) (supervisor.TaskResult, error) {
	pub := &CycleContext{
		RunID:        cc.RunID,
		CycleNumber:  cc.CycleNumber,
		TraceID:      cc.TraceID,
		ParentSpanID: cc.ParentSpanID,
		bus:          cc.Bus,
		memory:       cc.Memory,
		tracer:       cc.Tracer,
	}
	res, err := a.agent.Execute(ctx, pub)
	return supervisor.TaskResult{Summary: res.Summary, Data: res.Data}, err
}

// ── Type converters ────────────────────────────────────────────────────────────

func toPublicMessage(m model.Message) Message {
	return Message{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Type:        MessageType(m.Type),
		Priority:    m.Priority,
		Content:     m.Content,
		Status:      MessageStatus(m.Status),
		RetryCount:  m.RetryCount,
		CreatedAt:   m.CreatedAt,
	}
}

func toPublicEntry(e model.MemoryEntry) MemoryEntry {
	return MemoryEntry{
		ID:          e.ID,
		AgentID:     e.AgentID,
		Type:        MemoryType(e.Type),
		Content:     e.Content,
		ContextTags: e.ContextTags,
		Confidence:  e.Confidence,
		CreatedAt:   e.CreatedAt,
	}
}

func toPublicSpan(s model.Span) Span {
	return Span{
		TraceID:      s.TraceID,
		SpanID:       s.SpanID,
		ParentSpanID: s.ParentSpanID,
		Operation:    s.Operation,
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		Status:       SpanStatus(s.Status),
		Tags:         s.Tags,
	}
}

func toPublicMemoryStats(s model.MemoryStats) MemoryStats {
	byType := make(map[MemoryType]MemoryTierStats, len(s.ByType))
	for typ, ts := range s.ByType {
		byType[MemoryType(typ)] = MemoryTierStats{
			Count:         ts.Count,
			AvgConfidence: ts.AvgConfidence,
		}
	}
	return MemoryStats{AgentID: s.AgentID, ByType: byType, Total: s.Total}
}

func toPublicReport(r model.RunReport) RunReport {
	recent := make([]TaskError, len(r.RecentErrors))
	for i, e := range r.RecentErrors {
		recent[i] = TaskError(e)
	}
	return RunReport{
		RunID:           r.RunID,
		Outcome:         RunOutcome(r.Outcome),
		CyclesRun:       r.CyclesRun,
		TasksCompleted:  r.TasksCompleted,
		TasksFailed:     r.TasksFailed,
		MessagesSent:    r.MessagesSent,
		SuccessRate:     r.SuccessRate,
		RecentErrors:    recent,
		FatalCause:      r.FatalCause,
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
		LastCycleNumber: r.LastCycleNumber,
	}
}
