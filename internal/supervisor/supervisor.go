// Package supervisor drives the coordination loop: sequential cycles
// that fan tasks out to agents, aggregate per-cycle metrics, and stop
// on completion, operator request, or the consecutive-error threshold.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/renkei/internal/bus"
	"github.com/ashita-ai/renkei/internal/memory"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/tracer"
)

var (
	// ErrNotIdle is returned by Start when a run is already in progress.
	ErrNotIdle = errors.New("supervisor: not idle")

	// ErrFatalState is returned by Start after a fatal stop. The operator
	// must inspect the report and call ResetFatal before starting again.
	ErrFatalState = errors.New("supervisor: halted on fatal threshold, reset required")
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultConsecutiveErrorLimit = 5
	DefaultTaskTimeout           = 30 * time.Second

	recentErrorsKept  = 20
	recentMetricsKept = 50
	persistTimeout    = 5 * time.Second
)

// TaskResult is what an agent task hands back on success.
type TaskResult struct {
	Summary string
	Data    map[string]any
}

// Agent is one runnable participant. Execute must honor ctx; a task
// that outlives its deadline is marked failed and abandoned.
type Agent interface {
	ID() string
	Execute(ctx context.Context, cc CycleContext) (TaskResult, error)
}

// Registry supplies the current set of runnable agents each cycle.
type Registry interface {
	RunnableAgents(ctx context.Context) ([]Agent, error)
}

// CycleContext is the surface a task sees: the shared components plus
// its position in the run. Tasks attach their own spans under
// ParentSpanID; they never touch supervisor state directly.
type CycleContext struct {
	RunID        uuid.UUID
	CycleNumber  int
	TraceID      uuid.UUID
	ParentSpanID uuid.UUID
	Bus          *bus.Bus
	Memory       *memory.Store
	Tracer       *tracer.Tracer
}

// MetricStore persists cycle metrics and run reports. *storage.DB
// satisfies it; nil keeps metrics in memory only.
type MetricStore interface {
	InsertCycleMetric(ctx context.Context, m model.CycleMetric) error
	InsertRunReport(ctx context.Context, r model.RunReport) error
}

// clock lets tests drive timing deterministically.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time                         { return time.Now().UTC() }
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config tunes one supervisor instance.
type Config struct {
	MaxCycles             int           // 0 means run until stopped
	ConsecutiveErrorLimit int           // cycles with failures before Fatal
	TaskTimeout           time.Duration // per-task deadline
	CycleInterval         time.Duration // pause between cycles, 0 for none
}

func (c Config) withDefaults() Config {
	if c.ConsecutiveErrorLimit <= 0 {
		c.ConsecutiveErrorLimit = DefaultConsecutiveErrorLimit
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	return c
}

// Status is the point-in-time view returned by Status().
type Status struct {
	State           model.SupervisorState `json:"state"`
	RunID           uuid.UUID             `json:"run_id"`
	LastCycleNumber int                   `json:"last_cycle_number"`
	LastCycleTime   time.Time             `json:"last_cycle_time"`
	TasksCompleted  int                   `json:"tasks_completed"`
	TasksFailed     int                   `json:"tasks_failed"`
	MessagesSent    int64                 `json:"messages_sent"`
}

// Supervisor owns the cycle loop. One run at a time; all methods are
// safe for concurrent use.
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	registry Registry
	bus      *bus.Bus
	memory   *memory.Store
	tracer   *tracer.Tracer
	metrics  MetricStore
	clk      clock

	mu      sync.Mutex
	state   model.SupervisorState
	run     *runState
	stopCh  chan struct{}
	stopped bool // stopCh already closed
	done    chan struct{}
	recent  []model.CycleMetric
}

// runState accumulates one run's cumulative truth. Guarded by
// Supervisor.mu.
type runState struct {
	id           uuid.UUID
	startedAt    time.Time
	endedAt      *time.Time
	outcome      model.RunOutcome
	cycles       int
	completed    int
	failed       int
	messagesSent int64
	recentErrors []model.TaskError
	fatalCause   string
	lastCycleAt  time.Time
	consecutive  int
}

// New creates an idle supervisor. metrics may be nil.
func New(cfg Config, logger *slog.Logger, registry Registry, b *bus.Bus, mem *memory.Store, tr *tracer.Tracer, metrics MetricStore) *Supervisor {
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		registry: registry,
		bus:      b,
		memory:   mem,
		tracer:   tr,
		metrics:  metrics,
		clk:      wallClock{},
		state:    model.StateIdle,
	}
}

// Start transitions Idle to Running and launches the loop. It returns
// ErrNotIdle while a run is active and ErrFatalState after a fatal stop
// that has not been reset. ctx bounds the whole run; cancellation acts
// like Stop at the next cycle boundary.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case model.StateIdle:
	case model.StateFatal:
		return ErrFatalState
	default:
		return fmt.Errorf("%w: state %s", ErrNotIdle, s.state)
	}

	s.state = model.StateRunning
	s.run = &runState{
		id:        uuid.New(),
		startedAt: s.clk.Now(),
		outcome:   model.OutcomeActive,
	}
	s.stopCh = make(chan struct{})
	s.stopped = false
	s.done = make(chan struct{})

	s.logger.Info("supervisor: run started",
		"run_id", s.run.id,
		"max_cycles", s.cfg.MaxCycles,
		"consecutive_error_limit", s.cfg.ConsecutiveErrorLimit,
	)
	go s.loop(ctx, s.run.id, s.stopCh, s.done)
	return nil
}

// Stop requests graceful cancellation and waits for the loop to exit.
// The in-flight cycle finishes first; no partial metric is written.
// Stopping an idle supervisor is a no-op.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.state != model.StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = model.StateStopping
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	done := s.done
	s.mu.Unlock()

	<-done
}

// Wait blocks until the current run's loop exits. Returns immediately
// when no run was ever started.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// ResetFatal returns a fatally-stopped supervisor to Idle so a new run
// may start. It is an explicit operator action; calling it in any other
// state is a no-op.
func (s *Supervisor) ResetFatal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == model.StateFatal {
		s.state = model.StateIdle
		s.logger.Info("supervisor: fatal state reset")
	}
}

// Status reports the current state and run totals.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state}
	if s.run != nil {
		st.RunID = s.run.id
		st.LastCycleNumber = s.run.cycles
		st.LastCycleTime = s.run.lastCycleAt
		st.TasksCompleted = s.run.completed
		st.TasksFailed = s.run.failed
		st.MessagesSent = s.run.messagesSent
	}
	return st
}

// Report returns the cumulative summary of the current or most recent
// run, at any time. Mid-run the outcome is still_running; after a fatal
// stop the report names the cause.
func (s *Supervisor) Report() model.RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return model.RunReport{Outcome: model.OutcomeActive, SuccessRate: 1}
	}
	return s.buildReportLocked()
}

// RecentMetrics returns up to n of the latest cycle metrics, newest
// first, spanning runs.
func (s *Supervisor) RecentMetrics(n int) []model.CycleMetric {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]model.CycleMetric, 0, n)
	for i := len(s.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.recent[i])
	}
	return out
}

func (s *Supervisor) buildReportLocked() model.RunReport {
	r := s.run
	report := model.RunReport{
		RunID:           r.id,
		Outcome:         r.outcome,
		CyclesRun:       r.cycles,
		TasksCompleted:  r.completed,
		TasksFailed:     r.failed,
		MessagesSent:    r.messagesSent,
		RecentErrors:    append([]model.TaskError(nil), r.recentErrors...),
		FatalCause:      r.fatalCause,
		StartedAt:       r.startedAt,
		EndedAt:         r.endedAt,
		LastCycleNumber: r.cycles,
	}
	if total := r.completed + r.failed; total > 0 {
		report.SuccessRate = float64(r.completed) / float64(total)
	} else {
		report.SuccessRate = 1
	}
	return report
}

// loop runs cycles until max cycles, stop, fatal threshold, or ctx
// cancellation. Every exit path persists a final report.
func (s *Supervisor) loop(ctx context.Context, runID uuid.UUID, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	outcome := model.OutcomeStopped
	for cycle := 1; ; cycle++ {
		select {
		case <-stopCh:
			s.finish(ctx, runID, model.OutcomeStopped)
			return
		case <-ctx.Done():
			s.finish(ctx, runID, model.OutcomeStopped)
			return
		default:
		}

		fatal := s.runCycle(ctx, runID, cycle)
		if fatal {
			outcome = model.OutcomeFatal
			break
		}
		if s.cfg.MaxCycles > 0 && cycle >= s.cfg.MaxCycles {
			outcome = model.OutcomeCompleted
			break
		}

		if s.cfg.CycleInterval > 0 {
			select {
			case <-stopCh:
				s.finish(ctx, runID, model.OutcomeStopped)
				return
			case <-ctx.Done():
				s.finish(ctx, runID, model.OutcomeStopped)
				return
			case <-s.clk.After(s.cfg.CycleInterval):
			}
		}
	}
	s.finish(ctx, runID, outcome)
}

// runCycle executes one full cycle and reports whether the
// consecutive-error threshold was breached.
func (s *Supervisor) runCycle(ctx context.Context, runID uuid.UUID, cycle int) bool {
	start := s.clk.Now()
	busBefore := s.bus.Stats()

	traceID, rootSpanID := s.tracer.StartTrace("cycle", map[string]string{
		"run_id":       runID.String(),
		"cycle_number": fmt.Sprintf("%d", cycle),
	})

	var (
		resMu     sync.Mutex
		completed int
		taskErrs  []model.TaskError
	)

	agents, err := s.registry.RunnableAgents(ctx)
	if err != nil {
		// No agents could be dispatched; the whole cycle counts as a
		// failure toward the fatal threshold.
		taskErrs = append(taskErrs, model.TaskError{
			AgentID:    "registry",
			Message:    fmt.Sprintf("list runnable agents: %v", err),
			OccurredAt: s.clk.Now(),
		})
	}

	g := new(errgroup.Group)
	for _, agent := range agents {
		g.Go(func() error {
			taskErr := s.runTask(ctx, runID, cycle, traceID, rootSpanID, agent)
			resMu.Lock()
			if taskErr != nil {
				taskErrs = append(taskErrs, *taskErr)
			} else {
				completed++
			}
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // task errors are collected, never propagated

	rootStatus := model.SpanStatusOK
	if len(taskErrs) > 0 {
		rootStatus = model.SpanStatusError
	}
	if err := s.tracer.EndSpan(traceID, rootSpanID, rootStatus, nil); err != nil {
		s.logger.Error("supervisor: close cycle span", "error", err)
	}

	busAfter := s.bus.Stats()
	metric := model.CycleMetric{
		RunID:          runID,
		CycleNumber:    cycle,
		TasksCompleted: completed,
		TasksFailed:    len(taskErrs),
		MessagesSent:   busAfter.TotalSent - busBefore.TotalSent,
		Errors:         taskErrs,
		Duration:       s.clk.Now().Sub(start),
		Timestamp:      s.clk.Now(),
	}
	s.persistMetric(metric)

	s.mu.Lock()
	r := s.run
	r.cycles = cycle
	r.lastCycleAt = metric.Timestamp
	r.completed += metric.TasksCompleted
	r.failed += metric.TasksFailed
	r.messagesSent += metric.MessagesSent
	r.recentErrors = append(r.recentErrors, taskErrs...)
	if len(r.recentErrors) > recentErrorsKept {
		r.recentErrors = r.recentErrors[len(r.recentErrors)-recentErrorsKept:]
	}
	if metric.TasksFailed > 0 {
		r.consecutive++
	} else {
		r.consecutive = 0
	}
	fatal := r.consecutive >= s.cfg.ConsecutiveErrorLimit
	if fatal {
		r.fatalCause = fmt.Sprintf("%d consecutive cycles with task failures (limit %d)",
			r.consecutive, s.cfg.ConsecutiveErrorLimit)
	}
	s.recent = append(s.recent, metric)
	if len(s.recent) > recentMetricsKept {
		s.recent = s.recent[len(s.recent)-recentMetricsKept:]
	}
	s.mu.Unlock()

	s.logger.Debug("supervisor: cycle complete",
		"run_id", runID,
		"cycle", cycle,
		"completed", metric.TasksCompleted,
		"failed", metric.TasksFailed,
		"messages_sent", metric.MessagesSent,
		"duration", metric.Duration,
	)
	return fatal
}

// runTask executes one agent task under its own span and deadline.
// Returns nil on success. A task that ignores its deadline is abandoned
// and reported as a timeout; its goroutine is left to finish on its own.
func (s *Supervisor) runTask(ctx context.Context, runID uuid.UUID, cycle int, traceID, rootSpanID uuid.UUID, agent Agent) *model.TaskError {
	agentID := agent.ID()
	spanID, err := s.tracer.StartSpan(traceID, rootSpanID, "task:"+agentID, map[string]string{
		"agent_id": agentID,
	})
	if err != nil {
		return &model.TaskError{
			AgentID:    agentID,
			Message:    fmt.Sprintf("start task span: %v", err),
			OccurredAt: s.clk.Now(),
		}
	}

	cc := CycleContext{
		RunID:        runID,
		CycleNumber:  cycle,
		TraceID:      traceID,
		ParentSpanID: spanID,
		Bus:          s.bus,
		Memory:       s.memory,
		Tracer:       s.tracer,
	}

	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	type outcome struct {
		err   error
		stack string
	}
	resCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				resCh <- outcome{
					err:   fmt.Errorf("panic: %v", p),
					stack: string(debug.Stack()),
				}
			}
		}()
		_, err := agent.Execute(taskCtx, cc)
		resCh <- outcome{err: err}
	}()

	var taskErr *model.TaskError
	select {
	case out := <-resCh:
		if out.err != nil {
			taskErr = &model.TaskError{
				AgentID:    agentID,
				Message:    out.err.Error(),
				Stack:      out.stack,
				OccurredAt: s.clk.Now(),
			}
		}
	case <-taskCtx.Done():
		taskErr = &model.TaskError{
			AgentID:    agentID,
			Message:    fmt.Sprintf("task exceeded %s deadline", s.cfg.TaskTimeout),
			OccurredAt: s.clk.Now(),
		}
	}

	spanStatus := model.SpanStatusOK
	if taskErr != nil {
		spanStatus = model.SpanStatusError
	}
	if err := s.tracer.EndSpan(traceID, spanID, spanStatus, nil); err != nil {
		s.logger.Error("supervisor: close task span", "agent_id", agentID, "error", err)
	}
	return taskErr
}

func (s *Supervisor) persistMetric(m model.CycleMetric) {
	if s.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.metrics.InsertCycleMetric(ctx, m); err != nil {
		s.logger.Error("supervisor: persist cycle metric",
			"run_id", m.RunID, "cycle", m.CycleNumber, "error", err)
	}
}

// finish closes out the run: records the outcome, persists the final
// report, and settles the state machine. The loop never exits silently.
func (s *Supervisor) finish(_ context.Context, runID uuid.UUID, outcome model.RunOutcome) {
	now := s.clk.Now()

	s.mu.Lock()
	s.run.outcome = outcome
	s.run.endedAt = &now
	report := s.buildReportLocked()
	if outcome == model.OutcomeFatal {
		s.state = model.StateFatal
	} else {
		s.state = model.StateIdle
	}
	s.mu.Unlock()

	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := s.metrics.InsertRunReport(ctx, report); err != nil {
			s.logger.Error("supervisor: persist run report", "run_id", runID, "error", err)
		}
		cancel()
	}

	s.logger.Info("supervisor: run finished",
		"run_id", runID,
		"outcome", string(outcome),
		"cycles", report.CyclesRun,
		"success_rate", report.SuccessRate,
		"fatal_cause", report.FatalCause,
	)
}
