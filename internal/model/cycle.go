package model

import (
	"time"

	"github.com/google/uuid"
)

// SupervisorState is the cycle supervisor's lifecycle state.
type SupervisorState string

const (
	StateIdle     SupervisorState = "idle"
	StateRunning  SupervisorState = "running"
	StateStopping SupervisorState = "stopping"
	StateFatal    SupervisorState = "fatal"
)

// TaskError records one failed task inside a cycle, with enough context
// to audit the failure after the fact.
type TaskError struct {
	AgentID    string    `json:"agent_id"`
	Message    string    `json:"message"`
	Stack      string    `json:"stack,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CycleMetric is the immutable per-cycle aggregate. Cycle numbers for
// consecutive recorded cycles increase by exactly one while a run is
// active; no two metrics of a run share a cycle number.
type CycleMetric struct {
	RunID          uuid.UUID     `json:"run_id"`
	CycleNumber    int           `json:"cycle_number"`
	TasksCompleted int           `json:"tasks_completed"`
	TasksFailed    int           `json:"tasks_failed"`
	MessagesSent   int64         `json:"messages_sent"`
	Errors         []TaskError   `json:"errors,omitempty"`
	Duration       time.Duration `json:"duration"`
	Timestamp      time.Time     `json:"timestamp"`
}

// RunOutcome is why a supervisor run ended.
type RunOutcome string

const (
	OutcomeCompleted RunOutcome = "completed"     // max_cycles reached
	OutcomeStopped   RunOutcome = "stopped"       // explicit Stop()
	OutcomeFatal     RunOutcome = "fatal"         // consecutive-error limit breached
	OutcomeActive    RunOutcome = "still_running" // report taken mid-run
)

// RunReport is the summary the supervisor persists on every termination
// path, and returns from Report() at any time.
type RunReport struct {
	RunID           uuid.UUID   `json:"run_id"`
	Outcome         RunOutcome  `json:"outcome"`
	CyclesRun       int         `json:"cycles_run"`
	TasksCompleted  int         `json:"tasks_completed"`
	TasksFailed     int         `json:"tasks_failed"`
	MessagesSent    int64       `json:"messages_sent"`
	SuccessRate     float64     `json:"success_rate"` // completed / (completed+failed), 1.0 when no tasks ran
	RecentErrors    []TaskError `json:"recent_errors,omitempty"`
	FatalCause      string      `json:"fatal_cause,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
	LastCycleNumber int         `json:"last_cycle_number"`
}
