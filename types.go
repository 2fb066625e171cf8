package renkei

import (
	"time"

	"github.com/google/uuid"
)

// Public twins of the internal record types. They are standalone structs
// with no internal imports; conversion helpers live in renkei.go, the
// only file that sees both sides of the boundary.

// MessageType categorizes a bus message.
type MessageType string

const (
	MessageCommand  MessageType = "command"
	MessageEvent    MessageType = "event"
	MessageQuery    MessageType = "query"
	MessageResponse MessageType = "response"
)

// MessageStatus is a message's position in the delivery state machine.
type MessageStatus string

const (
	MessagePending      MessageStatus = "pending"
	MessageDelivered    MessageStatus = "delivered"
	MessageFailed       MessageStatus = "failed"
	MessageDeadLettered MessageStatus = "dead_lettered"
)

// Message is one unit of inter-agent communication.
type Message struct {
	ID          uuid.UUID      `json:"id"`
	SenderID    string         `json:"sender_id"`
	RecipientID string         `json:"recipient_id"`
	Type        MessageType    `json:"message_type"`
	Priority    int            `json:"priority"`
	Content     map[string]any `json:"content"`
	Status      MessageStatus  `json:"status"`
	RetryCount  int            `json:"retry_count"`
	CreatedAt   time.Time      `json:"created_at"`
}

// BusStats are the bus's monotonically accumulated delivery counters.
type BusStats struct {
	TotalSent       int64 `json:"total_sent"`
	TotalDelivered  int64 `json:"total_delivered"`
	TotalFailed     int64 `json:"total_failed"`
	DeadLetterCount int64 `json:"dead_letter_count"`
}

// MemoryType is the tier a memory entry belongs to.
type MemoryType string

const (
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryProcedural MemoryType = "procedural"

	// MemoryAll selects every tier in ClearMemory.
	MemoryAll MemoryType = ""
)

// MemoryEntry is an immutable record in an agent's tiered memory.
type MemoryEntry struct {
	ID          uuid.UUID  `json:"id"`
	AgentID     string     `json:"agent_id"`
	Type        MemoryType `json:"memory_type"`
	Content     string     `json:"content"`
	ContextTags []string   `json:"context_tags"`
	Confidence  float64    `json:"confidence"`
	CreatedAt   time.Time  `json:"created_at"`
}

// MemoryTierStats aggregates one memory tier for one agent.
type MemoryTierStats struct {
	Count         int     `json:"count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// MemoryStats aggregates an agent's memory by tier.
type MemoryStats struct {
	AgentID string                         `json:"agent_id"`
	ByType  map[MemoryType]MemoryTierStats `json:"by_type"`
	Total   int                            `json:"total"`
}

// SpanStatus is the terminal status of a closed span.
type SpanStatus string

const (
	SpanOK    SpanStatus = "ok"
	SpanError SpanStatus = "error"
)

// Span is a timed unit of work inside a trace.
type Span struct {
	TraceID      uuid.UUID         `json:"trace_id"`
	SpanID       uuid.UUID         `json:"span_id"`
	ParentSpanID *uuid.UUID        `json:"parent_span_id,omitempty"`
	Operation    string            `json:"operation_name"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	Status       SpanStatus        `json:"status"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// OperationStats is a per-operation aggregate in a performance report.
type OperationStats struct {
	Operation   string        `json:"operation_name"`
	Count       int           `json:"count"`
	AvgDuration time.Duration `json:"avg_duration"`
	MinDuration time.Duration `json:"min_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	Errors      int           `json:"errors"`
}

// PerformanceReport summarizes closed spans across all traces,
// operations ranked by average duration descending.
type PerformanceReport struct {
	SpanCount   int              `json:"span_count"`
	AvgDuration time.Duration    `json:"avg_duration"`
	MinDuration time.Duration    `json:"min_duration"`
	MaxDuration time.Duration    `json:"max_duration"`
	Operations  []OperationStats `json:"operations"`
}

// InsightKind distinguishes observations from actionable advice.
type InsightKind string

const (
	KindInsight    InsightKind = "insight"
	KindSuggestion InsightKind = "suggestion"
)

// Insight is an advisory record. The runtime never acts on one.
type Insight struct {
	ID          uuid.UUID   `json:"id"`
	AgentID     string      `json:"agent_id,omitempty"`
	Kind        InsightKind `json:"kind"`
	Rule        string      `json:"rule"`
	Description string      `json:"description"`
	Confidence  float64     `json:"confidence"`
	Priority    int         `json:"priority"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SupervisorState is the cycle supervisor's lifecycle state.
type SupervisorState string

const (
	StateIdle     SupervisorState = "idle"
	StateRunning  SupervisorState = "running"
	StateStopping SupervisorState = "stopping"
	StateFatal    SupervisorState = "fatal"
)

// TaskError records one failed task inside a cycle.
type TaskError struct {
	AgentID    string    `json:"agent_id"`
	Message    string    `json:"message"`
	Stack      string    `json:"stack,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RunOutcome is why a supervisor run ended.
type RunOutcome string

const (
	OutcomeCompleted RunOutcome = "completed"
	OutcomeStopped   RunOutcome = "stopped"
	OutcomeFatal     RunOutcome = "fatal"
	OutcomeActive    RunOutcome = "still_running"
)

// RunReport is the supervisor's cumulative run summary.
type RunReport struct {
	RunID           uuid.UUID   `json:"run_id"`
	Outcome         RunOutcome  `json:"outcome"`
	CyclesRun       int         `json:"cycles_run"`
	TasksCompleted  int         `json:"tasks_completed"`
	TasksFailed     int         `json:"tasks_failed"`
	MessagesSent    int64       `json:"messages_sent"`
	SuccessRate     float64     `json:"success_rate"`
	RecentErrors    []TaskError `json:"recent_errors,omitempty"`
	FatalCause      string      `json:"fatal_cause,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
	LastCycleNumber int         `json:"last_cycle_number"`
}

// RunStatus is the supervisor's point-in-time status.
type RunStatus struct {
	State           SupervisorState `json:"state"`
	RunID           uuid.UUID       `json:"run_id"`
	LastCycleNumber int             `json:"last_cycle_number"`
	LastCycleTime   time.Time       `json:"last_cycle_time"`
	TasksCompleted  int             `json:"tasks_completed"`
	TasksFailed     int             `json:"tasks_failed"`
	MessagesSent    int64           `json:"messages_sent"`
}

// TaskResult is what an agent task hands back on success.
type TaskResult struct {
	Summary string
	Data    map[string]any
}
