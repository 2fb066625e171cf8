package renkei

import "context"

// Agent is one runnable participant in the coordination loop. The
// runtime does not know or care how a task performs its domain work;
// Execute must honor ctx, and a task that outlives its deadline is
// marked failed and abandoned.
type Agent interface {
	ID() string
	Execute(ctx context.Context, cc *CycleContext) (TaskResult, error)
}

// Registry supplies the current set of runnable agents. The supervisor
// queries it at the start of every cycle, so membership may change
// between cycles. Agent identifiers returned here are the bus's known
// recipients.
type Registry interface {
	RunnableAgents(ctx context.Context) ([]Agent, error)
}
