package coordinator

import (
	"context"
	"fmt"
)

// ExecStatus classifies the outcome of one ticket execution.
type ExecStatus string

// Possible execution outcomes
const (
	// StatusSuccess means the executor implemented the ticket.
	StatusSuccess ExecStatus = "success"

	// StatusFailed means the executor rejected the ticket on domain grounds
	// (tests failed, review rejected, ...). Sibling tickets keep running.
	StatusFailed ExecStatus = "failed"

	// StatusError means infrastructure failed (executor unreachable, panic,
	// cancelled context). The remaining tickets of the batch are skipped.
	StatusError ExecStatus = "error"
)

// Result is the structured outcome the executor returns per ticket.
type Result struct {
	Status ExecStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
	Err    error      `json:"-"`
}

// Errorf builds a StatusError result from a formatted error.
func Errorf(format string, args ...any) Result {
	err := fmt.Errorf(format, args...)
	return Result{Status: StatusError, Detail: err.Error(), Err: err}
}

// Executor is the external collaborator performing the actual AI-driven
// ticket work. Implementations must be safe to run concurrently and should
// honor ctx cancellation at safe checkpoints if long-running.
type Executor interface {
	Run(ctx context.Context, ticketID, projectID int64, conversationID *int64) Result
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, ticketID, projectID int64, conversationID *int64) Result

// Run calls f.
func (f ExecutorFunc) Run(ctx context.Context, ticketID, projectID int64, conversationID *int64) Result {
	return f(ctx, ticketID, projectID, conversationID)
}
