package workflow

import (
	"context"

	"github.com/casekit/caseflow/types"
)

// Executor performs the terminal state-mutating action for an
// instance (case creation, system update, notification). The engine
// dispatches it at most once per instance; downstream idempotency is
// advised but not assumed.
type Executor interface {
	Execute(ctx context.Context, inst *types.WorkflowInstance) (types.ActionResult, error)
}

// ExecutorFunc is a function adapter for Executor.
type ExecutorFunc func(ctx context.Context, inst *types.WorkflowInstance) (types.ActionResult, error)

// Execute implements the Executor interface.
func (f ExecutorFunc) Execute(ctx context.Context, inst *types.WorkflowInstance) (types.ActionResult, error) {
	return f(ctx, inst)
}
