package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/clawinfra/moonbot-gateway/internal/executor"
	"github.com/clawinfra/moonbot-gateway/internal/orchestrator"
	"github.com/clawinfra/moonbot-gateway/internal/toolruntime"
	"github.com/clawinfra/moonbot-gateway/internal/types"
)

// ExecRunner adapts the Executor to the Orchestrator's Runner contract
// and owns the glue between an orchestrator approval decision and the
// tool invocation suspended inside the ToolRuntime: each suspension gets
// a one-shot channel, and Bind's subscriber pushes the resolved
// ToolResult into it.
type ExecRunner struct {
	exec          *executor.Executor
	runtime       *toolruntime.Runtime
	workspaceRoot string
	policy        toolruntime.Policy
	logger        *slog.Logger

	mu       sync.Mutex
	resolved map[string]chan toolruntime.ToolResult // requestID -> waiter
}

// NewExecRunner builds the adapter. Call Bind once the Orchestrator
// exists; construction order is runner first because the Orchestrator
// takes the Runner in its constructor.
func NewExecRunner(exec *executor.Executor, runtime *toolruntime.Runtime, workspaceRoot string, policy toolruntime.Policy, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		exec:          exec,
		runtime:       runtime,
		workspaceRoot: workspaceRoot,
		policy:        policy,
		logger:        logger.With("component", "runner"),
		resolved:      make(map[string]chan toolruntime.ToolResult),
	}
}

// Bind subscribes to the orchestrator's approval resolutions. The
// decision flows orchestrator -> toolruntime.Resolve (which runs the
// tool or short-circuits with APPROVAL_DENIED) -> the suspended Run
// loop.
func (r *ExecRunner) Bind(orch *orchestrator.Orchestrator) orchestrator.Unsubscribe {
	return orch.OnApprovalResolved(func(a types.ApprovalResolved) {
		// Resolve runs the approved tool, which may be slow; keep it off
		// the Grant caller's goroutine.
		go func() {
			result, ok := r.runtime.Resolve(a.RequestID, a.Approved)
			if !ok {
				return
			}
			r.mu.Lock()
			ch := r.resolved[a.RequestID]
			delete(r.resolved, a.RequestID)
			r.mu.Unlock()
			if ch != nil {
				ch <- result
			}
		}()
	})
}

// Run implements orchestrator.Runner: it drives the task's plan,
// reporting a suspension outcome per approval and one terminal outcome,
// unless ctx is cancelled first.
func (r *ExecRunner) Run(ctx context.Context, task *types.Task, sessionID string, resultCh chan<- orchestrator.RunOutcome) {
	toolCtx := toolruntime.ToolContext{
		Context:       ctx,
		SessionID:     sessionID,
		UserID:        task.Message.UserID,
		AgentID:       task.Message.AgentID,
		WorkspaceRoot: r.workspaceRoot,
		Policy:        r.policy,
	}

	out, paused, err := r.exec.Run(ctx, task.Message.Text, nil, toolCtx)
	for {
		if err != nil {
			resultCh <- orchestrator.RunOutcome{
				Success: false,
				Err:     types.NewTaskError(types.ErrExecutionError, "execution failed", err),
			}
			return
		}
		if paused == nil {
			resultCh <- r.terminalOutcome(out)
			return
		}

		requestID := out.AwaitingID
		if requestID == "" {
			r.logger.Error("suspension without an invocation id", "taskId", task.ID, "step", out.AwaitingStep)
			resultCh <- orchestrator.RunOutcome{
				Success: false,
				Err:     types.NewTaskError(types.ErrExecutionError, "execution failed", nil),
			}
			return
		}

		waiter := make(chan toolruntime.ToolResult, 1)
		r.mu.Lock()
		r.resolved[requestID] = waiter
		r.mu.Unlock()

		resultCh <- orchestrator.RunOutcome{
			Awaiting:  true,
			RequestID: requestID,
			ToolID:    out.AwaitingToolID,
			Input:     out.AwaitingInput,
		}

		select {
		case result := <-waiter:
			out, paused, err = r.exec.Resume(ctx, paused, paused.AwaitingStep, result)
		case <-ctx.Done():
			r.mu.Lock()
			delete(r.resolved, requestID)
			r.mu.Unlock()
			r.runtime.Cancel(requestID)
			return
		}
	}
}

// terminalOutcome maps an executor Outcome onto the Runner contract.
func (r *ExecRunner) terminalOutcome(out executor.Outcome) orchestrator.RunOutcome {
	if out.Success {
		return orchestrator.RunOutcome{Success: true, Message: out.Message}
	}
	userMsg := "some steps failed"
	code := types.ErrExecutionError
	for _, e := range out.Errors {
		if e == "approval denied" {
			code = types.ErrApprovalDenied
			break
		}
	}
	return orchestrator.RunOutcome{
		Success: false,
		Message: out.Message,
		Err:     types.NewTaskError(code, userMsg, nil),
	}
}
