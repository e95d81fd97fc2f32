package executor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/moonbot-gateway/internal/toolruntime"
)

// Outcome is what the Executor hands back to the caller once a task's
// plan has run to completion or been aborted.
type Outcome struct {
	Success      bool
	Message      string
	Fallback     bool
	Outputs      map[string]toolruntime.ToolResult
	Errors       map[string]string
	RecoveryLog    []RecoveryAttempt
	AwaitingStep   string // non-empty when suspended on an approval
	AwaitingID     string // the toolruntime invocation id being awaited
	AwaitingToolID string
	AwaitingInput  map[string]any
}

// ToolInvoker is the subset of toolruntime.Runtime the Executor depends
// on, narrowed to ease testing with a fake.
type ToolInvoker interface {
	Invoke(ctx toolruntime.ToolContext, toolID string, input map[string]any) toolruntime.ToolResult
}

// ApprovalRequester is implemented by runtimes that can defer a tool
// invocation behind an out-of-band approval; toolruntime.Runtime
// satisfies it. The Executor uses it when the Replanner decides a failed
// step needs an approval rather than a retry.
type ApprovalRequester interface {
	RequestApproval(ctx toolruntime.ToolContext, toolID string, input map[string]any) toolruntime.ToolResult
}

// Executor drives one task's plan to completion.
type Executor struct {
	planner   Planner
	tools     ToolInvoker
	replanner *Replanner
	logger    *slog.Logger
	maxParallel int
}

// New builds an Executor. maxParallel bounds concurrent step execution
// within a topological batch, mirroring the teacher's errgroup-limited
// fan-out.
func New(planner Planner, tools ToolInvoker, replanner *Replanner, maxParallel int, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Executor{planner: planner, tools: tools, replanner: replanner, logger: logger.With("component", "executor"), maxParallel: maxParallel}
}

// stepResult holds the outcome of one step in a batch.
type stepResult struct {
	Step   Step
	Result toolruntime.ToolResult
}

// executeBatch runs a batch of independent steps concurrently, bounded by
// maxParallel, and returns results in the original order. Grounded on the
// teacher's executeParallel: a single step takes a fast path with no
// goroutine, and results are written to pre-allocated indices so no
// result-collection mutex is needed.
func (e *Executor) executeBatch(ctx context.Context, batch []Step, baseCtx toolruntime.ToolContext) []stepResult {
	results := make([]stepResult, len(batch))

	if len(batch) == 1 {
		s := batch[0]
		results[0] = stepResult{Step: s, Result: e.runStep(baseCtx, s)}
		return results
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)

	for i, s := range batch {
		i, s := i, s
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				results[i] = stepResult{Step: s, Result: toolruntime.ToolResult{}}
				return nil
			default:
			}
			results[i] = stepResult{Step: s, Result: e.runStep(baseCtx, s)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Executor) runStep(ctx toolruntime.ToolContext, s Step) toolruntime.ToolResult {
	if s.ToolID == "" {
		return toolruntime.ToolResult{OK: true, Data: s.Description}
	}
	return e.tools.Invoke(ctx, s.ToolID, s.Input)
}

// PausedExecution captures everything needed to resume a plan once a
// suspended approval resolves: the remaining topological batches, the
// accumulated outputs/errors/recovery log, and the step id that is
// waiting.
type PausedExecution struct {
	plan       Plan
	toolCtx    toolruntime.ToolContext
	batches    [][]Step
	batchIndex int
	outputs    map[string]toolruntime.ToolResult
	errs       map[string]string
	recovery   []RecoveryAttempt
	start      time.Time
	AwaitingStep string
}

// Run generates a plan, validates it, and executes steps batch by batch,
// consulting the Replanner on failure. It suspends (returning a non-nil
// *PausedExecution) the first time a step returns AwaitingApproval or the
// Replanner decides REQUEST_APPROVAL; the caller (the gateway's ExecRunner)
// is responsible for resuming via Resume once the approval is settled.
func (e *Executor) Run(ctx context.Context, message string, history []ChatTurn, toolCtx toolruntime.ToolContext) (Outcome, *PausedExecution, error) {
	plan, err := e.planner.Plan(ctx, message, history)
	if err != nil {
		return Outcome{}, nil, err
	}
	if err := ValidatePlan(plan); err != nil {
		return Outcome{}, nil, err
	}
	batches := TopoOrder(plan)
	return e.runFrom(ctx, plan, toolCtx, batches, 0,
		make(map[string]toolruntime.ToolResult), make(map[string]string), nil, time.Now())
}

// Resume continues a PausedExecution once its awaited approval has been
// resolved. resolvedStepID names which step the resolution applies to and
// result is the outcome toolruntime produced (either a real run, or an
// APPROVAL_DENIED error result).
func (e *Executor) Resume(ctx context.Context, pe *PausedExecution, resolvedStepID string, result toolruntime.ToolResult) (Outcome, *PausedExecution, error) {
	if result.AwaitingApproval {
		return Outcome{}, pe, nil
	}
	if !result.OK && result.Error != nil {
		action, alt := e.replanner.Decide(resolvedStepID, "", result.Error.Code, pe.recovery, time.Since(pe.start))
		pe.recovery = append(pe.recovery, RecoveryAttempt{StepID: resolvedStepID, Action: action, AlternativeToolID: alt, Timestamp: time.Now()})
		if action != ActionAbort {
			// Approval denial degrades straight to abort for that step;
			// retry/alternative after a denial is not a sanctioned path.
			action = ActionAbort
		}
		pe.errs[resolvedStepID] = result.Error.Message
	} else {
		pe.outputs[resolvedStepID] = result
	}
	return e.runFrom(ctx, pe.plan, pe.toolCtx, pe.batches, pe.batchIndex+1, pe.outputs, pe.errs, pe.recovery, pe.start)
}

func (e *Executor) runFrom(ctx context.Context, plan Plan, toolCtx toolruntime.ToolContext, batches [][]Step, fromIndex int,
	outputs map[string]toolruntime.ToolResult, errs map[string]string, recovery []RecoveryAttempt, start time.Time) (Outcome, *PausedExecution, error) {

	for bi := fromIndex; bi < len(batches); bi++ {
		batch := batches[bi]
		results := e.executeBatch(ctx, batch, toolCtx)
		for _, r := range results {
			if r.Result.AwaitingApproval {
				// TODO: resuming at the next batch skips sibling steps
				// scheduled alongside the gated one; revisit when a
				// planner emits approval steps inside parallel batches.
				pe := &PausedExecution{
					plan: plan, toolCtx: toolCtx, batches: batches, batchIndex: bi,
					outputs: outputs, errs: errs, recovery: recovery, start: start,
					AwaitingStep: r.Step.ID,
				}
				return Outcome{
					AwaitingStep:   r.Step.ID,
					AwaitingID:     r.Result.InvocationID,
					AwaitingToolID: r.Step.ToolID,
					AwaitingInput:  r.Step.Input,
					Outputs:        outputs,
					Errors:         errs,
					RecoveryLog:    recovery,
				}, pe, nil
			}
			if !r.Result.OK && r.Result.Error != nil {
				res, rec, needApproval := e.recoverStep(toolCtx, r.Step, r.Result, recovery, start)
				recovery = rec
				if needApproval {
					pe := &PausedExecution{
						plan: plan, toolCtx: toolCtx, batches: batches, batchIndex: bi,
						outputs: outputs, errs: errs, recovery: recovery, start: start,
						AwaitingStep: r.Step.ID,
					}
					return Outcome{
						AwaitingStep:   r.Step.ID,
						AwaitingID:     res.InvocationID,
						AwaitingToolID: r.Step.ToolID,
						AwaitingInput:  r.Step.Input,
						Outputs:        outputs,
						Errors:         errs,
						RecoveryLog:    recovery,
					}, pe, nil
				}
				if res.OK {
					outputs[r.Step.ID] = res
				} else {
					msg := "step failed"
					if res.Error != nil {
						msg = res.Error.Message
					}
					errs[r.Step.ID] = msg
				}
				continue
			}
			outputs[r.Step.ID] = r.Result
		}
	}

	message := composeReply(outputs)
	return Outcome{
		Success:     len(errs) == 0,
		Message:     message,
		Fallback:    true,
		Outputs:     outputs,
		Errors:      errs,
		RecoveryLog: recovery,
	}, nil, nil
}

// recoverStep drives a failed step back through the Replanner until an
// attempt succeeds, the Replanner returns ABORT, or an approval is
// needed, so the per-step maxRetries/maxAlternatives bounds are actually
// walked to exhaustion. It returns the last result and the grown
// recovery log; needApproval reports that the caller must suspend on
// result.InvocationID.
func (e *Executor) recoverStep(toolCtx toolruntime.ToolContext, step Step, failed toolruntime.ToolResult,
	recovery []RecoveryAttempt, start time.Time) (toolruntime.ToolResult, []RecoveryAttempt, bool) {

	res := failed
	for {
		code := "UNKNOWN"
		if res.Error != nil {
			code = res.Error.Code
		}
		attemptStart := time.Now()
		action, alt := e.replanner.Decide(step.ID, step.ToolID, code, recovery, time.Since(start))
		recovery = append(recovery, RecoveryAttempt{
			StepID: step.ID, Action: action, ToolID: step.ToolID, AlternativeToolID: alt,
			Timestamp: attemptStart,
		})

		switch action {
		case ActionRetry:
			res = e.runStep(toolCtx, step)
		case ActionAlternative:
			altStep := step
			altStep.ToolID = alt
			res = e.runStep(toolCtx, altStep)
		case ActionRequestApproval:
			ar, ok := e.tools.(ApprovalRequester)
			if !ok {
				return res, recovery, false
			}
			return ar.RequestApproval(toolCtx, step.ToolID, step.Input), recovery, true
		default: // ActionAbort
			return res, recovery, false
		}

		attempt := &recovery[len(recovery)-1]
		attempt.DurationMs = time.Since(attemptStart).Milliseconds()
		if res.AwaitingApproval {
			return res, recovery, true
		}
		if res.OK {
			attempt.Success = true
			return res, recovery, false
		}
	}
}

// composeReply formats a fallback assistant message from step outputs
// when no LLM-formatted composer is wired in. Callers that have an LLM
// available should replace this with a formatted completion and tag the
// metadata fallback=false.
func composeReply(outputs map[string]toolruntime.ToolResult) string {
	if r, ok := outputs["respond"]; ok {
		if s, ok := r.Data.(string); ok {
			return s
		}
	}
	return "done"
}
