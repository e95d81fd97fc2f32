package executor

import (
	"context"
	"testing"

	"github.com/clawinfra/moonbot-gateway/internal/toolruntime"
)

type stubTools struct {
	results map[string]toolruntime.ToolResult
}

func (s stubTools) Invoke(ctx toolruntime.ToolContext, toolID string, input map[string]any) toolruntime.ToolResult {
	if r, ok := s.results[toolID]; ok {
		return r
	}
	return toolruntime.ToolResult{OK: true, Data: "ok:" + toolID}
}

func TestExecutorRunsFallbackPlanToCompletion(t *testing.T) {
	ex := New(FallbackPlanner{}, stubTools{}, NewReplanner(Bounds{MaxRetries: 3, MaxAlternatives: 2}, nil), 4, nil)
	outcome, pe, err := ex.Run(context.Background(), "read file a.txt", nil, toolruntime.ToolContext{})
	if err != nil {
		t.Fatal(err)
	}
	if pe != nil {
		t.Fatalf("expected no suspension, got %+v", pe)
	}
	if !outcome.Success {
		t.Fatalf("expected success, got %+v", outcome)
	}
}

// fixedPlanner returns the same plan for every message.
type fixedPlanner struct{ plan Plan }

func (p fixedPlanner) Plan(_ context.Context, _ string, _ []ChatTurn) (Plan, error) {
	return p.plan, nil
}

// flakyTools fails the first failures[toolID] invocations of each tool
// with the given code, then succeeds.
type flakyTools struct {
	failures map[string]int
	code     string
	calls    map[string]int
}

func (f *flakyTools) Invoke(_ toolruntime.ToolContext, toolID string, _ map[string]any) toolruntime.ToolResult {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[toolID]++
	if f.calls[toolID] <= f.failures[toolID] {
		return toolruntime.ToolResult{OK: false, Error: &toolruntime.ToolResultError{Code: f.code, Message: "transient failure"}}
	}
	return toolruntime.ToolResult{OK: true, Data: "ok:" + toolID}
}

func singleStepPlan(toolID string) Plan {
	return Plan{Steps: []Step{{ID: "s1", Description: "op", ToolID: toolID}}}
}

func TestExecutorRetriesUntilSuccess(t *testing.T) {
	tools := &flakyTools{failures: map[string]int{"net.op": 2}, code: "TIMEOUT"}
	ex := New(fixedPlanner{plan: singleStepPlan("net.op")}, tools,
		NewReplanner(Bounds{MaxRetries: 3, MaxAlternatives: 2}, nil), 4, nil)

	outcome, pe, err := ex.Run(context.Background(), "go", nil, toolruntime.ToolContext{})
	if err != nil {
		t.Fatal(err)
	}
	if pe != nil {
		t.Fatalf("unexpected suspension: %+v", pe)
	}
	if !outcome.Success {
		t.Fatalf("expected success after retries, got %+v", outcome)
	}
	if tools.calls["net.op"] != 3 {
		t.Fatalf("tool invoked %d times, want 3 (initial + 2 retries)", tools.calls["net.op"])
	}
	if len(outcome.RecoveryLog) != 2 {
		t.Fatalf("recovery log has %d attempts, want 2", len(outcome.RecoveryLog))
	}
	for _, a := range outcome.RecoveryLog {
		if a.Action != ActionRetry {
			t.Fatalf("attempt action = %s, want RETRY", a.Action)
		}
	}
	if !outcome.RecoveryLog[1].Success {
		t.Fatal("final retry attempt should be marked successful")
	}
}

func TestExecutorExhaustsRetriesThenAborts(t *testing.T) {
	tools := &flakyTools{failures: map[string]int{"net.op": 100}, code: "TIMEOUT"}
	ex := New(fixedPlanner{plan: singleStepPlan("net.op")}, tools,
		NewReplanner(Bounds{MaxRetries: 2, MaxAlternatives: 0}, nil), 4, nil)

	outcome, pe, err := ex.Run(context.Background(), "go", nil, toolruntime.ToolContext{})
	if err != nil {
		t.Fatal(err)
	}
	if pe != nil {
		t.Fatalf("unexpected suspension: %+v", pe)
	}
	if outcome.Success {
		t.Fatal("expected failure once retries are exhausted")
	}
	if _, ok := outcome.Errors["s1"]; !ok {
		t.Fatalf("expected an error recorded for s1, got %+v", outcome.Errors)
	}
	if tools.calls["net.op"] != 3 {
		t.Fatalf("tool invoked %d times, want 3 (initial + maxRetries)", tools.calls["net.op"])
	}
	if len(outcome.RecoveryLog) != 3 {
		t.Fatalf("recovery log has %d attempts, want 3 (2 retries + abort)", len(outcome.RecoveryLog))
	}
	if outcome.RecoveryLog[2].Action != ActionAbort {
		t.Fatalf("final action = %s, want ABORT", outcome.RecoveryLog[2].Action)
	}
}

func TestExecutorFallsBackToAlternativeAfterRetries(t *testing.T) {
	tools := &flakyTools{failures: map[string]int{"net.op": 100}, code: "TIMEOUT"}
	alts := TableAlternativeSelector{"net.op": {"net.alt"}}
	ex := New(fixedPlanner{plan: singleStepPlan("net.op")}, tools,
		NewReplanner(Bounds{MaxRetries: 1, MaxAlternatives: 2}, alts), 4, nil)

	outcome, pe, err := ex.Run(context.Background(), "go", nil, toolruntime.ToolContext{})
	if err != nil {
		t.Fatal(err)
	}
	if pe != nil {
		t.Fatalf("unexpected suspension: %+v", pe)
	}
	if !outcome.Success {
		t.Fatalf("expected the alternative tool to rescue the step, got %+v", outcome)
	}
	if tools.calls["net.alt"] != 1 {
		t.Fatalf("alternative invoked %d times, want 1", tools.calls["net.alt"])
	}
	if len(outcome.RecoveryLog) != 2 {
		t.Fatalf("recovery log has %d attempts, want 2 (retry then alternative)", len(outcome.RecoveryLog))
	}
	if outcome.RecoveryLog[0].Action != ActionRetry || outcome.RecoveryLog[1].Action != ActionAlternative {
		t.Fatalf("attempt actions = %s,%s, want RETRY,ALTERNATIVE",
			outcome.RecoveryLog[0].Action, outcome.RecoveryLog[1].Action)
	}
	if outcome.RecoveryLog[1].AlternativeToolID != "net.alt" {
		t.Fatalf("alternative tool = %q, want net.alt", outcome.RecoveryLog[1].AlternativeToolID)
	}
}

func TestExecutorSuspendsOnApproval(t *testing.T) {
	rt := toolruntime.New(nil)
	rt.Register(&toolruntime.ToolSpec{ID: "os.exec", RequiresApproval: true, Run: func(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
		return toolruntime.ToolResult{OK: true, Data: "ran"}, nil
	}})
	ex := New(FallbackPlanner{}, rt, NewReplanner(Bounds{MaxRetries: 3, MaxAlternatives: 2}, nil), 4, nil)

	outcome, pe, err := ex.Run(context.Background(), "shell: echo hi", nil, toolruntime.ToolContext{})
	if err != nil {
		t.Fatal(err)
	}
	if pe == nil || outcome.AwaitingID == "" {
		t.Fatalf("expected suspension awaiting approval, got %+v", outcome)
	}

	result, ok := rt.Resolve(outcome.AwaitingID, true)
	if !ok {
		t.Fatal("expected pending invocation to resolve")
	}
	final, pe2, err := ex.Resume(context.Background(), pe, pe.AwaitingStep, result)
	if err != nil {
		t.Fatal(err)
	}
	if pe2 != nil {
		t.Fatalf("expected plan to complete after approval, got %+v", pe2)
	}
	if !final.Success {
		t.Fatalf("expected success after approval, got %+v", final)
	}
}

func TestExecutorAbortsOnDeniedApproval(t *testing.T) {
	rt := toolruntime.New(nil)
	rt.Register(&toolruntime.ToolSpec{ID: "os.exec", RequiresApproval: true, Run: func(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
		return toolruntime.ToolResult{OK: true, Data: "ran"}, nil
	}})
	ex := New(FallbackPlanner{}, rt, NewReplanner(Bounds{MaxRetries: 3, MaxAlternatives: 2}, nil), 4, nil)

	outcome, pe, _ := ex.Run(context.Background(), "shell: echo hi", nil, toolruntime.ToolContext{})
	result, _ := rt.Resolve(outcome.AwaitingID, false)
	final, pe2, err := ex.Resume(context.Background(), pe, pe.AwaitingStep, result)
	if err != nil {
		t.Fatal(err)
	}
	if pe2 != nil {
		t.Fatalf("expected completion (with error recorded), got suspension %+v", pe2)
	}
	if final.Success {
		t.Fatal("expected failure after denial")
	}
	if len(final.Errors) == 0 {
		t.Fatal("expected an error recorded for the denied step")
	}
}
