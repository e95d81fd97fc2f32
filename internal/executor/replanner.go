package executor

import "time"

// FailureKind classifies a step failure for the Replanner.
type FailureKind string

const (
	FailureTimeout        FailureKind = "TIMEOUT"
	FailureNetwork        FailureKind = "NETWORK"
	FailurePermission     FailureKind = "PERMISSION_DENIED"
	FailureInvalidInput   FailureKind = "INVALID_INPUT"
	FailureToolNotFound   FailureKind = "TOOL_NOT_FOUND"
	FailureNonRecoverable FailureKind = "UNKNOWN_NONRECOVERABLE"
)

// RecoveryAction is the decision the Replanner hands back to the Executor.
type RecoveryAction string

const (
	ActionRetry           RecoveryAction = "RETRY"
	ActionAlternative     RecoveryAction = "ALTERNATIVE"
	ActionRequestApproval RecoveryAction = "REQUEST_APPROVAL"
	ActionAbort           RecoveryAction = "ABORT"
)

// RecoveryAttempt is one record of an attempted recovery for a step,
// accumulated by the Executor and consulted by the Replanner to compare
// against bounds.
type RecoveryAttempt struct {
	StepID           string
	Action           RecoveryAction
	ToolID           string
	AlternativeToolID string
	Success          bool
	DurationMs       int64
	Timestamp        time.Time
}

// Bounds configures the per-step and whole-task recovery limits.
type Bounds struct {
	MaxRetries      int
	MaxAlternatives int
	WallClockBudget time.Duration
}

// AlternativeSelector picks the next unused alternative tool for a failed
// toolId, in priority order. It returns ok=false when none remain.
type AlternativeSelector interface {
	NextAlternative(toolID string, tried map[string]bool) (alt string, ok bool)
}

// TableAlternativeSelector is a static per-toolId priority list of
// alternative tool ids, configured by the operator.
type TableAlternativeSelector map[string][]string

func (t TableAlternativeSelector) NextAlternative(toolID string, tried map[string]bool) (string, bool) {
	for _, alt := range t[toolID] {
		if !tried[alt] {
			return alt, true
		}
	}
	return "", false
}

// classify maps a raw failure code (as carried on a ToolResult error) to a
// FailureKind, per the recovery classification table.
func classify(code string) FailureKind {
	switch code {
	case "TIMEOUT":
		return FailureTimeout
	case "NETWORK", "TRANSIENT", "ECONNRESET":
		return FailureNetwork
	case "PERMISSION_DENIED":
		return FailurePermission
	case "INVALID_INPUT":
		return FailureInvalidInput
	case "TOOL_NOT_FOUND":
		return FailureToolNotFound
	default:
		return FailureNonRecoverable
	}
}

// Replanner classifies a step failure and, consulting the attempt history
// for that step, decides the recovery action.
type Replanner struct {
	Bounds      Bounds
	Alternatives AlternativeSelector
}

// NewReplanner builds a Replanner with the given bounds and alternative
// table; a nil selector means no alternatives are ever offered.
func NewReplanner(bounds Bounds, alts AlternativeSelector) *Replanner {
	return &Replanner{Bounds: bounds, Alternatives: alts}
}

// Decide returns the recovery action for a step given its failure code,
// the attempts already made on that step, and elapsed wall-clock time
// since the task began.
func (r *Replanner) Decide(stepID, toolID, failureCode string, history []RecoveryAttempt, elapsed time.Duration) (RecoveryAction, string) {
	kind := classify(failureCode)

	if r.Bounds.WallClockBudget > 0 && elapsed >= r.Bounds.WallClockBudget {
		return ActionAbort, ""
	}

	stepHistory := filterStep(history, stepID)
	retries := countAction(stepHistory, ActionRetry)
	alternativesUsed := countAction(stepHistory, ActionAlternative)
	approvalsUsed := countAction(stepHistory, ActionRequestApproval)

	switch kind {
	case FailureTimeout, FailureNetwork:
		if retries < r.Bounds.MaxRetries {
			return ActionRetry, ""
		}
		if alt, ok := r.nextAlternative(toolID, stepHistory); ok && alternativesUsed < r.Bounds.MaxAlternatives {
			return ActionAlternative, alt
		}
		return ActionAbort, ""
	case FailurePermission:
		if approvalsUsed < 1 {
			return ActionRequestApproval, ""
		}
		return ActionAbort, ""
	case FailureToolNotFound:
		if alt, ok := r.nextAlternative(toolID, stepHistory); ok && alternativesUsed < r.Bounds.MaxAlternatives {
			return ActionAlternative, alt
		}
		return ActionAbort, ""
	case FailureInvalidInput, FailureNonRecoverable:
		return ActionAbort, ""
	default:
		return ActionAbort, ""
	}
}

func (r *Replanner) nextAlternative(toolID string, history []RecoveryAttempt) (string, bool) {
	if r.Alternatives == nil {
		return "", false
	}
	tried := map[string]bool{toolID: true}
	for _, a := range history {
		if a.AlternativeToolID != "" {
			tried[a.AlternativeToolID] = true
		}
	}
	return r.Alternatives.NextAlternative(toolID, tried)
}

func filterStep(history []RecoveryAttempt, stepID string) []RecoveryAttempt {
	var out []RecoveryAttempt
	for _, a := range history {
		if a.StepID == stepID {
			out = append(out, a)
		}
	}
	return out
}

func countAction(history []RecoveryAttempt, action RecoveryAction) int {
	n := 0
	for _, a := range history {
		if a.Action == action {
			n++
		}
	}
	return n
}
