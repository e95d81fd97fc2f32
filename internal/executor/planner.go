package executor

import (
	"context"
	"strings"
)

// ChatTurn is one entry of session history passed to a Planner.
type ChatTurn struct {
	Role string
	Text string
}

// Planner turns a user message into a Plan. An LLM-backed implementation
// is an external collaborator wired in at startup; FallbackPlanner below
// is the deterministic keyword-matching planner used when none is
// configured.
type Planner interface {
	Plan(ctx context.Context, message string, history []ChatTurn) (Plan, error)
}

// FallbackPlanner is a total deterministic planner: every routable intent
// maps to a tool step, and anything unmatched falls through to a bare
// respond step, so tests never depend on an LLM backend being available.
type FallbackPlanner struct{}

// keywordRoute maps a substring trigger to a tool id and whether it needs
// an input field named "path"/"url"/"command" populated from the message.
type keywordRoute struct {
	keywords []string
	toolID   string
	field    string
}

var routes = []keywordRoute{
	{keywords: []string{"read file", "cat ", "show file"}, toolID: "fs.read", field: "path"},
	{keywords: []string{"write file", "save file", "create file"}, toolID: "fs.write", field: "path"},
	{keywords: []string{"list files", "ls "}, toolID: "fs.list", field: "path"},
	{keywords: []string{"delete file", "remove file", "rm "}, toolID: "fs.delete", field: "path"},
	{keywords: []string{"fetch ", "download ", "http get", "curl "}, toolID: "http.fetch", field: "url"},
	{keywords: []string{"run command", "execute command", "shell:"}, toolID: "os.exec", field: "command"},
}

// Plan implements Planner. It matches the first route whose keyword
// appears in the (lowercased) message and produces a single tool step
// plus a terminal respond step; with no match it produces only the
// respond step.
func (FallbackPlanner) Plan(_ context.Context, message string, _ []ChatTurn) (Plan, error) {
	lower := strings.ToLower(message)

	var steps []Step
	for _, r := range routes {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				steps = append(steps, Step{
					ID:          "step-1",
					Description: "invoke " + r.toolID,
					ToolID:      r.toolID,
					Input:       map[string]any{r.field: strings.TrimSpace(message)},
				})
				break
			}
		}
		if len(steps) > 0 {
			break
		}
	}

	respond := Step{
		ID:          "respond",
		Description: "compose final reply",
	}
	if len(steps) > 0 {
		respond.DependsOn = []string{steps[0].ID}
	}
	steps = append(steps, respond)

	return Plan{Steps: steps, EstimatedDurationMs: 1000}, nil
}
