// Package toolruntime validates tool inputs against their declared schema,
// dispatches to a ToolSpec's run function, and emits the approval signals
// the Executor and TaskOrchestrator coordinate around.
package toolruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/clawinfra/moonbot-gateway/internal/types"
)

// ToolContext carries per-invocation identity and policy to a tool's run
// function.
type ToolContext struct {
	Context       context.Context
	SessionID     string
	UserID        string
	AgentID       string
	WorkspaceRoot string
	Policy        Policy
}

// Policy bounds what a tool invocation is permitted to touch.
type Policy struct {
	Allowlist []string
	Denylist  []string
	MaxBytes  int64
	Timeout   time.Duration
}

// ToolResultError is the {code,message,details} error shape of a ToolResult.
type ToolResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ToolResultMeta carries execution bookkeeping alongside a ToolResult.
type ToolResultMeta struct {
	DurationMs int64    `json:"durationMs"`
	Artifacts  []string `json:"artifacts,omitempty"`
	Truncated  bool     `json:"truncated,omitempty"`
}

// ToolResult is the outcome of a single tool invocation.
type ToolResult struct {
	OK              bool             `json:"ok"`
	Data            any              `json:"data,omitempty"`
	Error           *ToolResultError `json:"error,omitempty"`
	Meta            ToolResultMeta   `json:"meta"`
	AwaitingApproval bool            `json:"awaitingApproval,omitempty"`
	InvocationID     string          `json:"invocationId,omitempty"`
}

// ToolSpec is the registered contract for a single tool. Tool
// implementations (filesystem, HTTP, command execution, browser
// automation) are external collaborators; only this contract and the
// signals they must emit are owned here.
type ToolSpec struct {
	ID               string
	Description      string
	Schema           *jsonschema.Schema
	RequiresApproval bool
	Run              func(ctx ToolContext, input map[string]any) (ToolResult, error)
}

// pendingInvocation tracks a tool call suspended awaiting approval.
type pendingInvocation struct {
	toolID string
	input  map[string]any
	ctx    ToolContext
}

// Runtime is the registry and dispatcher described by ToolSpec.
type Runtime struct {
	logger *slog.Logger

	mu    sync.Mutex
	specs map[string]*ToolSpec

	pendingMu sync.Mutex
	pending   map[string]*pendingInvocation

	subsMu sync.Mutex
	subs   map[string][]func(event string, payload any)
}

// New builds an empty Runtime.
func New(logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		logger:  logger.With("component", "toolruntime"),
		specs:   make(map[string]*ToolSpec),
		pending: make(map[string]*pendingInvocation),
		subs:    make(map[string][]func(event string, payload any)),
	}
}

// Register adds or replaces a ToolSpec in the registry.
func (r *Runtime) Register(spec *ToolSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.ID] = spec
}

// Lookup returns the ToolSpec for id, if registered.
func (r *Runtime) Lookup(id string) (*ToolSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.specs[id]
	return s, ok
}

// On subscribes to a named runtime event ("approvalRequested",
// "approvalResolved", "approvalCancelled"). This is the minimal event bus
// described for ToolRuntime: subscribers register by event name.
func (r *Runtime) On(event string, fn func(event string, payload any)) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.subs[event] = append(r.subs[event], fn)
}

func (r *Runtime) emit(event string, payload any) {
	r.subsMu.Lock()
	fns := append([]func(string, any){}, r.subs[event]...)
	r.subsMu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("subscriber panicked", "event", event, "recover", rec)
				}
			}()
			fn(event, payload)
		}()
	}
}

// Invoke validates input against the tool's schema and either runs it
// immediately or, for an approval-gated tool, emits approvalRequested and
// returns without running it.
func (r *Runtime) Invoke(ctx ToolContext, toolID string, input map[string]any) ToolResult {
	spec, ok := r.Lookup(toolID)
	if !ok {
		return ToolResult{OK: false, Error: &ToolResultError{Code: types.ErrToolNotFound, Message: "tool not registered: " + toolID}}
	}

	if spec.Schema != nil {
		if err := spec.Schema.Validate(input); err != nil {
			return ToolResult{OK: false, Error: &ToolResultError{Code: types.ErrInvalidInput, Message: err.Error()}}
		}
	}

	if spec.RequiresApproval {
		return r.RequestApproval(ctx, toolID, input)
	}

	return r.run(spec, ctx, input)
}

// ApprovalRequest is the payload of the approvalRequested runtime event.
type ApprovalRequest struct {
	RequestID string         `json:"requestId"`
	SessionID string         `json:"sessionId"`
	ToolID    string         `json:"toolId"`
	Input     map[string]any `json:"input"`
}

// RequestApproval defers an invocation behind an out-of-band approval:
// it records the pending invocation, emits approvalRequested, and
// returns without running the tool. Resolve later either runs it or
// short-circuits with APPROVAL_DENIED. Invoke routes approval-gated
// tools here; the Executor also calls it directly when the Replanner
// decides a failed step needs an approval.
func (r *Runtime) RequestApproval(ctx ToolContext, toolID string, input map[string]any) ToolResult {
	requestID := uuid.NewString()
	inv := &pendingInvocation{toolID: toolID, input: input, ctx: ctx}
	r.pendingMu.Lock()
	r.pending[requestID] = inv
	r.pendingMu.Unlock()

	r.emit("approvalRequested", ApprovalRequest{
		RequestID: requestID,
		SessionID: ctx.SessionID,
		ToolID:    toolID,
		Input:     input,
	})
	return ToolResult{AwaitingApproval: true, InvocationID: requestID}
}

// Resolve is called once the approval for requestID has been decided. It
// either runs the deferred tool or short-circuits with APPROVAL_DENIED,
// returning the outcome to the caller.
func (r *Runtime) Resolve(requestID string, approved bool) (ToolResult, bool) {
	r.pendingMu.Lock()
	inv, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.pendingMu.Unlock()
	if !ok {
		return ToolResult{}, false
	}

	r.emit("approvalResolved", map[string]any{"requestId": requestID, "approved": approved})

	if !approved {
		return ToolResult{OK: false, Error: &ToolResultError{Code: types.ErrApprovalDenied, Message: "approval denied"}}, true
	}
	spec, ok := r.Lookup(inv.toolID)
	if !ok {
		return ToolResult{OK: false, Error: &ToolResultError{Code: types.ErrToolNotFound, Message: "tool not registered: " + inv.toolID}}, true
	}
	return r.run(spec, inv.ctx, inv.input), true
}

// Cancel drops a pending invocation without running it and emits
// approvalCancelled; it produces no result. Used on task abort.
func (r *Runtime) Cancel(requestID string) {
	r.pendingMu.Lock()
	_, ok := r.pending[requestID]
	delete(r.pending, requestID)
	r.pendingMu.Unlock()
	if ok {
		r.emit("approvalCancelled", requestID)
	}
}

func (r *Runtime) run(spec *ToolSpec, ctx ToolContext, input map[string]any) ToolResult {
	start := time.Now()
	res, err := spec.Run(ctx, input)
	res.Meta.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		return ToolResult{
			OK:   false,
			Error: &ToolResultError{Code: types.ErrExecutionError, Message: err.Error()},
			Meta: res.Meta,
		}
	}
	return res
}

// SpecFromSchemaString compiles a raw JSON-Schema document (as loaded from
// a tool's TOML definition) into a *jsonschema.Schema.
func SpecFromSchemaString(id string, schemaJSON map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("toolruntime: marshal schema for %s: %w", id, err)
	}
	c := jsonschema.NewCompiler()
	res, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("toolruntime: unmarshal schema for %s: %w", id, err)
	}
	if err := c.AddResource(id+".schema.json", res); err != nil {
		return nil, fmt.Errorf("toolruntime: add schema resource for %s: %w", id, err)
	}
	return c.Compile(id + ".schema.json")
}
