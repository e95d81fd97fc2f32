// Package orchestrator implements the task lifecycle state machine,
// per-channel FIFO scheduling, and the approval pause/resume protocol.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/moonbot-gateway/internal/types"
)

// legalTransitions encodes the state machine of spec.md 4.4. A transition
// not present here is rejected by transition() rather than silently
// applied.
var legalTransitions = map[types.TaskState]map[types.TaskState]bool{
	types.TaskPending: {types.TaskRunning: true, types.TaskAborted: true},
	types.TaskRunning: {types.TaskDone: true, types.TaskFailed: true, types.TaskPaused: true, types.TaskAborted: true},
	types.TaskPaused:  {types.TaskRunning: true, types.TaskAborted: true},
}

// Runner drives a single task's plan to completion. It is the
// Orchestrator's view of the Executor, narrowed for testability.
type Runner interface {
	// Run executes task.Message to completion (or suspension on an
	// approval) and reports the outcome on resultCh, once per suspension
	// plus once for the terminal result, unless ctx is cancelled first.
	// sessionID is the orchestrator-issued id tool invocations trace back
	// through.
	Run(ctx context.Context, task *types.Task, sessionID string, resultCh chan<- RunOutcome)
}

// RunOutcome is what a Runner reports back to the Orchestrator.
type RunOutcome struct {
	Success bool
	Message string
	Err     *types.TaskError
	// Awaiting is set when the run suspended on an approval request
	// rather than finishing; RequestID names the pending approval and
	// ToolID/Input describe the gated invocation.
	Awaiting  bool
	RequestID string
	ToolID    string
	Input     any
}

// PendingApproval is the single outstanding approval record for a paused
// task.
type PendingApproval struct {
	RequestID   string
	TaskID      string
	ChannelID   string
	ToolID      string
	RequestedAt time.Time
}

// sessionMapping pairs a sessionId with the task id it traces back to, and
// the time it was created for TTL expiry.
type sessionMapping struct {
	taskID    string
	createdAt time.Time
}

// Config bounds the Orchestrator's timers and queue sizes.
type Config struct {
	MaxQueueSize      int
	TaskTimeout       time.Duration
	ApprovalTTL       time.Duration
	SessionMappingTTL time.Duration
	CleanupHorizon    time.Duration
}

// DefaultConfig matches the wire-protocol defaults in spec.md section 6.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:      100,
		TaskTimeout:       10 * time.Minute,
		ApprovalTTL:       time.Hour,
		SessionMappingTTL: time.Hour,
		CleanupHorizon:    time.Hour,
	}
}

// Orchestrator is the TaskOrchestrator described in spec.md section 4.4:
// task lifecycle state machine, per-channel FIFO scheduling, timeout
// management, approval pause/resume, and response fan-out.
type Orchestrator struct {
	cfg    Config
	runner Runner
	logger *slog.Logger

	queue *PerChannelQueue

	mu               sync.Mutex
	tasks            map[string]*types.Task
	channelOf        map[string]string // taskID -> channelID
	timers           map[string]*time.Timer
	cancels          map[string]context.CancelFunc
	approvals        map[string]*PendingApproval // requestID -> approval
	approvalByTask   map[string]string           // taskID -> requestID
	sessionMap       map[string]*sessionMapping  // sessionID -> mapping
	resumeCh         map[string]chan approvalDecision
	aborts           map[string]chan struct{} // taskID -> closed on abort
	grantedOnce      map[string]bool

	subMu             sync.Mutex
	responseSubs      map[int]func(types.ChatResponse)
	stateSubs         map[int]func(types.StateChange)
	approvalReqSubs   map[int]func(types.ApprovalRequested)
	approvalResSubs   map[int]func(types.ApprovalResolved)
	nextSubID         int

	stopCh chan struct{}
	doneCh chan struct{}
}

type approvalDecision struct {
	approved bool
}

// New builds an Orchestrator. runner is typically an *executor.Executor
// adapter; see gateway wiring for the concrete implementation.
func New(cfg Config, runner Runner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	return &Orchestrator{
		cfg:             cfg,
		runner:          runner,
		logger:          logger.With("component", "orchestrator"),
		queue:           NewPerChannelQueue(cfg.MaxQueueSize),
		tasks:           make(map[string]*types.Task),
		channelOf:       make(map[string]string),
		timers:          make(map[string]*time.Timer),
		cancels:         make(map[string]context.CancelFunc),
		approvals:       make(map[string]*PendingApproval),
		approvalByTask:  make(map[string]string),
		sessionMap:      make(map[string]*sessionMapping),
		resumeCh:        make(map[string]chan approvalDecision),
		aborts:          make(map[string]chan struct{}),
		grantedOnce:     make(map[string]bool),
		responseSubs:    make(map[int]func(types.ChatResponse)),
		stateSubs:       make(map[int]func(types.StateChange)),
		approvalReqSubs: make(map[int]func(types.ApprovalRequested)),
		approvalResSubs: make(map[int]func(types.ApprovalResolved)),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Unsubscribe is returned by every On* subscription method.
type Unsubscribe func()

// OnResponse registers fn to be called on every chat.response notification.
func (o *Orchestrator) OnResponse(fn func(types.ChatResponse)) Unsubscribe {
	o.subMu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.responseSubs[id] = fn
	o.subMu.Unlock()
	return func() {
		o.subMu.Lock()
		delete(o.responseSubs, id)
		o.subMu.Unlock()
	}
}

// OnTaskState registers fn to be called on every state transition.
func (o *Orchestrator) OnTaskState(fn func(types.StateChange)) Unsubscribe {
	o.subMu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.stateSubs[id] = fn
	o.subMu.Unlock()
	return func() {
		o.subMu.Lock()
		delete(o.stateSubs, id)
		o.subMu.Unlock()
	}
}

// OnApprovalRequest registers fn to be called whenever a task pauses for
// approval.
func (o *Orchestrator) OnApprovalRequest(fn func(types.ApprovalRequested)) Unsubscribe {
	o.subMu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.approvalReqSubs[id] = fn
	o.subMu.Unlock()
	return func() {
		o.subMu.Lock()
		delete(o.approvalReqSubs, id)
		o.subMu.Unlock()
	}
}

// OnApprovalResolved registers fn to be called once an approval has been
// granted or denied.
func (o *Orchestrator) OnApprovalResolved(fn func(types.ApprovalResolved)) Unsubscribe {
	o.subMu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.approvalResSubs[id] = fn
	o.subMu.Unlock()
	return func() {
		o.subMu.Lock()
		delete(o.approvalResSubs, id)
		o.subMu.Unlock()
	}
}

func (o *Orchestrator) publishResponse(r types.ChatResponse) {
	o.subMu.Lock()
	fns := make([]func(types.ChatResponse), 0, len(o.responseSubs))
	for _, fn := range o.responseSubs {
		fns = append(fns, fn)
	}
	o.subMu.Unlock()
	for _, fn := range fns {
		o.isolate(func() { fn(r) })
	}
}

func (o *Orchestrator) publishState(s types.StateChange) {
	o.subMu.Lock()
	fns := make([]func(types.StateChange), 0, len(o.stateSubs))
	for _, fn := range o.stateSubs {
		fns = append(fns, fn)
	}
	o.subMu.Unlock()
	for _, fn := range fns {
		o.isolate(func() { fn(s) })
	}
}

func (o *Orchestrator) publishApprovalRequest(a types.ApprovalRequested) {
	o.subMu.Lock()
	fns := make([]func(types.ApprovalRequested), 0, len(o.approvalReqSubs))
	for _, fn := range o.approvalReqSubs {
		fns = append(fns, fn)
	}
	o.subMu.Unlock()
	for _, fn := range fns {
		o.isolate(func() { fn(a) })
	}
}

func (o *Orchestrator) publishApprovalResolved(a types.ApprovalResolved) {
	o.subMu.Lock()
	fns := make([]func(types.ApprovalResolved), 0, len(o.approvalResSubs))
	for _, fn := range o.approvalResSubs {
		fns = append(fns, fn)
	}
	o.subMu.Unlock()
	for _, fn := range fns {
		o.isolate(func() { fn(a) })
	}
}

// isolate runs fn, recovering a panic so one misbehaving subscriber never
// corrupts orchestrator state or takes down the process.
func (o *Orchestrator) isolate(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("subscriber callback panicked", "recover", r)
		}
	}()
	fn()
}

// CreateTask enqueues a new task for msg.ChannelID. When the channel's
// queue is already at capacity the task transitions straight to ABORTED
// and the refusal is returned alongside it rather than raised into the
// caller.
func (o *Orchestrator) CreateTask(msg types.ChatMessage) (*types.Task, *types.TaskError) {
	now := time.Now()
	task := &types.Task{
		ID:               uuid.NewString(),
		ChannelSessionID: msg.ChannelID,
		Message:          msg,
		State:            types.TaskPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	o.mu.Lock()
	o.tasks[task.ID] = task
	o.channelOf[task.ID] = msg.ChannelID
	o.mu.Unlock()

	if !o.queue.Enqueue(msg.ChannelID, task.ID) {
		refusal := types.NewTaskError(types.ErrQueueFull, "channel queue is full", nil)
		o.transition(task, types.TaskAborted, refusal)
		o.publishResponse(types.ChatResponse{
			TaskID: task.ID, ChannelID: msg.ChannelID, Status: types.StatusFailed,
			Text: "queue full",
		})
		return task, refusal
	}

	o.publishResponse(types.ChatResponse{TaskID: task.ID, ChannelID: msg.ChannelID, Status: types.StatusQueued})
	o.maybeStartChannel(msg.ChannelID)
	return task, nil
}

// maybeStartChannel begins processing the head of channel's queue if the
// channel is not already carrying a task.
func (o *Orchestrator) maybeStartChannel(channel string) {
	if o.queue.IsProcessing(channel) {
		return
	}
	taskID, ok := o.queue.Front(channel)
	if !ok {
		return
	}
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	o.mu.Unlock()
	if !ok || task.State != types.TaskPending {
		return
	}
	o.queue.MarkProcessing(channel)
	go o.executeTask(task)
}

// transition applies a state change if legal, recording it and
// publishing it; it reports whether the transition was applied.
func (o *Orchestrator) transition(task *types.Task, next types.TaskState, err *types.TaskError) bool {
	o.mu.Lock()
	prev := task.State
	if prev.Terminal() {
		o.mu.Unlock()
		return false
	}
	if !legalTransitions[prev][next] {
		o.mu.Unlock()
		return false
	}
	task.State = next
	task.UpdatedAt = time.Now()
	if err != nil {
		task.Err = err
	}
	channel := task.ChannelSessionID
	o.mu.Unlock()

	o.publishState(types.StateChange{
		TaskID: task.ID, ChannelID: channel, PreviousState: prev, NewState: next, Timestamp: task.UpdatedAt,
	})
	return true
}

// executeTask runs the lifecycle described in spec.md 4.4 for one task:
// arm a timeout, establish the session mapping, invoke the Runner, and
// regardless of outcome clear state and advance the channel.
func (o *Orchestrator) executeTask(task *types.Task) {
	// Register the abort hook before the RUNNING transition so an Abort
	// arriving at any point after the transition finds a channel to
	// close.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	abortCh := make(chan struct{})
	o.mu.Lock()
	o.cancels[task.ID] = cancel
	o.aborts[task.ID] = abortCh
	o.mu.Unlock()

	if !o.transition(task, types.TaskRunning, nil) {
		// Aborted between scheduling and start; Abort already removed the
		// task from the queue, so only release the processing marker.
		o.mu.Lock()
		delete(o.cancels, task.ID)
		delete(o.aborts, task.ID)
		o.mu.Unlock()
		o.queue.UnmarkProcessing(task.ChannelSessionID)
		o.maybeStartChannel(task.ChannelSessionID)
		return
	}

	sessionID := uuid.NewString()
	o.mu.Lock()
	o.sessionMap[sessionID] = &sessionMapping{taskID: task.ID, createdAt: time.Now()}
	o.mu.Unlock()

	timedOut := make(chan struct{})
	timer := time.AfterFunc(o.cfg.TaskTimeout, func() { close(timedOut) })
	o.mu.Lock()
	o.timers[task.ID] = timer
	o.mu.Unlock()

	resultCh := make(chan RunOutcome, 1)
	go o.runner.Run(ctx, task, sessionID, resultCh)

	o.awaitOutcome(task, sessionID, resultCh, timedOut, abortCh)
}

// awaitOutcome blocks on the Runner's first report: either a suspension on
// an approval (loop back after resolution), a terminal outcome, the task
// timeout, or an abort. It is the single owner of post-run cleanup and
// channel advancement for this task.
func (o *Orchestrator) awaitOutcome(task *types.Task, sessionID string, resultCh chan RunOutcome, timedOut, aborted <-chan struct{}) {
	for {
		select {
		case out := <-resultCh:
			if out.Awaiting {
				resume := o.pause(task, out)
				decision, ok := <-resume
				if !ok {
					// Closed by Abort (which already transitioned the
					// task), by Sweep on approval expiry, or by Shutdown;
					// the latter two abort the task here.
					if o.transition(task, types.TaskAborted, types.NewTaskError(types.ErrAborted, "approval was cancelled", nil)) {
						o.publishResponse(types.ChatResponse{TaskID: task.ID, ChannelID: task.ChannelSessionID, Status: types.StatusFailed})
					}
					o.cleanupTask(task, sessionID)
					return
				}
				if !decision.approved {
					// Deny path already transitioned the task in grant();
					// nothing more to run.
					o.cleanupTask(task, sessionID)
					return
				}
				// Approved: the same Runner goroutine resumes inside the
				// tool invocation it suspended on, so just keep waiting
				// on the same channel for its next report.
				continue
			}
			o.finish(task, out)
			o.cleanupTask(task, sessionID)
			return
		case <-timedOut:
			o.finish(task, RunOutcome{Success: false, Err: types.NewTaskError(types.ErrTimeout, "task timed out", nil)})
			o.cleanupTask(task, sessionID)
			return
		case <-aborted:
			// Closed by Abort, which already transitioned the task and
			// published, or by Shutdown, which leaves the task state as is.
			o.cleanupTask(task, sessionID)
			return
		}
	}
}

// pause transitions a RUNNING task to PAUSED and records the pending
// approval, per spec.md 4.4's pause/resume protocol. It returns the
// resume channel the caller must block on; Grant and Abort deliver the
// decision (or close) through the same channel via the resumeCh map.
func (o *Orchestrator) pause(task *types.Task, out RunOutcome) chan approvalDecision {
	o.mu.Lock()
	resumeCh := make(chan approvalDecision, 1)
	o.resumeCh[task.ID] = resumeCh
	pa := &PendingApproval{
		RequestID: out.RequestID, TaskID: task.ID, ChannelID: task.ChannelSessionID,
		ToolID: out.ToolID, RequestedAt: time.Now(),
	}
	o.approvals[out.RequestID] = pa
	o.approvalByTask[task.ID] = out.RequestID
	o.mu.Unlock()

	o.transition(task, types.TaskPaused, nil)
	o.publishApprovalRequest(types.ApprovalRequested{
		TaskID: task.ID, ChannelID: task.ChannelSessionID,
		ToolID: out.ToolID, Input: out.Input, RequestID: out.RequestID,
	})
	o.publishResponse(types.ChatResponse{TaskID: task.ID, ChannelID: task.ChannelSessionID, Status: types.StatusPending})
	return resumeCh
}

// Grant resolves a paused task's pending approval. It is the externally
// callable form behind the approval.grant RPC and is effective exactly
// once per taskID.
func (o *Orchestrator) Grant(taskID string, approved bool) bool {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok || task.State != types.TaskPaused {
		o.mu.Unlock()
		return false
	}
	requestID, ok := o.approvalByTask[taskID]
	if !ok {
		o.mu.Unlock()
		return false
	}
	if o.grantedOnce[requestID] {
		o.mu.Unlock()
		return false
	}
	o.grantedOnce[requestID] = true
	delete(o.approvals, requestID)
	delete(o.approvalByTask, taskID)
	resumeCh := o.resumeCh[taskID]
	// Take the channel out of the map so a concurrent Abort cannot close
	// it between here and the send below.
	delete(o.resumeCh, taskID)
	o.mu.Unlock()

	o.publishApprovalResolved(types.ApprovalResolved{
		TaskID: taskID, ChannelID: task.ChannelSessionID, Approved: approved, RequestID: requestID,
	})

	if approved {
		o.transition(task, types.TaskRunning, nil)
		if resumeCh != nil {
			resumeCh <- approvalDecision{approved: true}
		}
		return true
	}

	o.transition(task, types.TaskAborted, types.NewTaskError(types.ErrApprovalDenied, "approval was denied", nil))
	o.publishResponse(types.ChatResponse{TaskID: taskID, ChannelID: task.ChannelSessionID, Status: types.StatusFailed})
	if resumeCh != nil {
		// awaitOutcome owns post-decision cleanup (timer, session
		// mapping, queue); it runs cleanupTask once it observes this
		// decision.
		resumeCh <- approvalDecision{approved: false}
	}
	return true
}

// finish transitions a running task to its terminal DONE/FAILED state and
// publishes the completion response. A task already driven terminal by a
// concurrent abort publishes nothing here.
func (o *Orchestrator) finish(task *types.Task, out RunOutcome) {
	if out.Success {
		if !o.transition(task, types.TaskDone, nil) {
			return
		}
		o.mu.Lock()
		task.Result = out.Message
		o.mu.Unlock()
		o.publishResponse(types.ChatResponse{
			TaskID: task.ID, ChannelID: task.ChannelSessionID, Status: types.StatusCompleted, Text: out.Message,
		})
		return
	}
	errOut := out.Err
	if errOut == nil {
		errOut = types.NewTaskError(types.ErrExecutionError, "execution failed", nil)
	}
	if !o.transition(task, types.TaskFailed, errOut) {
		return
	}
	o.publishResponse(types.ChatResponse{
		TaskID: task.ID, ChannelID: task.ChannelSessionID, Status: types.StatusFailed, Text: errOut.UserMessage,
	})
}

// cleanupTask clears the timer, session mapping, and queue slot for a
// terminated task and drives the channel to the next one.
func (o *Orchestrator) cleanupTask(task *types.Task, sessionID string) {
	o.mu.Lock()
	if t := o.timers[task.ID]; t != nil {
		t.Stop()
		delete(o.timers, task.ID)
	}
	delete(o.sessionMap, sessionID)
	delete(o.resumeCh, task.ID)
	delete(o.aborts, task.ID)
	delete(o.cancels, task.ID)
	o.mu.Unlock()
	o.finishChannel(task)
}

// finishChannel dequeues the task, clears the processing marker, and
// attempts to start the channel's next task.
func (o *Orchestrator) finishChannel(task *types.Task) {
	channel := task.ChannelSessionID
	o.queue.Dequeue(channel)
	o.queue.UnmarkProcessing(channel)
	o.maybeStartChannel(channel)
}

// Abort transitions taskID to ABORTED from any non-terminal state,
// cancelling its timeout and any pending approval. A still-PENDING task
// is removed from the queue here; a RUNNING or PAUSED task belongs to its
// executeTask goroutine, which is woken to do the cleanup and drive the
// channel forward, so the queue is never advanced twice.
func (o *Orchestrator) Abort(taskID string) bool {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return false
	}
	state := task.State
	if state.Terminal() {
		o.mu.Unlock()
		return false
	}
	channel := task.ChannelSessionID
	if t := o.timers[taskID]; t != nil {
		t.Stop()
		delete(o.timers, taskID)
	}
	var requestID string
	if rid, ok := o.approvalByTask[taskID]; ok {
		requestID = rid
		delete(o.approvals, rid)
		delete(o.approvalByTask, taskID)
	}
	resumeCh := o.resumeCh[taskID]
	delete(o.resumeCh, taskID)
	abortCh := o.aborts[taskID]
	delete(o.aborts, taskID)
	if cancel := o.cancels[taskID]; cancel != nil {
		cancel()
	}
	o.mu.Unlock()

	if !o.transition(task, types.TaskAborted, types.NewTaskError(types.ErrAborted, "task aborted", nil)) {
		return false
	}

	if requestID != "" {
		o.publishApprovalResolved(types.ApprovalResolved{TaskID: taskID, ChannelID: channel, Approved: false, RequestID: requestID})
	}
	o.publishResponse(types.ChatResponse{TaskID: taskID, ChannelID: channel, Status: types.StatusFailed})

	if state == types.TaskPending {
		o.queue.Remove(channel, taskID)
		return true
	}
	if resumeCh != nil {
		close(resumeCh)
	}
	if abortCh != nil {
		close(abortCh)
	}
	return true
}

// Get returns the task record for id, if it exists.
func (o *Orchestrator) Get(id string) (*types.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	return t, ok
}

// PendingApprovals returns a snapshot of every outstanding approval.
func (o *Orchestrator) PendingApprovals() []PendingApproval {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingApproval, 0, len(o.approvals))
	for _, a := range o.approvals {
		out = append(out, *a)
	}
	return out
}

// ResolveSession maps sessionID back to its originating task id, used by
// the gateway's session.get handler.
func (o *Orchestrator) ResolveSession(sessionID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.sessionMap[sessionID]
	if !ok {
		return "", false
	}
	return m.taskID, true
}

// Sweep removes terminal tasks older than the cleanup horizon, expired
// session mappings, and expired pending approvals. It is intended to be
// called periodically by internal/housekeeping.
func (o *Orchestrator) Sweep(now time.Time) (removedTasks, removedSessions, removedApprovals int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for id, t := range o.tasks {
		if t.State.Terminal() && now.Sub(t.UpdatedAt) > o.cfg.CleanupHorizon {
			delete(o.tasks, id)
			delete(o.channelOf, id)
			removedTasks++
		}
	}
	for sid, m := range o.sessionMap {
		if now.Sub(m.createdAt) > o.cfg.SessionMappingTTL {
			delete(o.sessionMap, sid)
			removedSessions++
		}
	}
	for rid, pa := range o.approvals {
		if now.Sub(pa.RequestedAt) > o.cfg.ApprovalTTL {
			delete(o.approvals, rid)
			delete(o.approvalByTask, pa.TaskID)
			if ch := o.resumeCh[pa.TaskID]; ch != nil {
				delete(o.resumeCh, pa.TaskID)
				close(ch)
			}
			removedApprovals++
		}
	}
	for rid := range o.grantedOnce {
		if _, live := o.approvals[rid]; !live {
			delete(o.grantedOnce, rid)
		}
	}
	return
}

// Shutdown clears every timer, rejects every pending approval, and empties
// the queues. It does not wait for in-flight Runner goroutines; callers
// that need a drain window should do so at the Gateway layer.
func (o *Orchestrator) Shutdown() {
	// Empty the queues before waking any goroutine so cleanup finds
	// nothing further to start.
	o.queue.Clear()
	o.mu.Lock()
	for _, t := range o.timers {
		t.Stop()
	}
	o.timers = make(map[string]*time.Timer)
	for taskID, ch := range o.resumeCh {
		close(ch)
		delete(o.resumeCh, taskID)
	}
	for taskID, ch := range o.aborts {
		close(ch)
		delete(o.aborts, taskID)
	}
	o.approvals = make(map[string]*PendingApproval)
	o.approvalByTask = make(map[string]string)
	o.mu.Unlock()
}

// Summarize is a small, dependency-free string-format helper that renders
// a one-line human-readable task summary.
func Summarize(t *types.Task) string {
	return fmt.Sprintf("%s [%s] channel=%s", t.ID, t.State, t.ChannelSessionID)
}
