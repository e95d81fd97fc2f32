package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/moonbot-gateway/internal/types"
)

// stubRunner delegates to a per-test function.
type stubRunner struct {
	fn func(ctx context.Context, task *types.Task, sessionID string, resultCh chan<- RunOutcome)
}

func (s *stubRunner) Run(ctx context.Context, task *types.Task, sessionID string, resultCh chan<- RunOutcome) {
	s.fn(ctx, task, sessionID, resultCh)
}

// echoRunner completes every task with its own text after delay.
func echoRunner(delay time.Duration) *stubRunner {
	return &stubRunner{fn: func(_ context.Context, task *types.Task, _ string, resultCh chan<- RunOutcome) {
		if delay > 0 {
			time.Sleep(delay)
		}
		resultCh <- RunOutcome{Success: true, Message: task.Message.Text}
	}}
}

// responseCollector accumulates chat.response notifications.
type responseCollector struct {
	mu        sync.Mutex
	responses []types.ChatResponse
}

func (c *responseCollector) add(r types.ChatResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, r)
}

func (c *responseCollector) completed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, r := range c.responses {
		if r.Status == types.StatusCompleted {
			out = append(out, r.Text)
		}
	}
	return out
}

func (c *responseCollector) statuses() []types.ResponseStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ResponseStatus, len(c.responses))
	for i, r := range c.responses {
		out[i] = r.Status
	}
	return out
}

// stateCollector accumulates state transitions per task.
type stateCollector struct {
	mu     sync.Mutex
	states map[string][]types.TaskState
}

func newStateCollector() *stateCollector {
	return &stateCollector{states: make(map[string][]types.TaskState)}
}

func (c *stateCollector) add(s types.StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[s.TaskID] = append(c.states[s.TaskID], s.NewState)
}

func (c *stateCollector) sequence(taskID string) []types.TaskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.TaskState{}, c.states[taskID]...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TaskTimeout = 5 * time.Second
	return cfg
}

func TestFIFOWithinChannel(t *testing.T) {
	o := New(testConfig(), echoRunner(5*time.Millisecond), nil)
	defer o.Shutdown()

	col := &responseCollector{}
	o.OnResponse(col.add)

	for _, text := range []string{"a", "b", "c"} {
		_, _ = o.CreateTask(types.ChatMessage{ChannelID: "C", Text: text})
	}

	waitFor(t, 2*time.Second, func() bool { return len(col.completed()) == 3 })
	got := col.completed()
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("completion order %v, want %v", got, want)
		}
	}
}

func TestChannelIndependence(t *testing.T) {
	runner := &stubRunner{fn: func(_ context.Context, task *types.Task, _ string, resultCh chan<- RunOutcome) {
		if task.ChannelSessionID == "C1" {
			time.Sleep(200 * time.Millisecond)
		} else {
			time.Sleep(50 * time.Millisecond)
		}
		resultCh <- RunOutcome{Success: true, Message: task.Message.Text}
	}}
	o := New(testConfig(), runner, nil)
	defer o.Shutdown()

	col := &responseCollector{}
	o.OnResponse(col.add)

	_, _ = o.CreateTask(types.ChatMessage{ChannelID: "C1", Text: "x"})
	_, _ = o.CreateTask(types.ChatMessage{ChannelID: "C2", Text: "y"})

	waitFor(t, 2*time.Second, func() bool { return len(col.completed()) == 2 })
	got := col.completed()
	if got[0] != "y" || got[1] != "x" {
		t.Fatalf("slow channel blocked the fast one: %v", got)
	}
}

// pausingRunner suspends on an approval once and reports nothing further;
// it returns when ctx is cancelled or after two seconds.
func pausingRunner(requestID string) *stubRunner {
	return &stubRunner{fn: func(ctx context.Context, task *types.Task, _ string, resultCh chan<- RunOutcome) {
		resultCh <- RunOutcome{Awaiting: true, RequestID: requestID}
		// A real Runner resumes inside the suspended tool invocation; the
		// stub just waits without sending a terminal outcome.
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}}
}

func TestApprovalApprovePath(t *testing.T) {
	proceed := make(chan struct{})
	runner := &stubRunner{fn: func(_ context.Context, task *types.Task, _ string, resultCh chan<- RunOutcome) {
		resultCh <- RunOutcome{Awaiting: true, RequestID: "req-1"}
		<-proceed
		resultCh <- RunOutcome{Success: true, Message: "approved work done"}
	}}
	o := New(testConfig(), runner, nil)
	defer o.Shutdown()

	col := &responseCollector{}
	states := newStateCollector()
	var resolved []types.ApprovalResolved
	var mu sync.Mutex
	o.OnResponse(col.add)
	o.OnTaskState(states.add)
	o.OnApprovalResolved(func(a types.ApprovalResolved) {
		mu.Lock()
		resolved = append(resolved, a)
		mu.Unlock()
	})

	task, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "dangerous"})

	waitFor(t, time.Second, func() bool {
		tk, _ := o.Get(task.ID)
		return tk.State == types.TaskPaused
	})
	if len(o.PendingApprovals()) != 1 {
		t.Fatalf("paused task should carry exactly one pending approval, got %d", len(o.PendingApprovals()))
	}

	if !o.Grant(task.ID, true) {
		t.Fatal("Grant on a paused task should succeed")
	}
	close(proceed)

	waitFor(t, time.Second, func() bool {
		tk, _ := o.Get(task.ID)
		return tk.State == types.TaskDone
	})

	seq := states.sequence(task.ID)
	want := []types.TaskState{types.TaskRunning, types.TaskPaused, types.TaskRunning, types.TaskDone}
	if len(seq) != len(want) {
		t.Fatalf("transition sequence %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("transition sequence %v, want %v", seq, want)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(resolved) != 1 || !resolved[0].Approved {
		t.Fatalf("approval.resolved = %+v, want one approved resolution", resolved)
	}
	if len(o.PendingApprovals()) != 0 {
		t.Fatal("resolved approval should be cleared")
	}
}

func TestApprovalDenyPath(t *testing.T) {
	o := New(testConfig(), pausingRunner("req-2"), nil)
	defer o.Shutdown()

	col := &responseCollector{}
	o.OnResponse(col.add)

	task, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "dangerous"})
	waitFor(t, time.Second, func() bool {
		tk, _ := o.Get(task.ID)
		return tk.State == types.TaskPaused
	})

	if !o.Grant(task.ID, false) {
		t.Fatal("deny on a paused task should succeed")
	}

	waitFor(t, time.Second, func() bool {
		tk, _ := o.Get(task.ID)
		return tk.State == types.TaskAborted
	})
	tk, _ := o.Get(task.ID)
	if tk.Err == nil || tk.Err.Code != types.ErrApprovalDenied {
		t.Fatalf("denied task error = %+v, want APPROVAL_DENIED", tk.Err)
	}

	statuses := col.statuses()
	sawPending, sawFailed := false, false
	for _, s := range statuses {
		if s == types.StatusPending {
			sawPending = true
		}
		if s == types.StatusFailed {
			sawFailed = true
		}
	}
	if !sawPending || !sawFailed {
		t.Fatalf("statuses %v, want pending then failed", statuses)
	}
}

func TestGrantEffectiveExactlyOnce(t *testing.T) {
	proceed := make(chan struct{})
	runner := &stubRunner{fn: func(_ context.Context, _ *types.Task, _ string, resultCh chan<- RunOutcome) {
		resultCh <- RunOutcome{Awaiting: true, RequestID: "req-3"}
		<-proceed
		resultCh <- RunOutcome{Success: true, Message: "done"}
	}}
	o := New(testConfig(), runner, nil)
	defer o.Shutdown()

	task, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "t"})
	waitFor(t, time.Second, func() bool {
		tk, _ := o.Get(task.ID)
		return tk.State == types.TaskPaused
	})

	if !o.Grant(task.ID, true) {
		t.Fatal("first Grant should succeed")
	}
	if o.Grant(task.ID, true) {
		t.Fatal("second Grant on the same task should return false")
	}
	close(proceed)
}

func TestGrantRequiresPausedTask(t *testing.T) {
	o := New(testConfig(), echoRunner(0), nil)
	defer o.Shutdown()

	if o.Grant("no-such-task", true) {
		t.Fatal("Grant on an unknown task should return false")
	}

	task, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "t"})
	waitFor(t, time.Second, func() bool {
		tk, _ := o.Get(task.ID)
		return tk.State == types.TaskDone
	})
	if o.Grant(task.ID, true) {
		t.Fatal("Grant on a terminal task should return false")
	}
}

func TestTimeoutFailsTaskAndAdvancesChannel(t *testing.T) {
	cfg := testConfig()
	cfg.TaskTimeout = 100 * time.Millisecond
	runner := &stubRunner{fn: func(_ context.Context, task *types.Task, _ string, resultCh chan<- RunOutcome) {
		if task.Message.Text == "slow" {
			time.Sleep(500 * time.Millisecond)
		}
		resultCh <- RunOutcome{Success: true, Message: task.Message.Text}
	}}
	o := New(cfg, runner, nil)
	defer o.Shutdown()

	col := &responseCollector{}
	o.OnResponse(col.add)

	slow, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "slow"})
	_, _ = o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "next"})

	waitFor(t, 2*time.Second, func() bool {
		tk, _ := o.Get(slow.ID)
		return tk.State == types.TaskFailed
	})
	tk, _ := o.Get(slow.ID)
	if tk.Err == nil || tk.Err.Code != types.ErrTimeout {
		t.Fatalf("timed-out task error = %+v, want TIMEOUT", tk.Err)
	}

	// The next task on the same channel must start promptly after the
	// failure.
	waitFor(t, time.Second, func() bool {
		for _, text := range col.completed() {
			if text == "next" {
				return true
			}
		}
		return false
	})
}

func TestQueueFullAtCreate(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 1
	block := make(chan struct{})
	runner := &stubRunner{fn: func(_ context.Context, _ *types.Task, _ string, resultCh chan<- RunOutcome) {
		<-block
		resultCh <- RunOutcome{Success: true}
	}}
	o := New(cfg, runner, nil)
	defer o.Shutdown()
	defer close(block)

	_, _ = o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "first"})
	rejected, rejErr := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "second"})

	if rejErr == nil || rejErr.Code != types.ErrQueueFull {
		t.Fatalf("over-capacity create refusal = %+v, want QUEUE_FULL", rejErr)
	}
	if rejected.State != types.TaskAborted {
		t.Fatalf("over-capacity create state = %s, want ABORTED", rejected.State)
	}
	if rejected.Err == nil || rejected.Err.Code != types.ErrQueueFull {
		t.Fatalf("over-capacity create error = %+v, want QUEUE_FULL", rejected.Err)
	}
}

func TestAbortPendingTask(t *testing.T) {
	block := make(chan struct{})
	runner := &stubRunner{fn: func(_ context.Context, task *types.Task, _ string, resultCh chan<- RunOutcome) {
		if task.Message.Text == "first" {
			<-block
		}
		resultCh <- RunOutcome{Success: true, Message: task.Message.Text}
	}}
	o := New(testConfig(), runner, nil)
	defer o.Shutdown()

	col := &responseCollector{}
	o.OnResponse(col.add)

	_, _ = o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "first"})
	pending, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "second"})
	third, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "third"})

	if !o.Abort(pending.ID) {
		t.Fatal("aborting a pending task should succeed")
	}
	tk, _ := o.Get(pending.ID)
	if tk.State != types.TaskAborted {
		t.Fatalf("aborted task state = %s", tk.State)
	}

	close(block)
	waitFor(t, time.Second, func() bool {
		tk, _ := o.Get(third.ID)
		return tk.State == types.TaskDone
	})
	tk, _ = o.Get(pending.ID)
	if tk.State != types.TaskAborted {
		t.Fatal("aborted task must stay aborted")
	}
}

func TestAbortPausedTaskCancelsApproval(t *testing.T) {
	o := New(testConfig(), pausingRunner("req-4"), nil)
	defer o.Shutdown()

	task, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "t"})
	waitFor(t, time.Second, func() bool {
		tk, _ := o.Get(task.ID)
		return tk.State == types.TaskPaused
	})

	if !o.Abort(task.ID) {
		t.Fatal("aborting a paused task should succeed")
	}
	if len(o.PendingApprovals()) != 0 {
		t.Fatal("abort must cancel the task's pending approval")
	}
}

func TestAbortPausedTaskAdvancesChannelOnce(t *testing.T) {
	runner := &stubRunner{fn: func(ctx context.Context, task *types.Task, _ string, resultCh chan<- RunOutcome) {
		if task.Message.Text == "pause-me" {
			resultCh <- RunOutcome{Awaiting: true, RequestID: "req-5"}
			<-ctx.Done()
			return
		}
		time.Sleep(20 * time.Millisecond)
		resultCh <- RunOutcome{Success: true, Message: task.Message.Text}
	}}
	o := New(testConfig(), runner, nil)
	defer o.Shutdown()

	col := &responseCollector{}
	o.OnResponse(col.add)

	paused, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "pause-me"})
	b, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "b"})
	c, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "c"})

	waitFor(t, time.Second, func() bool {
		tk, _ := o.Get(paused.ID)
		return tk.State == types.TaskPaused
	})
	if !o.Abort(paused.ID) {
		t.Fatal("aborting the paused task should succeed")
	}

	waitFor(t, 2*time.Second, func() bool { return len(col.completed()) == 2 })
	got := col.completed()
	if got[0] != "b" || got[1] != "c" {
		t.Fatalf("successors completed as %v, want [b c]", got)
	}
	for _, id := range []string{b.ID, c.ID} {
		tk, _ := o.Get(id)
		if tk.State != types.TaskDone {
			t.Fatalf("successor %s state = %s, want DONE", id, tk.State)
		}
	}

	// The queue must have advanced exactly once per task: nothing queued,
	// nothing marked processing, no third completion.
	waitFor(t, time.Second, func() bool {
		return o.queue.Len("C") == 0 && !o.queue.IsProcessing("C")
	})
	if len(col.completed()) != 2 {
		t.Fatalf("%d completions, want 2", len(col.completed()))
	}
}

func TestAbortRunningTaskAdvancesChannelOnce(t *testing.T) {
	runner := &stubRunner{fn: func(ctx context.Context, task *types.Task, _ string, resultCh chan<- RunOutcome) {
		if task.Message.Text == "hang" {
			<-ctx.Done()
			return
		}
		resultCh <- RunOutcome{Success: true, Message: task.Message.Text}
	}}
	o := New(testConfig(), runner, nil)
	defer o.Shutdown()

	col := &responseCollector{}
	o.OnResponse(col.add)

	hung, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "hang"})
	next, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "next"})

	waitFor(t, time.Second, func() bool {
		tk, _ := o.Get(hung.ID)
		return tk.State == types.TaskRunning
	})
	if !o.Abort(hung.ID) {
		t.Fatal("aborting the running task should succeed")
	}

	waitFor(t, 2*time.Second, func() bool {
		tk, _ := o.Get(next.ID)
		return tk.State == types.TaskDone
	})
	waitFor(t, time.Second, func() bool {
		return o.queue.Len("C") == 0 && !o.queue.IsProcessing("C")
	})
	if got := col.completed(); len(got) != 1 || got[0] != "next" {
		t.Fatalf("completions = %v, want [next]", got)
	}
}

func TestTerminalStateHasNoOutgoingTransitions(t *testing.T) {
	o := New(testConfig(), echoRunner(0), nil)
	defer o.Shutdown()

	task, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "t"})
	waitFor(t, time.Second, func() bool {
		tk, _ := o.Get(task.ID)
		return tk.State == types.TaskDone
	})

	if o.transition(task, types.TaskRunning, nil) {
		t.Fatal("transition out of DONE must be rejected")
	}
	if o.Abort(task.ID) {
		t.Fatal("abort of a terminal task must be rejected")
	}
}

func TestSweepRemovesOldTerminalTasks(t *testing.T) {
	cfg := testConfig()
	cfg.CleanupHorizon = 10 * time.Millisecond
	o := New(cfg, echoRunner(0), nil)
	defer o.Shutdown()

	task, _ := o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "t"})
	waitFor(t, time.Second, func() bool {
		tk, _ := o.Get(task.ID)
		return tk.State == types.TaskDone
	})

	removed, _, _ := o.Sweep(time.Now().Add(time.Hour))
	if removed != 1 {
		t.Fatalf("sweep removed %d tasks, want 1", removed)
	}
	if _, ok := o.Get(task.ID); ok {
		t.Fatal("swept task should be gone from the registry")
	}
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	o := New(testConfig(), echoRunner(0), nil)
	defer o.Shutdown()

	o.OnResponse(func(types.ChatResponse) { panic("bad subscriber") })
	col := &responseCollector{}
	o.OnResponse(col.add)

	_, _ = o.CreateTask(types.ChatMessage{ChannelID: "C", Text: "t"})
	waitFor(t, time.Second, func() bool { return len(col.completed()) == 1 })
}
