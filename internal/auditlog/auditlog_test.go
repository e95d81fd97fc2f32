package auditlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/clawinfra/moonbot-gateway/internal/types"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordStateChange(t *testing.T) {
	l := openTestLedger(t)

	sc := types.StateChange{
		TaskID: "t1", ChannelID: "c1",
		PreviousState: types.TaskPending, NewState: types.TaskRunning,
		Timestamp: time.Now(),
	}
	if err := l.RecordStateChange(sc); err != nil {
		t.Fatalf("RecordStateChange: %v", err)
	}
	sc.PreviousState, sc.NewState = types.TaskRunning, types.TaskDone
	if err := l.RecordStateChange(sc); err != nil {
		t.Fatal(err)
	}

	n, err := l.TaskEventCount("t1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("TaskEventCount = %d, want 2", n)
	}
	if n, _ := l.TaskEventCount("other"); n != 0 {
		t.Fatalf("unrelated task should have 0 events, got %d", n)
	}
}

func TestRecordApprovalEvents(t *testing.T) {
	l := openTestLedger(t)

	req := types.ApprovalRequested{TaskID: "t1", ChannelID: "c1", ToolID: "os.exec", RequestID: "r1"}
	if err := l.RecordApprovalRequested(req); err != nil {
		t.Fatalf("RecordApprovalRequested: %v", err)
	}
	res := types.ApprovalResolved{TaskID: "t1", ChannelID: "c1", Approved: true, RequestID: "r1"}
	if err := l.RecordApprovalResolved(res); err != nil {
		t.Fatalf("RecordApprovalResolved: %v", err)
	}
}
