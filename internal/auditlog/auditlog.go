// Package auditlog keeps an append-only SQLite ledger of task lifecycle
// and approval events. It is written for forensics and debugging and is
// never read back to reconstruct orchestrator state.
package auditlog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clawinfra/moonbot-gateway/internal/types"
)

// Ledger is the append-only event store.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

// Open creates or opens the ledger database at path.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: wal mode: %w", err)
	}
	l := &Ledger{db: db, logger: logger.With("component", "auditlog")}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id     TEXT NOT NULL,
			channel_id  TEXT NOT NULL,
			prev_state  TEXT NOT NULL,
			new_state   TEXT NOT NULL,
			occurred_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approval_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id  TEXT NOT NULL,
			task_id     TEXT NOT NULL,
			channel_id  TEXT NOT NULL,
			kind        TEXT NOT NULL,
			approved    INTEGER NOT NULL DEFAULT 0,
			occurred_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_events_task ON approval_events(task_id)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("auditlog: migrate: %w", err)
		}
	}
	return nil
}

// RecordStateChange appends one task transition.
func (l *Ledger) RecordStateChange(sc types.StateChange) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		`INSERT INTO task_events (task_id, channel_id, prev_state, new_state, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		sc.TaskID, sc.ChannelID, string(sc.PreviousState), string(sc.NewState), sc.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("auditlog: record state change: %w", err)
	}
	return nil
}

// RecordApprovalRequested appends one approval request.
func (l *Ledger) RecordApprovalRequested(a types.ApprovalRequested) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		`INSERT INTO approval_events (request_id, task_id, channel_id, kind, occurred_at) VALUES (?, ?, ?, 'requested', ?)`,
		a.RequestID, a.TaskID, a.ChannelID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("auditlog: record approval request: %w", err)
	}
	return nil
}

// RecordApprovalResolved appends one approval decision.
func (l *Ledger) RecordApprovalResolved(a types.ApprovalResolved) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	approved := 0
	if a.Approved {
		approved = 1
	}
	_, err := l.db.Exec(
		`INSERT INTO approval_events (request_id, task_id, channel_id, kind, approved, occurred_at) VALUES (?, ?, ?, 'resolved', ?, ?)`,
		a.RequestID, a.TaskID, a.ChannelID, approved, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("auditlog: record approval resolution: %w", err)
	}
	return nil
}

// TaskEventCount reports how many transitions are recorded for taskID
// (all tasks when taskID is empty). Used by tests, never by the
// scheduling core.
func (l *Ledger) TaskEventCount(taskID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	var err error
	if taskID == "" {
		err = l.db.QueryRow(`SELECT COUNT(*) FROM task_events`).Scan(&n)
	} else {
		err = l.db.QueryRow(`SELECT COUNT(*) FROM task_events WHERE task_id = ?`, taskID).Scan(&n)
	}
	return n, err
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
