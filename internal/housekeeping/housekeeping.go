// Package housekeeping runs the gateway's periodic sweeps (rate-limiter
// prune, approval and session-mapping TTLs, pending node requests,
// pairing-code expiry, terminal-task janitor) from one declarative job
// table instead of a goroutine per concern.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule defines when a job fires: a fixed interval or a standard cron
// expression.
type Schedule struct {
	Kind     string // "interval" or "cron"
	Interval time.Duration
	Expr     string
}

// Job is one recurring sweep.
type Job struct {
	ID       string
	Schedule Schedule
	Run      func(now time.Time)
}

// Validate checks the job's schedule before it is accepted.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("housekeeping: job ID required")
	}
	if j.Run == nil {
		return fmt.Errorf("housekeeping: job %s has no Run function", j.ID)
	}
	switch j.Schedule.Kind {
	case "interval":
		if j.Schedule.Interval <= 0 {
			return fmt.Errorf("housekeeping: job %s interval must be positive", j.ID)
		}
	case "cron":
		if _, err := cron.ParseStandard(j.Schedule.Expr); err != nil {
			return fmt.Errorf("housekeeping: job %s cron expression: %w", j.ID, err)
		}
	default:
		return fmt.Errorf("housekeeping: job %s has unknown schedule kind %q", j.ID, j.Schedule.Kind)
	}
	return nil
}

// NextRun computes the job's next fire time after from.
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	switch j.Schedule.Kind {
	case "interval":
		return from.Add(j.Schedule.Interval), nil
	case "cron":
		sched, err := cron.ParseStandard(j.Schedule.Expr)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(from), nil
	default:
		return time.Time{}, fmt.Errorf("housekeeping: unknown schedule kind %q", j.Schedule.Kind)
	}
}

// jobState tracks per-job execution bookkeeping.
type jobState struct {
	nextRunAt time.Time
	runCount  int64
}

// Sweeper owns the job table and the single ticker goroutine that drives
// it.
type Sweeper struct {
	logger *slog.Logger
	tick   time.Duration

	mu    sync.Mutex
	jobs  []*Job
	state map[string]*jobState

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewSweeper builds a Sweeper that checks the job table every tick
// (defaulting to one second).
func NewSweeper(tick time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &Sweeper{
		logger: logger.With("component", "housekeeping"),
		tick:   tick,
		state:  make(map[string]*jobState),
	}
}

// Add registers a job. Jobs must be added before Start.
func (s *Sweeper) Add(job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	next, err := job.NextRun(time.Now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	s.state[job.ID] = &jobState{nextRunAt: next}
	return nil
}

// Start launches the ticker goroutine. It returns immediately.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		s.logger.Info("housekeeping started", "jobs", len(s.jobs))
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("housekeeping stopped")
				return
			case now := <-ticker.C:
				s.fire(now)
			}
		}
	}()
}

// fire runs every job whose nextRunAt has passed, isolating panics so
// one misbehaving sweep never stops the others.
func (s *Sweeper) fire(now time.Time) {
	s.mu.Lock()
	due := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := s.state[j.ID]
		if !now.Before(st.nextRunAt) {
			due = append(due, j)
			next, err := j.NextRun(now)
			if err != nil {
				s.logger.Error("next run calculation failed", "job", j.ID, "error", err)
				next = now.Add(time.Minute)
			}
			st.nextRunAt = next
			st.runCount++
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("sweep panicked", "job", j.ID, "recover", r)
				}
			}()
			j.Run(now)
		}()
	}
}

// RunCount reports how many times job id has fired, for tests.
func (s *Sweeper) RunCount(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[id]; ok {
		return st.runCount
	}
	return 0
}

// Stop halts the ticker goroutine and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.doneCh != nil {
		<-s.doneCh
	}
}
