// Package cron implements the agent-facing scheduler: one-off ("at"),
// interval ("every"), and cron-expression jobs that re-enter the agent
// on their own schedule and deliver the result back to a channel. It
// is grounded on the original reference's agent/tools/cron.py tool and
// spec §4.10 (Cron Scheduler).
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nanobot-run/corectl/internal/failures"
	"github.com/nanobot-run/corectl/internal/incidents"
	"github.com/nanobot-run/corectl/internal/queue"
)

// ScheduleKind is the flavor of recurrence a job follows.
type ScheduleKind string

const (
	KindEvery ScheduleKind = "every" // fixed interval, repeats forever
	KindCron  ScheduleKind = "cron"  // standard 5-field cron expression
	KindAt    ScheduleKind = "at"    // single run at an absolute time
)

// Schedule describes when a Job is due next.
type Schedule struct {
	Kind     ScheduleKind  `json:"kind"`
	Every    time.Duration `json:"every,omitempty"`
	CronExpr string        `json:"cron_expr,omitempty"`
	At       time.Time     `json:"at,omitempty"`
}

// Job is one scheduled unit of agent work.
type Job struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	Name           string    `json:"name"`
	Message        string    `json:"message"`
	Schedule       Schedule  `json:"schedule"`
	Deliver        bool      `json:"deliver"`
	Channel        string    `json:"channel,omitempty"`
	ChatID         string    `json:"chat_id,omitempty"`
	DeleteAfterRun bool      `json:"delete_after_run"`
	CreatedAt      time.Time `json:"created_at"`
	NextRun        time.Time `json:"next_run"`
	LastRun        time.Time `json:"last_run,omitempty"`
	LastResult     string    `json:"last_result,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	RunCount       int       `json:"run_count"`
	FailCount      int       `json:"fail_count"`
}

// Result is what a Handler returns for one execution.
type Result struct {
	Content string
	Err     error
}

// Handler runs one job's message through the agent and returns the
// reply (or error) to deliver.
type Handler func(ctx context.Context, job *Job) (*Result, error)

// RetryConfig bounds how a failed job execution is retried, matching
// internal/config.CronConfig's shape.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig mirrors the reference's defaults: 3 retries,
// exponential backoff from 5s capped at 5m.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  5 * time.Second,
		MaxDelay:   5 * time.Minute,
	}
}

func (rc RetryConfig) delayFor(attempt int) time.Duration {
	d := rc.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > rc.MaxDelay {
			return rc.MaxDelay
		}
	}
	return d
}

const tickInterval = 15 * time.Second

// Scheduler owns the job set, persists it to disk, and runs a ticking
// loop that dispatches due jobs onto the command queue's background
// lane so cron work never starves interactive (main-lane) turns.
type Scheduler struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	storeFile string

	handler Handler
	retry   RetryConfig
	queue   *queue.CommandQueue
	incidents *incidents.Manager

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRetryConfig overrides the default retry/backoff policy.
func WithRetryConfig(rc RetryConfig) Option {
	return func(s *Scheduler) { s.retry = rc }
}

// WithQueue routes job execution through q's background lane. Without
// this option each due job runs in its own goroutine started by the tick.
func WithQueue(q *queue.CommandQueue) Option {
	return func(s *Scheduler) { s.queue = q }
}

// WithIncidents reports job failures to mgr so repeated cron failures
// surface through the same escalation path as tool/turn failures.
func WithIncidents(mgr *incidents.Manager) Option {
	return func(s *Scheduler) { s.incidents = mgr }
}

// NewScheduler builds a Scheduler backed by storeFile (a JSON snapshot
// of all jobs, reloaded on startup).
func NewScheduler(storeFile string, handler Handler, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:      make(map[string]*Job),
		storeFile: storeFile,
		handler:   handler,
		retry:     DefaultRetryConfig(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.load()
	return s
}

// Add registers a new job, computes its first NextRun, and persists
// the job set.
func (s *Scheduler) Add(job Job) (*Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = time.Now().UTC()

	next, err := nextRun(job.Schedule, time.Now())
	if err != nil {
		return nil, fmt.Errorf("cron: invalid schedule: %w", err)
	}
	job.NextRun = next

	s.mu.Lock()
	s.jobs[job.ID] = &job
	s.mu.Unlock()
	s.persist()

	return &job, nil
}

// List returns a snapshot of all jobs, optionally filtered to one
// agent.
func (s *Scheduler) List(agentID string) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if agentID != "" && j.AgentID != agentID {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	return out
}

// Remove deletes a job by ID. Returns false if it was not found.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if ok {
		s.persist()
	}
	return ok
}

// Run ticks every tickInterval, dispatching due jobs, until ctx is
// cancelled or Stop is called. It blocks and should be run in its own
// goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop halts a running scheduler loop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if !j.NextRun.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		job := j
		if s.queue != nil {
			go func() {
				_, _ = s.queue.Enqueue(ctx, queue.LaneBackground, func(ctx context.Context) (interface{}, error) {
					s.execute(ctx, job)
					return nil, nil
				})
			}()
		} else {
			go s.execute(ctx, job)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job *Job) {
	var result *Result
	var err error

	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		result, err = s.handler(ctx, job)
		if err == nil {
			break
		}
		if attempt < s.retry.MaxRetries {
			slog.Warn("cron: job attempt failed, retrying", "job", job.ID, "name", job.Name, "attempt", attempt+1, "error", err)
			select {
			case <-time.After(s.retry.delayFor(attempt)):
			case <-ctx.Done():
				return
			}
		}
	}

	s.mu.Lock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		s.mu.Unlock()
		return
	}
	stored.LastRun = time.Now().UTC()
	stored.RunCount++
	if err != nil {
		stored.FailCount++
		stored.LastError = err.Error()
	} else {
		stored.LastError = ""
		if result != nil {
			stored.LastResult = result.Content
		}
	}

	remove := false
	if stored.Schedule.Kind == KindAt && stored.DeleteAfterRun {
		remove = true
		delete(s.jobs, stored.ID)
	} else if next, nerr := nextRun(stored.Schedule, time.Now()); nerr == nil {
		stored.NextRun = next
	} else {
		// schedule exhausted (e.g. malformed "at" without delete_after_run); drop it
		remove = true
		delete(s.jobs, stored.ID)
	}
	s.mu.Unlock()

	if err != nil && s.incidents != nil {
		s.incidents.Report(failures.Event{
			Source:    "cron",
			Category:  "job_failed",
			Summary:   fmt.Sprintf("cron job %q failed after %d attempts: %v", job.Name, s.retry.MaxRetries+1, err),
			Severity:  failures.SeverityError,
			Retryable: true,
			Details: map[string]interface{}{
				"job_id":    job.ID,
				"task_name": job.Name,
			},
		})
	}

	if !remove {
		s.persist()
	} else {
		s.persist()
	}
}

// nextRun computes the next fire time for a schedule relative to from.
// For KindAt it returns the absolute time once (callers must check
// DeleteAfterRun / re-arm semantics themselves).
func nextRun(sched Schedule, from time.Time) (time.Time, error) {
	switch sched.Kind {
	case KindEvery:
		if sched.Every <= 0 {
			return time.Time{}, fmt.Errorf("every-interval must be positive")
		}
		return from.Add(sched.Every), nil
	case KindAt:
		return sched.At, nil
	case KindCron:
		if sched.CronExpr == "" {
			return time.Time{}, fmt.Errorf("cron expression required")
		}
		next, err := gronx.NextTickAfter(sched.CronExpr, from, false)
		if err != nil {
			return time.Time{}, err
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}

// --- persistence ---

type jobFile struct {
	Jobs []*Job `json:"jobs"`
}

func (s *Scheduler) persist() {
	if s.storeFile == "" {
		return
	}
	s.mu.Lock()
	snapshot := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		snapshot = append(snapshot, j)
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(jobFile{Jobs: snapshot}, "", "  ")
	if err != nil {
		slog.Warn("cron: failed to marshal job store", "error", err)
		return
	}
	if dir := filepath.Dir(s.storeFile); dir != "." {
		_ = os.MkdirAll(dir, 0755)
	}
	tmp := s.storeFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		slog.Warn("cron: failed to write job store", "error", err)
		return
	}
	if err := os.Rename(tmp, s.storeFile); err != nil {
		slog.Warn("cron: failed to rename job store", "error", err)
	}
}

func (s *Scheduler) load() {
	if s.storeFile == "" {
		return
	}
	data, err := os.ReadFile(s.storeFile)
	if err != nil {
		return
	}
	var jf jobFile
	if err := json.Unmarshal(data, &jf); err != nil {
		slog.Warn("cron: failed to parse job store, starting empty", "error", err)
		return
	}
	s.mu.Lock()
	for _, j := range jf.Jobs {
		s.jobs[j.ID] = j
	}
	s.mu.Unlock()
}
