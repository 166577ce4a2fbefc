// Package worker drives the periodic tasks: cron-scheduled fetch and media
// cleanup, plus the startup pass that resumes interrupted work.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/x-mirror/internal/job"
	"github.com/x-mirror/internal/logging"
	"github.com/x-mirror/internal/media"
	"github.com/x-mirror/internal/types"
)

// Submitter is the part of the job runner the scheduler uses
type Submitter interface {
	Submit(ctx context.Context, req job.Request) (*job.Report, error)
	InterruptedBackfill(ctx context.Context) (*media.BackfillParams, bool)
}

// Config holds scheduler configuration
type Config struct {
	FetchSchedule   string
	CleanupSchedule string
	// MediaEnabled turns on the cleanup schedule and backfill resumption
	MediaEnabled   bool
	FetchOnStartup bool
}

type entry struct {
	task string
	expr *cronexpr.Expression
	next time.Time
}

// Scheduler fires task submissions on cron schedules
type Scheduler struct {
	runner  Submitter
	cfg     Config
	entries []*entry
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler parses the schedules of cfg
func NewScheduler(runner Submitter, cfg Config) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	s := &Scheduler{runner: runner, cfg: cfg, now: time.Now}

	fetch, err := cronexpr.Parse(cfg.FetchSchedule)
	if err != nil {
		return nil, fmt.Errorf("invalid fetch schedule %q: %w", cfg.FetchSchedule, err)
	}
	s.entries = append(s.entries, &entry{task: types.TaskFetch, expr: fetch})

	if cfg.MediaEnabled && cfg.CleanupSchedule != "" {
		cleanup, err := cronexpr.Parse(cfg.CleanupSchedule)
		if err != nil {
			return nil, fmt.Errorf("invalid cleanup schedule %q: %w", cfg.CleanupSchedule, err)
		}
		s.entries = append(s.entries, &entry{task: types.TaskMediaCleanup, expr: cleanup})
	}
	return s, nil
}

// Start runs the startup pass and begins the schedule loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	logger := logging.FromContext(ctx).WithComponent("scheduler")
	s.startup(ctx)

	now := s.now()
	for _, e := range s.entries {
		e.next = e.expr.Next(now)
		logger.WithFields(map[string]interface{}{
			"task":     e.task,
			"next_run": e.next.Format(time.RFC3339),
		}).Info("Scheduled task")
	}

	go s.loop(ctx)
	return nil
}

// Stop ends the schedule loop. Runs already submitted are not affected.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startup submits the work that should not wait for the first tick
func (s *Scheduler) startup(ctx context.Context) {
	if s.cfg.FetchOnStartup {
		s.submit(ctx, job.Request{Task: types.TaskFetch})
	}
	if !s.cfg.MediaEnabled {
		return
	}
	if params, ok := s.runner.InterruptedBackfill(ctx); ok {
		logging.FromContext(ctx).WithComponent("scheduler").
			WithField("usernames", params.Usernames).Info("Resuming interrupted media backfill")
		s.submit(ctx, job.Request{Task: types.TaskMediaBackfill, Backfill: *params, Manual: true})
	}
	s.submit(ctx, job.Request{Task: types.TaskMediaCleanup})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	for {
		wait := time.Until(s.earliest())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			for _, task := range s.due(s.now()) {
				s.submit(ctx, job.Request{Task: task})
			}
		}
	}
}

func (s *Scheduler) earliest() time.Time {
	var first time.Time
	for _, e := range s.entries {
		if e.next.IsZero() {
			continue
		}
		if first.IsZero() || e.next.Before(first) {
			first = e.next
		}
	}
	if first.IsZero() {
		// nothing left to fire; wake up occasionally to notice a stop
		return s.now().Add(time.Hour)
	}
	return first
}

// due returns the tasks whose fire time has passed and advances them
func (s *Scheduler) due(now time.Time) []string {
	var tasks []string
	for _, e := range s.entries {
		if e.next.IsZero() || e.next.After(now) {
			continue
		}
		tasks = append(tasks, e.task)
		e.next = e.expr.Next(now)
	}
	return tasks
}

func (s *Scheduler) submit(ctx context.Context, req job.Request) {
	logger := logging.FromContext(ctx).WithComponent("scheduler").WithField("task", req.Task)
	rep, err := s.runner.Submit(ctx, req)
	if err != nil {
		logger.WithError(err).Error("Failed to submit task")
		return
	}
	if !rep.Outcome.Granted() {
		logger.WithField("reason", string(rep.Outcome.Reason)).Debug("Task not started")
		return
	}
	logger.Debugf("Task submitted as run %s", rep.Outcome.Lease.RunID())
}
