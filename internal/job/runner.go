// Package job runs the fetch, media backfill and media cleanup tasks under
// the task lease, whether triggered by the scheduler, the HTTP API or the
// command line.
package job

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	apperrors "github.com/x-mirror/internal/errors"
	"github.com/x-mirror/internal/lease"
	"github.com/x-mirror/internal/logging"
	"github.com/x-mirror/internal/media"
	"github.com/x-mirror/internal/metrics"
	"github.com/x-mirror/internal/service"
	"github.com/x-mirror/internal/storage"
	"github.com/x-mirror/internal/types"
)

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("runner stopped")

// Fetcher runs the per-account fetch over a list of usernames
type Fetcher interface {
	FetchForUsernames(ctx context.Context, usernames []string, onProgress func(service.FetchProgress)) (*service.FetchSummary, error)
}

// RosterSource decides which accounts a fetch covers
type RosterSource interface {
	ResolveRoster(ctx context.Context) *service.Roster
	Sync(ctx context.Context, roster *service.Roster) (int, error)
}

// MediaJobs is the media cache work the runner drives
type MediaJobs interface {
	Backfill(ctx context.Context, params media.BackfillParams, resume *media.BackfillProgress, onProgress func(media.BackfillProgress) error) (*media.BackfillSummary, error)
	Cleanup(ctx context.Context) (*media.CleanupSummary, error)
}

// Request names a task to run
type Request struct {
	Task string
	// Backfill is read for media-backfill requests
	Backfill media.BackfillParams
	// Usernames overrides the roster of a fetch when set
	Usernames []string
	// Manual requests ignore a pending retry window
	Manual bool
}

// Report describes what happened to a request
type Report struct {
	Outcome *lease.Outcome
	// Summary is set once a granted run finished
	Summary string
	Result  interface{}
}

// Config wires a Runner. Media may be nil when the cache is disabled.
type Config struct {
	Leases  *lease.Manager
	Roster  RosterSource
	Fetch   Fetcher
	Media   MediaJobs
	Metrics *metrics.Metrics
	// Heartbeat is the keep-alive interval for running leases, a third of
	// the stale-after window when zero
	Heartbeat time.Duration
}

// Runner executes tasks under their lease
type Runner struct {
	leases    *lease.Manager
	roster    RosterSource
	fetch     Fetcher
	media     MediaJobs
	metrics   *metrics.Metrics
	heartbeat time.Duration

	// background runs started by Submit
	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewRunner creates a runner
func NewRunner(cfg Config) *Runner {
	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = cfg.Leases.StaleAfter() / 3
	}
	if hb <= 0 {
		hb = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		leases:    cfg.Leases,
		roster:    cfg.Roster,
		fetch:     cfg.Fetch,
		media:     cfg.Media,
		metrics:   cfg.Metrics,
		heartbeat: hb,
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// task is a prepared acquisition plus the body to run once granted
type task struct {
	key  string
	opts lease.Options
	body func(ctx context.Context, l *lease.Lease) (*outcome, error)
}

// outcome is what a body hands back. A non-nil failure releases the lease
// as failed even though the body itself completed.
type outcome struct {
	result   interface{}
	progress interface{}
	summary  string
	failure  error
}

// Run acquires the lease of req and, when granted, runs the task in the
// calling goroutine
func (r *Runner) Run(ctx context.Context, req Request) (*Report, error) {
	t, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := r.acquire(ctx, t)
	if err != nil || !out.Granted() {
		return &Report{Outcome: out}, err
	}
	return r.execute(ctx, t, out)
}

// Submit acquires the lease synchronously and runs a granted task in a
// tracked goroutine. The returned report carries the snapshot or the denial.
func (r *Runner) Submit(ctx context.Context, req Request) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrStopped
	}

	t, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := r.acquire(ctx, t)
	if err != nil || !out.Granted() {
		return &Report{Outcome: out}, err
	}

	runCtx := logging.WithLogger(r.baseCtx, logging.FromContext(ctx))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.execute(runCtx, t, out); err != nil {
			logging.FromContext(runCtx).WithError(err).WithField("task", t.key).Error("Background task failed")
		}
	}()
	return &Report{Outcome: out}, nil
}

// Stop cancels background runs and waits for them to release their leases
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every background run finished
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) acquire(ctx context.Context, t *task) (*lease.Outcome, error) {
	out, err := r.leases.Acquire(ctx, t.key, t.opts)
	if err != nil {
		return nil, err
	}
	if out.Granted() {
		r.metrics.TaskEvent(t.key, "granted")
	} else {
		r.metrics.TaskEvent(t.key, "denied_"+string(out.Reason))
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"task":   t.key,
			"reason": string(out.Reason),
		}).Debug("Lease denied")
	}
	return out, nil
}

func (r *Runner) execute(ctx context.Context, t *task, out *lease.Outcome) (*Report, error) {
	l := out.Lease
	logger := l.Logger(logging.FromContext(ctx))
	ctx = logging.WithLogger(ctx, logger)
	start := time.Now()
	logger.Info("Task started")

	stop := r.keepAlive(ctx, l)
	res, err := runBody(ctx, t, l)
	stop()
	r.metrics.TaskDuration(t.key, time.Since(start))

	// the lease must be released even when the run was cancelled
	releaseCtx := context.WithoutCancel(ctx)

	if err != nil {
		next, failErr := l.Fail(releaseCtx, err, nil)
		if failErr != nil {
			logger.WithError(failErr).Error("Failed to release lease")
		}
		r.metrics.TaskEvent(t.key, "failed")
		logger.WithError(err).WithField("next_retry_at", next.UTC().Format(time.RFC3339)).Error("Task failed")
		return &Report{Outcome: out}, err
	}

	if res.failure != nil {
		next, failErr := l.Fail(releaseCtx, res.failure, res.progress)
		if failErr != nil {
			return nil, failErr
		}
		r.metrics.TaskEvent(t.key, "failed")
		logger.WithFields(map[string]interface{}{
			"summary":       res.summary,
			"next_retry_at": next.UTC().Format(time.RFC3339),
		}).Warn("Task failed")
		return &Report{Outcome: out, Summary: res.summary, Result: res.result}, nil
	}

	if err := l.Succeed(releaseCtx, res.result, res.progress); err != nil {
		return nil, err
	}
	r.metrics.TaskEvent(t.key, "succeeded")
	logger.WithFields(map[string]interface{}{
		"summary":     res.summary,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Task finished")
	return &Report{Outcome: out, Summary: res.summary, Result: res.result}, nil
}

// runBody turns a panic in the task body into an error so the lease is
// released as failed instead of taking the process down
func runBody(ctx context.Context, t *task, l *lease.Lease) (res *outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"panic": fmt.Sprint(p),
				"stack": string(debug.Stack()),
			}).Error("Task panicked")
			res, err = nil, fmt.Errorf("task %s panicked: %v", t.key, p)
		}
	}()
	return t.body(ctx, l)
}

// keepAlive heartbeats l until the returned stop function is called
func (r *Runner) keepAlive(ctx context.Context, l *lease.Lease) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Touch(ctx, nil); err != nil {
					logging.FromContext(ctx).WithError(err).Warn("Failed to heartbeat lease")
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (r *Runner) prepare(ctx context.Context, req Request) (*task, error) {
	switch req.Task {
	case types.TaskFetch:
		return r.fetchTask(req), nil
	case types.TaskMediaBackfill:
		if r.media == nil {
			return nil, apperrors.NewInvalidParameterError("task", "media cache is disabled")
		}
		return r.backfillTask(ctx, req)
	case types.TaskMediaCleanup:
		if r.media == nil {
			return nil, apperrors.NewInvalidParameterError("task", "media cache is disabled")
		}
		return r.cleanupTask(req), nil
	}
	return nil, apperrors.NewInvalidParameterError("task", fmt.Sprintf("unknown task %q", req.Task))
}

// FetchResult is stored as the result of a fetch run
type FetchResult struct {
	service.FetchSummary
	Source  string `json:"source"`
	Summary string `json:"summary"`
}

func (r *Runner) fetchTask(req Request) *task {
	return &task{
		key:  types.TaskFetch,
		opts: lease.Options{ResetProgress: true, IgnoreRetryWindow: req.Manual},
		body: func(ctx context.Context, l *lease.Lease) (*outcome, error) {
			logger := logging.FromContext(ctx)
			roster := &service.Roster{Usernames: req.Usernames, Source: "request"}
			if len(req.Usernames) == 0 {
				roster = r.roster.ResolveRoster(ctx)
				if n, err := r.roster.Sync(ctx, roster); err != nil {
					logger.WithError(err).Warn("Failed to sync monitor status")
				} else if n > 0 {
					logger.WithField("changed", n).Info("Updated accounts that left the roster")
				}
			}

			summary, err := r.fetch.FetchForUsernames(ctx, roster.Usernames, func(p service.FetchProgress) {
				if err := l.Touch(ctx, p); err != nil {
					logger.WithError(err).Warn("Failed to record fetch progress")
				}
			})
			if err != nil {
				return nil, err
			}

			res := &outcome{
				result:  FetchResult{FetchSummary: *summary, Source: roster.Source, Summary: summary.String()},
				summary: summary.String(),
			}
			if summary.IsHardFailure() {
				res.failure = fmt.Errorf("no account succeeded: %s", summary.String())
			}
			return res, nil
		},
	}
}

// BackfillResult is stored as the result of a media backfill run
type BackfillResult struct {
	media.BackfillSummary
	Summary string `json:"summary"`
}

func (r *Runner) backfillTask(ctx context.Context, req Request) (*task, error) {
	params := req.Backfill.Normalize()
	resume, err := r.resumableBackfill(ctx, params)
	if err != nil {
		return nil, err
	}

	opts := lease.Options{Payload: params, IgnoreRetryWindow: req.Manual}
	if resume == nil {
		opts.ResetProgress = true
	}

	return &task{
		key:  types.TaskMediaBackfill,
		opts: opts,
		body: func(ctx context.Context, l *lease.Lease) (*outcome, error) {
			var from *media.BackfillProgress
			if resume != nil {
				if p, ok := lease.Decode[media.BackfillProgress](l.Run().Progress); ok {
					from = &p
					logging.FromContext(ctx).WithField("offset", p.Offset).Info("Resuming media backfill")
				}
			}
			var last media.BackfillProgress
			summary, err := r.media.Backfill(ctx, params, from, func(p media.BackfillProgress) error {
				last = p
				return l.Touch(ctx, p)
			})
			if err != nil {
				return nil, err
			}
			text := BackfillSummaryString(summary)
			return &outcome{
				result:   BackfillResult{BackfillSummary: *summary, Summary: text},
				progress: last,
				summary:  text,
			}, nil
		},
	}, nil
}

// resumableBackfill returns the stored checkpoint when the last backfill was
// interrupted or failed with the same parameters
func (r *Runner) resumableBackfill(ctx context.Context, params media.BackfillParams) (*media.BackfillProgress, error) {
	run, err := r.leases.Get(ctx, types.TaskMediaBackfill)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if run.Status != types.TaskRunning && run.Status != types.TaskFailed {
		return nil, nil
	}
	prev, ok := lease.Decode[media.BackfillParams](run.Payload)
	if !ok || !reflect.DeepEqual(prev.Normalize(), params) {
		return nil, nil
	}
	progress, ok := lease.Decode[media.BackfillProgress](run.Progress)
	if !ok {
		return nil, nil
	}
	return &progress, nil
}

// InterruptedBackfill reports the parameters of a media backfill that was
// cut short, so it can be resumed on startup
func (r *Runner) InterruptedBackfill(ctx context.Context) (*media.BackfillParams, bool) {
	run, err := r.leases.Get(ctx, types.TaskMediaBackfill)
	if err != nil || run == nil {
		return nil, false
	}
	now := time.Now()
	interrupted := run.Status == types.TaskFailed ||
		(run.Status == types.TaskRunning && !run.IsLive(now, r.leases.StaleAfter()))
	if !interrupted {
		return nil, false
	}
	progress, ok := lease.Decode[media.BackfillProgress](run.Progress)
	if !ok || !progress.Running {
		return nil, false
	}
	params, ok := lease.Decode[media.BackfillParams](run.Payload)
	if !ok {
		return nil, false
	}
	return &params, true
}

// CleanupResult is stored as the result of a media cleanup run
type CleanupResult struct {
	media.CleanupSummary
	Summary string `json:"summary"`
}

func (r *Runner) cleanupTask(req Request) *task {
	return &task{
		key:  types.TaskMediaCleanup,
		opts: lease.Options{ResetProgress: true, IgnoreRetryWindow: req.Manual},
		body: func(ctx context.Context, l *lease.Lease) (*outcome, error) {
			summary, err := r.media.Cleanup(ctx)
			if err != nil {
				return nil, err
			}
			r.metrics.Evictions(summary.TTLEvictions, summary.CapacityEvictions, summary.ReleasedBytes)
			text := CleanupSummaryString(summary)
			return &outcome{
				result:  CleanupResult{CleanupSummary: *summary, Summary: text},
				summary: text,
			}, nil
		},
	}
}
