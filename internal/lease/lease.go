// Package lease implements the task lease protocol on top of the task_runs
// table: at most one live holder per task key, heartbeats, resumable
// checkpoints and a retry window after failures.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/x-mirror/internal/logging"
	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/retry"
	"github.com/x-mirror/internal/storage"
)

// Manager hands out leases for named tasks
type Manager struct {
	runs       *storage.TaskRunRepository
	staleAfter time.Duration
	backoff    *retry.RetryConfig
	now        func() time.Time
}

// NewManager creates a lease manager. A holder whose heartbeat is older than
// staleAfter loses the lease to the next acquirer; retryDelay is the wait
// after the first failed attempt and doubles with each further attempt.
func NewManager(runs *storage.TaskRunRepository, staleAfter, retryDelay time.Duration) *Manager {
	return &Manager{
		runs:       runs,
		staleAfter: staleAfter,
		backoff:    retry.TaskBackoffConfig(retryDelay),
		now:        time.Now,
	}
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// StaleAfter is the heartbeat age after which a running lease may be taken over
func (m *Manager) StaleAfter() time.Duration {
	return m.staleAfter
}

// Options customize one acquisition. Payload and Progress are JSON-encoded;
// nil keeps what is stored.
type Options struct {
	Payload           interface{}
	Progress          interface{}
	ResetProgress     bool
	IgnoreRetryWindow bool
}

// Outcome is the result of an acquisition. Exactly one of Lease and Reason
// is set.
type Outcome struct {
	Lease  *Lease
	Reason storage.DenyReason
	Run    *models.TaskRun
}

// Granted reports whether the caller now holds the lease
func (o *Outcome) Granted() bool {
	return o.Lease != nil
}

// Acquire tries to take the lease of key. Contention is reported through
// the outcome, not as an error.
func (m *Manager) Acquire(ctx context.Context, key string, opts Options) (*Outcome, error) {
	payload, err := encode(opts.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	progress, err := encode(opts.Progress)
	if err != nil {
		return nil, fmt.Errorf("failed to encode progress: %w", err)
	}

	res, err := m.runs.Acquire(ctx, key, storage.AcquireParams{
		Now:               m.now(),
		StaleAfter:        m.staleAfter,
		Payload:           payload,
		Progress:          progress,
		ResetProgress:     opts.ResetProgress,
		IgnoreRetryWindow: opts.IgnoreRetryWindow,
	})
	if err != nil {
		return nil, err
	}
	if !res.Acquired {
		return &Outcome{Reason: res.Reason, Run: res.Run}, nil
	}

	l := &Lease{
		manager: m,
		key:     key,
		runID:   uuid.NewString(),
		run:     res.Run,
	}
	return &Outcome{Lease: l, Run: res.Run}, nil
}

// Get reads the current row of key
func (m *Manager) Get(ctx context.Context, key string) (*models.TaskRun, error) {
	return m.runs.Get(ctx, key)
}

// List reads the rows of keys that exist
func (m *Manager) List(ctx context.Context, keys []string) ([]*models.TaskRun, error) {
	return m.runs.List(ctx, keys)
}

// Lease is a granted hold on a task key
type Lease struct {
	manager *Manager
	key     string
	runID   string
	run     *models.TaskRun
}

// Key is the task key
func (l *Lease) Key() string { return l.key }

// RunID identifies this holder in logs
func (l *Lease) RunID() string { return l.runID }

// Attempt is the attempt number recorded on acquisition
func (l *Lease) Attempt() int { return l.run.Attempt }

// Run is the row as it was when the lease was granted
func (l *Lease) Run() *models.TaskRun { return l.run }

// Logger returns logger annotated with the lease identity
func (l *Lease) Logger(logger *logging.Logger) *logging.Logger {
	return logger.WithFields(map[string]interface{}{
		"task":    l.key,
		"run_id":  l.runID,
		"attempt": l.run.Attempt,
	})
}

// Touch heartbeats the lease. A nil progress keeps the stored checkpoint.
func (l *Lease) Touch(ctx context.Context, progress interface{}) error {
	raw, err := encode(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	return l.manager.runs.Touch(ctx, l.key, raw, l.manager.now())
}

// Succeed releases the lease as successful
func (l *Lease) Succeed(ctx context.Context, result, progress interface{}) error {
	rawResult, err := encode(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	rawProgress, err := encode(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	return l.manager.runs.Succeed(ctx, l.key, rawResult, rawProgress, l.manager.now())
}

// Fail releases the lease as failed and returns when the next acquisition
// will be allowed
func (l *Lease) Fail(ctx context.Context, cause error, progress interface{}) (time.Time, error) {
	rawProgress, err := encode(progress)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to encode progress: %w", err)
	}
	now := l.manager.now()
	next := l.manager.backoff.NextAttemptAt(now, l.run.Attempt)
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := l.manager.runs.Fail(ctx, l.key, msg, &next, rawProgress, now); err != nil {
		return time.Time{}, err
	}
	return next, nil
}

func encode(v interface{}) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	return json.Marshal(v)
}

// Decode unmarshals a stored checkpoint. Anything that is missing or does
// not have the expected shape yields ok=false, meaning "no checkpoint".
func Decode[T any](raw json.RawMessage) (T, bool) {
	var out T
	if len(raw) == 0 {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		var zero T
		return zero, false
	}
	return out, true
}
