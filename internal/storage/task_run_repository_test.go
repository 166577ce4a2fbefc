package storage

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-mirror/internal/types"
)

const defaultStale = 10 * time.Minute

func nowMs() time.Time {
	return time.UnixMilli(time.Now().UnixMilli()).UTC()
}

func TestTaskRunRepository_AcquireCreatesRow(t *testing.T) {
	store := newTestStore(t)
	repo := NewTaskRunRepository(store)
	ctx := testContext(t)
	now := nowMs()

	res, err := repo.Acquire(ctx, "job", AcquireParams{
		Now:        now,
		StaleAfter: defaultStale,
		Payload:    json.RawMessage(`{"limit":5}`),
	})
	require.NoError(t, err)
	require.True(t, res.Acquired)

	run := res.Run
	assert.Equal(t, types.TaskRunning, run.Status)
	assert.Equal(t, 1, run.Attempt)
	assert.JSONEq(t, `{"limit":5}`, string(run.Payload))
	assert.Nil(t, run.Progress)
	require.NotNil(t, run.HeartbeatAt)
	assert.True(t, run.HeartbeatAt.Equal(now))
	require.NotNil(t, run.StartedAt)
	assert.Nil(t, run.FinishedAt)
	assert.Nil(t, run.NextRetryAt)
}

func TestTaskRunRepository_DeniesLiveHolder(t *testing.T) {
	store := newTestStore(t)
	repo := NewTaskRunRepository(store)
	ctx := testContext(t)
	now := nowMs()

	_, err := repo.Acquire(ctx, "job", AcquireParams{Now: now, StaleAfter: defaultStale})
	require.NoError(t, err)

	res, err := repo.Acquire(ctx, "job", AcquireParams{Now: now.Add(time.Minute), StaleAfter: defaultStale})
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, DenyRunning, res.Reason)
	assert.Equal(t, 1, res.Run.Attempt)
}

func TestTaskRunRepository_TakesOverStaleHolder(t *testing.T) {
	store := newTestStore(t)
	repo := NewTaskRunRepository(store)
	ctx := testContext(t)
	now := nowMs()

	_, err := repo.Acquire(ctx, "job", AcquireParams{
		Now:        now,
		StaleAfter: defaultStale,
		Progress:   json.RawMessage(`{"offset":200}`),
	})
	require.NoError(t, err)

	later := now.Add(defaultStale + time.Second)
	res, err := repo.Acquire(ctx, "job", AcquireParams{Now: later, StaleAfter: defaultStale})
	require.NoError(t, err)
	require.True(t, res.Acquired)
	assert.Equal(t, 2, res.Run.Attempt)
	assert.JSONEq(t, `{"offset":200}`, string(res.Run.Progress), "progress survives takeover")
}

func TestTaskRunRepository_HeartbeatAtBoundaryIsLive(t *testing.T) {
	store := newTestStore(t)
	repo := NewTaskRunRepository(store)
	ctx := testContext(t)
	now := nowMs()

	_, err := repo.Acquire(ctx, "job", AcquireParams{Now: now, StaleAfter: defaultStale})
	require.NoError(t, err)

	res, err := repo.Acquire(ctx, "job", AcquireParams{Now: now.Add(defaultStale), StaleAfter: defaultStale})
	require.NoError(t, err)
	assert.False(t, res.Acquired)
}

func TestTaskRunRepository_TouchKeepsLeaseAlive(t *testing.T) {
	store := newTestStore(t)
	repo := NewTaskRunRepository(store)
	ctx := testContext(t)
	now := nowMs()

	_, err := repo.Acquire(ctx, "job", AcquireParams{Now: now, StaleAfter: defaultStale})
	require.NoError(t, err)

	touched := now.Add(8 * time.Minute)
	require.NoError(t, repo.Touch(ctx, "job", json.RawMessage(`{"offset":100}`), touched))
	require.NoError(t, repo.Touch(ctx, "job", nil, touched))

	run, err := repo.Get(ctx, "job")
	require.NoError(t, err)
	assert.JSONEq(t, `{"offset":100}`, string(run.Progress), "nil progress keeps the stored value")

	res, err := repo.Acquire(ctx, "job", AcquireParams{Now: now.Add(defaultStale + time.Minute), StaleAfter: defaultStale})
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, DenyRunning, res.Reason)
}

func TestTaskRunRepository_FailSetsRetryWindow(t *testing.T) {
	store := newTestStore(t)
	repo := NewTaskRunRepository(store)
	ctx := testContext(t)
	now := nowMs()

	_, err := repo.Acquire(ctx, "job", AcquireParams{Now: now, StaleAfter: defaultStale})
	require.NoError(t, err)

	retryAt := now.Add(time.Minute)
	require.NoError(t, repo.Fail(ctx, "job", "boom", &retryAt, json.RawMessage(`{"offset":42}`), now))

	run, err := repo.Get(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, run.Status)
	require.NotNil(t, run.LastError)
	assert.Equal(t, "boom", *run.LastError)
	require.NotNil(t, run.FinishedAt)

	res, err := repo.Acquire(ctx, "job", AcquireParams{Now: now.Add(30 * time.Second), StaleAfter: defaultStale})
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, DenyRetryWait, res.Reason)

	forced, err := repo.Acquire(ctx, "job", AcquireParams{
		Now:               now.Add(30 * time.Second),
		StaleAfter:        defaultStale,
		IgnoreRetryWindow: true,
	})
	require.NoError(t, err)
	require.True(t, forced.Acquired)
	assert.Equal(t, 2, forced.Run.Attempt)
	assert.Nil(t, forced.Run.LastError)
	assert.Nil(t, forced.Run.NextRetryAt)
	assert.JSONEq(t, `{"offset":42}`, string(forced.Run.Progress))
}

func TestTaskRunRepository_ResetProgress(t *testing.T) {
	store := newTestStore(t)
	repo := NewTaskRunRepository(store)
	ctx := testContext(t)
	now := nowMs()

	_, err := repo.Acquire(ctx, "job", AcquireParams{Now: now, StaleAfter: defaultStale, Progress: json.RawMessage(`{"offset":1}`)})
	require.NoError(t, err)
	require.NoError(t, repo.Succeed(ctx, "job", json.RawMessage(`{"ok":true}`), nil, now))

	run, err := repo.Get(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, types.TaskSuccess, run.Status)
	assert.JSONEq(t, `{"ok":true}`, string(run.Result))
	assert.JSONEq(t, `{"offset":1}`, string(run.Progress))

	res, err := repo.Acquire(ctx, "job", AcquireParams{Now: now.Add(time.Second), StaleAfter: defaultStale, ResetProgress: true})
	require.NoError(t, err)
	require.True(t, res.Acquired)
	assert.Nil(t, res.Run.Progress)
}

func TestTaskRunRepository_ConcurrentAcquireGrantsOne(t *testing.T) {
	store := newTestStore(t)
	repo := NewTaskRunRepository(store)
	ctx := testContext(t)
	now := nowMs()

	const contenders = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := repo.Acquire(ctx, "job", AcquireParams{Now: now, StaleAfter: defaultStale})
			if err != nil {
				t.Error(err)
				return
			}
			if res.Acquired {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted)
}

func TestTaskRunRepository_GetAndList(t *testing.T) {
	store := newTestStore(t)
	repo := NewTaskRunRepository(store)
	ctx := testContext(t)

	_, err := repo.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	for _, key := range []string{"b", "a"} {
		_, err := repo.Acquire(ctx, key, AcquireParams{Now: nowMs(), StaleAfter: defaultStale})
		require.NoError(t, err)
	}

	runs, err := repo.List(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].TaskKey)
	assert.Equal(t, "b", runs[1].TaskKey)

	none, err := repo.List(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}
