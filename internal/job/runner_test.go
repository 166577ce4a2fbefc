package job

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-mirror/internal/lease"
	"github.com/x-mirror/internal/media"
	"github.com/x-mirror/internal/metrics"
	"github.com/x-mirror/internal/service"
	"github.com/x-mirror/internal/storage"
	"github.com/x-mirror/internal/types"
)

type fakeRoster struct {
	usernames []string
	synced    int
}

func (f *fakeRoster) ResolveRoster(ctx context.Context) *service.Roster {
	return &service.Roster{Usernames: f.usernames, Source: service.SourceStatic}
}

func (f *fakeRoster) Sync(ctx context.Context, roster *service.Roster) (int, error) {
	f.synced++
	return 0, nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	summary service.FetchSummary
	got     [][]string
}

func (f *fakeFetcher) FetchForUsernames(ctx context.Context, usernames []string, onProgress func(service.FetchProgress)) (*service.FetchSummary, error) {
	f.mu.Lock()
	f.got = append(f.got, usernames)
	f.mu.Unlock()
	s := f.summary
	s.TotalUsers = len(usernames)
	onProgress(service.FetchProgress{FetchSummary: s, ProcessedUsers: len(usernames)})
	return &s, nil
}

type fakeMedia struct {
	fail    bool
	panics  bool
	resumes []*media.BackfillProgress
}

func (f *fakeMedia) Backfill(ctx context.Context, params media.BackfillParams, resume *media.BackfillProgress, onProgress func(media.BackfillProgress) error) (*media.BackfillSummary, error) {
	f.resumes = append(f.resumes, resume)
	offset := 0
	if resume != nil {
		offset = resume.Offset
	}
	offset += 100
	p := media.BackfillProgress{Offset: offset, ScannedTweets: offset, Limit: params.Limit, Usernames: params.Usernames, Running: true}
	if err := onProgress(p); err != nil {
		return nil, err
	}
	if f.fail {
		return nil, errors.New("disk full")
	}
	p.Running = false
	if err := onProgress(p); err != nil {
		return nil, err
	}
	return &media.BackfillSummary{ScannedTweets: offset, UpdatedTweets: 3, CachedFiles: 4, Offset: offset}, nil
}

func (f *fakeMedia) Cleanup(ctx context.Context) (*media.CleanupSummary, error) {
	if f.panics {
		panic("nil asset")
	}
	return &media.CleanupSummary{ScannedAssets: 5}, nil
}

type fixture struct {
	runner  *Runner
	leases  *lease.Manager
	roster  *fakeRoster
	fetcher *fakeFetcher
	media   *fakeMedia
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	require.NoError(t, storage.RunMigrations("sqlite://"+path))
	store, err := storage.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		leases:  lease.NewManager(storage.NewTaskRunRepository(store), 10*time.Minute, time.Minute),
		roster:  &fakeRoster{usernames: []string{"alice", "bob"}},
		fetcher: &fakeFetcher{summary: service.FetchSummary{SuccessUsers: 2, FetchedTweets: 7}},
		media:   &fakeMedia{},
	}
	f.runner = NewRunner(Config{
		Leases:  f.leases,
		Roster:  f.roster,
		Fetch:   f.fetcher,
		Media:   f.media,
		Metrics: metrics.New(),
	})
	t.Cleanup(f.runner.Stop)
	return f
}

func TestRunner_FetchSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rep, err := f.runner.Run(ctx, Request{Task: types.TaskFetch})
	require.NoError(t, err)
	require.True(t, rep.Outcome.Granted())
	assert.Equal(t, "users 2 · succeeded 2 · new tweets 7", rep.Summary)
	assert.Equal(t, 1, f.roster.synced)

	run, err := f.leases.Get(ctx, types.TaskFetch)
	require.NoError(t, err)
	assert.Equal(t, types.TaskSuccess, run.Status)
	res, ok := lease.Decode[FetchResult](run.Result)
	require.True(t, ok)
	assert.Equal(t, 7, res.FetchedTweets)
	assert.Equal(t, service.SourceStatic, res.Source)
}

func TestRunner_FetchHardFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	f.fetcher.summary = service.FetchSummary{FailedUsers: 2}
	ctx := context.Background()

	rep, err := f.runner.Run(ctx, Request{Task: types.TaskFetch})
	require.NoError(t, err)
	assert.Contains(t, rep.Summary, "failed 2")

	run, err := f.leases.Get(ctx, types.TaskFetch)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, run.Status)
	require.NotNil(t, run.NextRetryAt)
	require.NotNil(t, run.LastError)

	// a scheduled tick waits out the retry window, a manual trigger does not
	rep, err = f.runner.Run(ctx, Request{Task: types.TaskFetch})
	require.NoError(t, err)
	assert.Equal(t, storage.DenyRetryWait, rep.Outcome.Reason)

	rep, err = f.runner.Run(ctx, Request{Task: types.TaskFetch, Manual: true})
	require.NoError(t, err)
	assert.True(t, rep.Outcome.Granted())
}

func TestRunner_ExplicitUsernamesSkipRoster(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Run(context.Background(), Request{Task: types.TaskFetch, Usernames: []string{"carol"}})
	require.NoError(t, err)
	assert.Equal(t, 0, f.roster.synced)
	assert.Equal(t, [][]string{{"carol"}}, f.fetcher.got)
}

func TestRunner_SubmitDeniedWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	held, err := f.leases.Acquire(ctx, types.TaskFetch, lease.Options{})
	require.NoError(t, err)
	require.True(t, held.Granted())

	rep, err := f.runner.Submit(ctx, Request{Task: types.TaskFetch, Manual: true})
	require.NoError(t, err)
	assert.False(t, rep.Outcome.Granted())
	assert.Equal(t, storage.DenyRunning, rep.Outcome.Reason)
	f.runner.Wait()
	assert.Empty(t, f.fetcher.got)
}

func TestRunner_SubmitRunsInBackground(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rep, err := f.runner.Submit(ctx, Request{Task: types.TaskMediaCleanup, Manual: true})
	require.NoError(t, err)
	require.True(t, rep.Outcome.Granted())
	f.runner.Wait()

	run, err := f.leases.Get(ctx, types.TaskMediaCleanup)
	require.NoError(t, err)
	assert.Equal(t, types.TaskSuccess, run.Status)
	res, ok := lease.Decode[CleanupResult](run.Result)
	require.True(t, ok)
	assert.Equal(t, "scanned assets 5 · nothing to delete", res.Summary)
}

func TestRunner_PanickingTaskFailsLease(t *testing.T) {
	f := newFixture(t)
	f.media.panics = true
	ctx := context.Background()

	rep, err := f.runner.Submit(ctx, Request{Task: types.TaskMediaCleanup, Manual: true})
	require.NoError(t, err)
	require.True(t, rep.Outcome.Granted())
	f.runner.Wait()

	run, err := f.leases.Get(ctx, types.TaskMediaCleanup)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, run.Status)
	require.NotNil(t, run.LastError)
	assert.Contains(t, *run.LastError, "nil asset")
	require.NotNil(t, run.NextRetryAt)

	_, err = f.runner.Run(ctx, Request{Task: types.TaskMediaCleanup, Manual: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestRunner_SubmitAfterStop(t *testing.T) {
	f := newFixture(t)
	f.runner.Stop()
	_, err := f.runner.Submit(context.Background(), Request{Task: types.TaskFetch})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRunner_BackfillResumesOnlyWithSameParams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := media.BackfillParams{Usernames: []string{"@Alice"}, Limit: 500}

	f.media.fail = true
	_, err := f.runner.Run(ctx, Request{Task: types.TaskMediaBackfill, Backfill: params, Manual: true})
	require.Error(t, err)

	interrupted, ok := f.runner.InterruptedBackfill(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"Alice"}, interrupted.Usernames)

	f.media.fail = false
	rep, err := f.runner.Run(ctx, Request{Task: types.TaskMediaBackfill, Backfill: params, Manual: true})
	require.NoError(t, err)
	require.Len(t, f.media.resumes, 2)
	require.NotNil(t, f.media.resumes[1])
	assert.Equal(t, 100, f.media.resumes[1].Offset)
	assert.Equal(t, "scanned 200 · updated 3 · cached files 4", rep.Summary)

	_, ok = f.runner.InterruptedBackfill(ctx)
	assert.False(t, ok, "a finished backfill is not resumed")

	// a different request starts over
	f.media.fail = true
	_, _ = f.runner.Run(ctx, Request{Task: types.TaskMediaBackfill, Backfill: params, Manual: true})
	_, err = f.runner.Run(ctx, Request{Task: types.TaskMediaBackfill, Backfill: media.BackfillParams{Limit: 500}, Manual: true})
	require.Error(t, err)
	require.Len(t, f.media.resumes, 4)
	assert.Nil(t, f.media.resumes[3])
}

func TestRunner_UnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Run(context.Background(), Request{Task: "reindex"})
	assert.Error(t, err)
}

func TestSummaryStrings(t *testing.T) {
	assert.Equal(t, "scanned 10 · updated 2 · cached files 3 · failed 1",
		BackfillSummaryString(&media.BackfillSummary{ScannedTweets: 10, UpdatedTweets: 2, CachedFiles: 3, FailedFiles: 1}))
	assert.Equal(t, "scanned assets 9 · deleted assets 2 · deleted files 2 · released 2.0 MB · expired 1 · over capacity 1 · updated tweets 3",
		CleanupSummaryString(&media.CleanupSummary{
			ScannedAssets: 9, DeletedAssets: 2, DeletedFiles: 2, ReleasedBytes: 2 * 1024 * 1024,
			TTLEvictions: 1, CapacityEvictions: 1, UpdatedTweets: 3,
		}))
}
