package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-mirror/internal/config"
	apperrors "github.com/x-mirror/internal/errors"
	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/storage"
	"github.com/x-mirror/internal/types"
)

type fixture struct {
	cache     *Cache
	store     *storage.Store
	server    *httptest.Server
	downloads *int64
	clock     *time.Time
}

func newFixture(t *testing.T, mutate func(*config.MediaCacheConfig)) *fixture {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "mirror.db")
	require.NoError(t, storage.RunMigrations("sqlite://"+dbPath))
	store, err := storage.OpenSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var downloads int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt64(&downloads, 1)
		if strings.Contains(r.URL.Path, "empty") {
			return
		}
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("payload:" + r.URL.Path))
	}))
	t.Cleanup(server.Close)

	cfg := config.MediaCacheConfig{
		Enabled:              true,
		RootDir:              filepath.Join(dir, "media"),
		CacheForPriorityOnly: true,
		RequestTimeoutMs:     5000,
		MaxDiskUsageMB:       100,
		TTLDays:              30,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	monitor := config.MonitorConfig{PriorityUsernames: []string{"alice"}}
	cache, err := NewCache(cfg, monitor, store, NewHTTPDownloader(server.Client(), time.Second))
	require.NoError(t, err)

	clock := time.UnixMilli(time.Now().UnixMilli())
	cache.SetClock(func() time.Time { return clock })

	ctx := context.Background()
	require.NoError(t, storage.NewUserRepository(store).Upsert(ctx, &models.User{
		ID: "1", Username: "alice", Name: "Alice", LastSeenAt: clock, MonitorStatus: types.MonitorActive,
	}))
	require.NoError(t, storage.NewUserRepository(store).Upsert(ctx, &models.User{
		ID: "2", Username: "bob", Name: "Bob", LastSeenAt: clock, MonitorStatus: types.MonitorActive,
	}))
	return &fixture{cache: cache, store: store, server: server, downloads: &downloads, clock: &clock}
}

func (f *fixture) saveTweet(t *testing.T, id, userID string, media ...models.MediaItem) {
	t.Helper()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(len(id)) * time.Hour).Format(time.RFC3339)
	require.NoError(t, storage.NewTweetRepository(f.store).SaveTweets(context.Background(), []*models.Tweet{{
		ID: id, UserID: userID, Text: "t" + id, CreatedAt: &created, Media: media,
	}}))
}

func (f *fixture) photo(name string) models.MediaItem {
	return models.MediaItem{MediaKey: "3_" + name, Type: types.MediaPhoto, URL: f.server.URL + "/" + name + ".jpg"}
}

func TestCacheTweet_DownloadsOnceAndAnnotates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	media := []models.MediaItem{f.photo("a")}
	f.saveTweet(t, "10", "1", media...)

	res, err := f.cache.CacheTweet(ctx, "10", "alice", media, false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 1, res.CachedFiles)
	require.Len(t, res.Media, 1)

	item := res.Media[0]
	hash := HashSourceURL(media[0].URL)
	assert.Equal(t, hash[:2]+"/"+hash+".jpg", item.LocalPath)
	assert.Equal(t, LocalURLPrefix+item.LocalPath, item.LocalURL)
	assert.Equal(t, media[0].URL, item.SourceURL)
	assert.NotNil(t, item.CachedAt)
	assert.FileExists(t, filepath.Join(f.cache.Root(), item.LocalPath))

	again, err := f.cache.CacheTweet(ctx, "10", "alice", media, false)
	require.NoError(t, err)
	assert.Equal(t, 0, again.CachedFiles, "existing file is a hit")
	assert.Equal(t, int64(1), atomic.LoadInt64(f.downloads))

	assets, err := storage.NewMediaRepository(f.store).ListAssets(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "image/jpeg", assets[0].MimeType)
	assert.Greater(t, assets[0].FileSize, int64(0))
	assert.Nil(t, assets[0].CacheError)
}

func TestCacheTweet_FailureLeavesItemRemote(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	media := []models.MediaItem{f.photo("missing")}
	f.saveTweet(t, "10", "1", media...)

	res, err := f.cache.CacheTweet(ctx, "10", "alice", media, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedFiles)
	item := res.Media[0]
	assert.Empty(t, item.LocalPath)
	assert.Empty(t, item.LocalURL)
	assert.Nil(t, item.CachedAt)
	assert.Equal(t, "HTTP 404", item.CacheError)

	assets, err := storage.NewMediaRepository(f.store).ListAssets(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, int64(0), assets[0].FileSize)
	require.NotNil(t, assets[0].CacheError)
}

func TestCacheTweet_EmptyBodyIsAFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	media := []models.MediaItem{f.photo("empty")}
	f.saveTweet(t, "10", "1", media...)

	res, err := f.cache.CacheTweet(ctx, "10", "alice", media, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.CachedFiles)
	assert.Equal(t, 1, res.FailedFiles)
	item := res.Media[0]
	assert.Empty(t, item.LocalPath)
	assert.Empty(t, item.LocalURL)
	assert.Nil(t, item.CachedAt)
	assert.Equal(t, ErrEmptyDownload.Error(), item.CacheError)

	assets, err := storage.NewMediaRepository(f.store).ListAssets(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, int64(0), assets[0].FileSize)
	require.NotNil(t, assets[0].CacheError)
	assert.NoFileExists(t, filepath.Join(f.cache.Root(), assets[0].RelativePath))

	_, err = f.cache.CacheTweet(ctx, "10", "alice", media, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(f.downloads), "an empty file is never a cache hit")
}

func TestCacheTweet_PriorityOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	media := []models.MediaItem{f.photo("b")}
	f.saveTweet(t, "20", "2", media...)

	res, err := f.cache.CacheTweet(ctx, "20", "bob", media, false)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, int64(0), atomic.LoadInt64(f.downloads))

	res, err = f.cache.CacheTweet(ctx, "20", "bob", media, true)
	require.NoError(t, err)
	assert.True(t, res.Changed, "force bypasses the priority list")
}

func TestCleanup_StripsOnlyLocalFields(t *testing.T) {
	f := newFixture(t, func(c *config.MediaCacheConfig) { c.TTLDays = 1 })
	ctx := context.Background()
	tweets := storage.NewTweetRepository(f.store)
	media := []models.MediaItem{f.photo("a")}
	f.saveTweet(t, "10", "1", media...)

	res, err := f.cache.CacheTweet(ctx, "10", "alice", media, false)
	require.NoError(t, err)
	require.NoError(t, tweets.UpdateMediaJSON(ctx, "10", res.Media))

	*f.clock = f.clock.Add(48 * time.Hour)
	summary, err := f.cache.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TTLEvictions)
	assert.Equal(t, 1, summary.DeletedAssets)
	assert.Equal(t, 1, summary.DeletedFiles)
	assert.Equal(t, 1, summary.UpdatedTweets)
	assert.Equal(t, int64(0), summary.DiskUsageAfter)

	stored, err := tweets.GetMediaByIDs(ctx, []string{"10"})
	require.NoError(t, err)
	item := stored["10"][0]
	assert.Equal(t, media[0].URL, item.URL)
	assert.Equal(t, types.MediaPhoto, item.Type)
	assert.Empty(t, item.LocalPath)
	assert.Empty(t, item.LocalURL)
	assert.Nil(t, item.CachedAt)

	assets, err := storage.NewMediaRepository(f.store).ListAssets(ctx)
	require.NoError(t, err)
	assert.Empty(t, assets)
}

func TestCleanup_MissingFilesAreEvicted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	media := []models.MediaItem{f.photo("a")}
	f.saveTweet(t, "10", "1", media...)

	res, err := f.cache.CacheTweet(ctx, "10", "alice", media, false)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(f.cache.Root(), res.Media[0].LocalPath)))

	summary, err := f.cache.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MissingFiles)
	assert.Equal(t, 1, summary.DeletedAssets)
	assert.Equal(t, 0, summary.DeletedFiles)
}

func TestResolve_RejectsTraversal(t *testing.T) {
	f := newFixture(t, nil)

	for _, p := range []string{"", "../secret", "ab/../../etc/passwd", "/../x"} {
		_, _, err := f.cache.Resolve(p)
		require.Error(t, err, p)
		assert.Equal(t, http.StatusForbidden, apperrors.GetHTTPStatusCode(err))
	}

	abs, rel, err := f.cache.Resolve("ab/abc.jpg")
	require.NoError(t, err)
	assert.Equal(t, "ab/abc.jpg", rel)
	assert.Equal(t, filepath.Join(f.cache.Root(), "ab", "abc.jpg"), abs)
}

func TestOpen_TouchesAccessTime(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	media := []models.MediaItem{f.photo("a")}
	f.saveTweet(t, "10", "1", media...)
	res, err := f.cache.CacheTweet(ctx, "10", "alice", media, false)
	require.NoError(t, err)

	*f.clock = f.clock.Add(time.Hour)
	file, info, err := f.cache.Open(ctx, res.Media[0].LocalPath)
	require.NoError(t, err)
	defer file.Close()
	assert.Greater(t, info.Size(), int64(0))

	assets, err := storage.NewMediaRepository(f.store).ListAssets(ctx)
	require.NoError(t, err)
	require.NotNil(t, assets[0].LastAccessedAt)
	assert.True(t, assets[0].LastAccessedAt.Equal(*f.clock))

	_, _, err = f.cache.Open(ctx, "zz/none.jpg")
	assert.Equal(t, http.StatusNotFound, apperrors.GetHTTPStatusCode(err))
}

func TestBackfill_ResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.saveTweet(t, "1", "1", f.photo("p1"))
	f.saveTweet(t, "22", "1", f.photo("p2"))
	f.saveTweet(t, "333", "1", f.photo("p3"))

	var checkpoints []BackfillProgress
	summary, err := f.cache.Backfill(ctx, BackfillParams{Limit: 2}, nil, func(p BackfillProgress) error {
		checkpoints = append(checkpoints, p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ScannedTweets)
	assert.Equal(t, 2, summary.Offset)
	assert.Equal(t, 2, summary.UpdatedTweets)
	require.NotEmpty(t, checkpoints)
	assert.False(t, checkpoints[len(checkpoints)-1].Running)

	resume := &BackfillProgress{Offset: 2, ScannedTweets: 2, CachedFiles: 2}
	summary, err = f.cache.Backfill(ctx, BackfillParams{Limit: 10}, resume, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.ScannedTweets)
	assert.Equal(t, 3, summary.CachedFiles)
	assert.Equal(t, int64(3), atomic.LoadInt64(f.downloads))
}

func TestClampBackfillLimit(t *testing.T) {
	assert.Equal(t, DefaultBackfillLimit, ClampBackfillLimit(0))
	assert.Equal(t, 1, ClampBackfillLimit(-3))
	assert.Equal(t, MaxBackfillLimit, ClampBackfillLimit(99999))
	assert.Equal(t, 42, ClampBackfillLimit(42))
}
