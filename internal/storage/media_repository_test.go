package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-mirror/internal/models"
)

func testAsset(hash string, size int64, accessed *time.Time) *models.MediaAsset {
	return &models.MediaAsset{
		SourceHash:     hash,
		SourceURL:      "https://pbs/" + hash + ".jpg",
		MediaType:      "photo",
		FileExt:        "jpg",
		MimeType:       "image/jpeg",
		RelativePath:   hash[:2] + "/" + hash + ".jpg",
		FileSize:       size,
		LastAccessedAt: accessed,
	}
}

func seedTweet(t *testing.T, store *Store, id string) {
	t.Helper()
	require.NoError(t, NewTweetRepository(store).SaveTweets(testContext(t), []*models.Tweet{{
		ID: id, UserID: "1", Text: "t" + id,
		Media: []models.MediaItem{photo("https://pbs/" + id + ".jpg")},
	}}))
}

func TestMediaRepository_SaveTweetMediaReplacesLinks(t *testing.T) {
	store := newTestStore(t)
	repo := NewMediaRepository(store)
	ctx := testContext(t)
	seedUser(t, store, "1", "alice")
	seedTweet(t, store, "10")
	now := nowMs()

	a, b := testAsset("aa11", 100, &now), testAsset("bb22", 200, &now)
	require.NoError(t, repo.SaveTweetMedia(ctx, "10", []*models.MediaAsset{a, b}, []models.TweetMediaLink{
		{SourceHash: "aa11", MediaKey: strPtr("k1"), SortOrder: 0},
		{SourceHash: "bb22", SortOrder: 1},
	}, now))

	links, err := repo.ListLinksByHashes(ctx, []string{"aa11", "bb22"})
	require.NoError(t, err)
	require.Len(t, links, 2)

	// second save drops the link to bb22 but keeps the asset row
	require.NoError(t, repo.SaveTweetMedia(ctx, "10", []*models.MediaAsset{a}, []models.TweetMediaLink{
		{SourceHash: "aa11", SortOrder: 0},
	}, now.Add(time.Minute)))

	links, err = repo.ListLinksByHashes(ctx, []string{"aa11", "bb22"})
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "aa11", links[0].SourceHash)

	assets, err := repo.ListAssets(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.True(t, assets[0].CreatedAt.Equal(now), "created_at survives upserts")
	assert.True(t, assets[0].UpdatedAt.Equal(now.Add(time.Minute)))

	count, bytes, err := repo.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(300), bytes)
}

func TestMediaRepository_ApplyEviction(t *testing.T) {
	store := newTestStore(t)
	repo := NewMediaRepository(store)
	tweets := NewTweetRepository(store)
	ctx := testContext(t)
	seedUser(t, store, "1", "alice")
	seedTweet(t, store, "10")
	now := nowMs()

	require.NoError(t, repo.SaveTweetMedia(ctx, "10", []*models.MediaAsset{testAsset("aa11", 100, &now)},
		[]models.TweetMediaLink{{SourceHash: "aa11"}}, now))

	stripped := []models.MediaItem{photo("https://pbs/10.jpg")}
	require.NoError(t, repo.ApplyEviction(ctx, map[string][]models.MediaItem{"10": stripped}, []string{"aa11"}))

	assets, err := repo.ListAssets(ctx)
	require.NoError(t, err)
	assert.Empty(t, assets)

	links, err := repo.ListLinksByHashes(ctx, []string{"aa11"})
	require.NoError(t, err)
	assert.Empty(t, links)

	media, err := tweets.GetMediaByIDs(ctx, []string{"10"})
	require.NoError(t, err)
	require.Len(t, media["10"], 1)
	assert.False(t, media["10"][0].IsCached())
}

func TestMediaRepository_TouchByRelativePath(t *testing.T) {
	store := newTestStore(t)
	repo := NewMediaRepository(store)
	ctx := testContext(t)
	seedUser(t, store, "1", "alice")
	seedTweet(t, store, "10")
	now := nowMs()

	require.NoError(t, repo.SaveTweetMedia(ctx, "10", []*models.MediaAsset{testAsset("aa11", 100, nil)}, nil, now))

	later := now.Add(time.Hour)
	found, err := repo.TouchByRelativePath(ctx, "aa/aa11.jpg", later)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = repo.TouchByRelativePath(ctx, "zz/none.jpg", later)
	require.NoError(t, err)
	assert.False(t, found)

	assets, err := repo.ListAssets(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.NotNil(t, assets[0].LastAccessedAt)
	assert.True(t, assets[0].LastAccessedAt.Equal(later))
}

func TestChunkStrings(t *testing.T) {
	assert.Nil(t, chunkStrings(nil, 2))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunkStrings([]string{"a", "b", "c"}, 2))
}
