package media

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/x-mirror/internal/config"
	apperrors "github.com/x-mirror/internal/errors"
	"github.com/x-mirror/internal/logging"
	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/storage"
)

// ErrEmptyDownload is recorded when a source answers with no content
var ErrEmptyDownload = stderrors.New("empty response")

// Cache mirrors media files below a root directory and records them in the
// store
type Cache struct {
	cfg        config.MediaCacheConfig
	priority   config.MonitorConfig
	root       string
	assets     *storage.MediaRepository
	tweets     *storage.TweetRepository
	downloader Downloader
	now        func() time.Time
}

// NewCache creates a media cache rooted at cfg.RootDir, resolved against the
// working directory.
func NewCache(cfg config.MediaCacheConfig, monitor config.MonitorConfig, store *storage.Store, downloader Downloader) (*Cache, error) {
	root, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media cache root: %w", err)
	}
	if downloader == nil {
		downloader = NewHTTPDownloader(nil, cfg.RequestTimeout())
	}
	return &Cache{
		cfg:        cfg,
		priority:   monitor,
		root:       root,
		assets:     storage.NewMediaRepository(store),
		tweets:     storage.NewTweetRepository(store),
		downloader: downloader,
		now:        time.Now,
	}, nil
}

// SetClock replaces the time source
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Root is the absolute cache directory
func (c *Cache) Root() string {
	return c.root
}

// EnsureRoot creates the cache directory
func (c *Cache) EnsureRoot() error {
	return os.MkdirAll(c.root, 0o755)
}

// ShouldCacheFor reports whether media of username is mirrored during a
// regular fetch
func (c *Cache) ShouldCacheFor(username string) bool {
	if !c.cfg.Enabled {
		return false
	}
	if !c.cfg.CacheForPriorityOnly {
		return true
	}
	return c.priority.IsPriority(username)
}

// TweetResult is the outcome of caching one tweet's media
type TweetResult struct {
	Media       []models.MediaItem
	CachedFiles int
	FailedFiles int
	Changed     bool
}

// CacheTweet mirrors every selectable entry of media. Entries whose download
// fails keep only their remote fields plus the error. The tweet's asset rows
// and links are written in one transaction; the caller persists Media when
// Changed is set.
func (c *Cache) CacheTweet(ctx context.Context, tweetID, username string, media []models.MediaItem, force bool) (*TweetResult, error) {
	result := &TweetResult{Media: media}
	if !c.cfg.Enabled || (!force && !c.ShouldCacheFor(username)) || len(media) == 0 {
		return result, nil
	}
	if err := c.EnsureRoot(); err != nil {
		return nil, fmt.Errorf("failed to create media cache root: %w", err)
	}
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"username": username,
		"tweet_id": tweetID,
	})

	var (
		next   = make([]models.MediaItem, 0, len(media))
		assets = make(map[string]*models.MediaAsset)
		order  []string
		links  []models.TweetMediaLink
	)
	for i, item := range media {
		sourceURL, ok := SelectSourceURL(item, c.cfg.IncludeVideoFiles)
		if !ok {
			next = append(next, item)
			continue
		}

		hash := HashSourceURL(sourceURL)
		ext := GuessExt(item, sourceURL)
		rel := RelativePath(hash, ext)
		abs := filepath.Join(c.root, filepath.FromSlash(rel))
		mediaKey := item.MediaKey
		if mediaKey == "" {
			mediaKey = fmt.Sprintf("%s_%d", kindOrMedia(item), i)
		}
		now := c.now()

		out := item.StripLocal()
		out.SourceURL = sourceURL

		size, err := c.ensureFile(ctx, sourceURL, abs, &result.CachedFiles)
		var cacheErr *string
		if err != nil {
			result.FailedFiles++
			msg := downloadErrorMessage(err)
			cacheErr = &msg
			out.CacheError = msg
			logger.WithFields(map[string]interface{}{
				"media_key":  item.MediaKey,
				"source_url": sourceURL,
				"error":      msg,
			}).Warn("Failed to cache media")
		} else {
			cachedAt := now
			out.LocalPath = rel
			out.LocalURL = LocalURL(rel)
			out.CachedAt = &cachedAt
		}

		asset := &models.MediaAsset{
			SourceHash:     hash,
			SourceURL:      sourceURL,
			MediaType:      string(item.Type),
			MediaKey:       nonEmpty(item.MediaKey),
			FileExt:        ext,
			MimeType:       MimeType(ext),
			RelativePath:   rel,
			FileSize:       size,
			LastAccessedAt: &now,
			CacheError:     cacheErr,
		}
		if size > 0 {
			asset.LastCachedAt = &now
		}
		if _, seen := assets[hash]; !seen {
			order = append(order, hash)
		}
		assets[hash] = asset

		key := mediaKey
		links = append(links, models.TweetMediaLink{
			TweetID:    tweetID,
			SourceHash: hash,
			MediaKey:   &key,
			SortOrder:  i,
		})
		next = append(next, out)
	}

	rows := make([]*models.MediaAsset, 0, len(order))
	for _, h := range order {
		rows = append(rows, assets[h])
	}
	if err := c.assets.SaveTweetMedia(ctx, tweetID, rows, links, c.now()); err != nil {
		return nil, err
	}

	result.Media = next
	result.Changed = !sameMedia(media, next)
	return result, nil
}

// ensureFile downloads sourceURL unless a non-empty file already exists and
// returns the size on disk. An empty download is removed and reported as an
// error.
func (c *Cache) ensureFile(ctx context.Context, sourceURL, abs string, downloaded *int) (int64, error) {
	if info, err := os.Stat(abs); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		return info.Size(), nil
	}
	if _, err := c.downloader.Download(ctx, sourceURL, abs); err != nil {
		return 0, err
	}
	*downloaded++
	info, err := os.Stat(abs)
	if err != nil {
		return 0, err
	}
	if info.Size() == 0 {
		_ = os.Remove(abs)
		return 0, ErrEmptyDownload
	}
	return info.Size(), nil
}

// Resolve maps a cache-relative path from the read endpoint onto the disk,
// rejecting anything that escapes the root. The returned relative path is
// the cleaned, slash separated form stored on asset rows.
func (c *Cache) Resolve(relativePath string) (abs string, rel string, err error) {
	if relativePath == "" || strings.Contains(relativePath, "..") || strings.ContainsRune(relativePath, 0) {
		return "", "", apperrors.NewForbiddenPathError(relativePath)
	}
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(relativePath, "/")))
	abs = filepath.Join(c.root, clean)
	within, err := filepath.Rel(c.root, abs)
	if err != nil || within == "." || strings.HasPrefix(within, "..") || filepath.IsAbs(within) {
		return "", "", apperrors.NewForbiddenPathError(relativePath)
	}
	return abs, filepath.ToSlash(within), nil
}

// Open resolves relativePath, checks the file exists and refreshes the
// asset's access time
func (c *Cache) Open(ctx context.Context, relativePath string) (*os.File, os.FileInfo, error) {
	abs, rel, err := c.Resolve(relativePath)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, apperrors.NewNotFoundError("media", rel)
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, apperrors.NewNotFoundError("media", rel)
	}
	if _, err := c.assets.TouchByRelativePath(ctx, rel, c.now()); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to touch media asset")
	}
	return f, info, nil
}

func kindOrMedia(m models.MediaItem) string {
	if m.Type == "" {
		return "media"
	}
	return string(m.Type)
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func downloadErrorMessage(err error) string {
	var catErr *apperrors.CategorizedError
	if stderrors.As(err, &catErr) && catErr.Cause != nil {
		return catErr.Cause.Error()
	}
	return err.Error()
}

func sameMedia(a, b []models.MediaItem) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
