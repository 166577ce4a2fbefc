package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/x-mirror/internal/adapter"
	"github.com/x-mirror/internal/config"
	apperrors "github.com/x-mirror/internal/errors"
	"github.com/x-mirror/internal/logging"
	"github.com/x-mirror/internal/media"
	"github.com/x-mirror/internal/metrics"
	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/ratelimit"
	"github.com/x-mirror/internal/storage"
	"github.com/x-mirror/internal/types"
)

// MediaCacher mirrors the media of one tweet
type MediaCacher interface {
	CacheTweet(ctx context.Context, tweetID, username string, items []models.MediaItem, force bool) (*media.TweetResult, error)
}

// FetchSummary counts the outcome of one fetch run
type FetchSummary struct {
	TotalUsers       int `json:"totalUsers"`
	SuccessUsers     int `json:"successUsers"`
	FailedUsers      int `json:"failedUsers"`
	RateLimitedUsers int `json:"rateLimitedUsers"`
	SkippedUsers     int `json:"skippedRateLimitedUsers"`
	FetchedTweets    int `json:"fetchedTweets"`
}

// IsHardFailure reports a run in which no account succeeded and nothing new
// was stored. A run where every account was skipped on cooldown is not one.
func (s FetchSummary) IsHardFailure() bool {
	if s.TotalUsers == 0 || s.SkippedUsers == s.TotalUsers {
		return false
	}
	return s.SuccessUsers == 0 && s.FetchedTweets == 0
}

// String renders the summary for the run-state read path
func (s FetchSummary) String() string {
	parts := []string{
		fmt.Sprintf("users %d", s.TotalUsers),
		fmt.Sprintf("succeeded %d", s.SuccessUsers),
		fmt.Sprintf("new tweets %d", s.FetchedTweets),
	}
	if s.RateLimitedUsers > 0 {
		parts = append(parts, fmt.Sprintf("rate limited %d", s.RateLimitedUsers))
	}
	if s.SkippedUsers > 0 {
		parts = append(parts, fmt.Sprintf("cooling down %d", s.SkippedUsers))
	}
	if s.FailedUsers > 0 {
		parts = append(parts, fmt.Sprintf("failed %d", s.FailedUsers))
	}
	return strings.Join(parts, " · ")
}

// FetchProgress is the checkpoint reported after each account
type FetchProgress struct {
	FetchSummary
	ProcessedUsers int    `json:"processedUsers"`
	Username       string `json:"username,omitempty"`
}

// FetchService runs the incremental per-account fetch
type FetchService struct {
	provider   adapter.AccountProvider
	users      *storage.UserRepository
	tweets     *storage.TweetRepository
	refs       *storage.RefRepository
	rateLimits *storage.RateLimitRepository
	identities *storage.IdentityCache
	media      MediaCacher
	monitor    config.MonitorConfig
	metrics    *metrics.Metrics
	now        func() time.Time
}

// FetchServiceConfig wires a FetchService. Identities, Media and Metrics are
// optional.
type FetchServiceConfig struct {
	Provider   adapter.AccountProvider
	Store      *storage.Store
	Identities *storage.IdentityCache
	Media      MediaCacher
	Monitor    config.MonitorConfig
	Metrics    *metrics.Metrics
}

// NewFetchService creates a fetch service
func NewFetchService(cfg FetchServiceConfig) *FetchService {
	return &FetchService{
		provider:   cfg.Provider,
		users:      storage.NewUserRepository(cfg.Store),
		tweets:     storage.NewTweetRepository(cfg.Store),
		refs:       storage.NewRefRepository(cfg.Store),
		rateLimits: storage.NewRateLimitRepository(cfg.Store),
		identities: cfg.Identities,
		media:      cfg.Media,
		monitor:    cfg.Monitor,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
}

// SetClock overrides the time source
func (s *FetchService) SetClock(now func() time.Time) {
	s.now = now
}

// FetchForUsernames processes usernames in windows of the configured
// concurrency. Every account of a window settles before the next window
// starts, and a failing account never aborts its siblings. onProgress is
// called after every account, serialized.
func (s *FetchService) FetchForUsernames(ctx context.Context, usernames []string, onProgress func(FetchProgress)) (*FetchSummary, error) {
	logger := logging.FromContext(ctx).WithComponent("fetch")
	summary := &FetchSummary{TotalUsers: len(usernames)}
	processed := 0

	if n, err := s.rateLimits.CleanupExpired(ctx, s.now()); err != nil {
		logger.WithError(err).Warn("Failed to clean up expired cooldowns")
	} else if n > 0 {
		logger.WithField("removed", n).Debug("Removed expired cooldowns")
	}

	width := s.monitor.Concurrency
	if width < 1 {
		width = 1
	}

	var mu sync.Mutex
	record := func(username, outcome string, fetched int) {
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case metrics.OutcomeSuccess:
			summary.SuccessUsers++
			summary.FetchedTweets += fetched
		case metrics.OutcomeRateLimited:
			summary.RateLimitedUsers++
		case metrics.OutcomeSkipped:
			summary.SkippedUsers++
		default:
			summary.FailedUsers++
		}
		processed++
		s.metrics.FetchAccount(outcome)
		s.metrics.FetchedTweets(fetched)
		if onProgress != nil {
			onProgress(FetchProgress{FetchSummary: *summary, ProcessedUsers: processed, Username: username})
		}
	}

	for start := 0; start < len(usernames); start += width {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		end := start + width
		if end > len(usernames) {
			end = len(usernames)
		}

		var wg sync.WaitGroup
		for _, username := range usernames[start:end] {
			wg.Add(1)
			go func(username string) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						logger.WithFields(map[string]interface{}{
							"username": username,
							"panic":    fmt.Sprint(r),
							"stack":    string(debug.Stack()),
						}).Error("Account fetch panicked")
						record(username, metrics.OutcomeFailed, 0)
					}
				}()
				outcome, fetched := s.fetchOne(ctx, username)
				record(username, outcome, fetched)
			}(username)
		}
		wg.Wait()
	}
	return summary, nil
}

// fetchOne runs the per-account algorithm and reports its outcome. Errors are
// logged and classified here; none escape.
func (s *FetchService) fetchOne(ctx context.Context, raw string) (string, int) {
	username := config.NormalizeUsername(raw)
	key := strings.ToLower(username)
	logger := logging.FromContext(ctx).WithComponent("fetch").WithField("username", username)
	if s.monitor.IsPriority(username) {
		ctx = ratelimit.WithPriority(ctx, ratelimit.PriorityHigh)
	}

	blockedUntil, err := s.rateLimits.Get(ctx, key, s.now())
	if err != nil {
		logger.WithError(err).Error("Failed to read cooldown")
		return metrics.OutcomeFailed, 0
	}
	if blockedUntil != nil {
		logger.WithField("retry_at", blockedUntil.UTC().Format(time.RFC3339)).Info("Account is cooling down, skipping")
		return metrics.OutcomeSkipped, 0
	}

	fetched, err := s.fetchAccount(ctx, username, logger)
	if err == nil {
		if err := s.rateLimits.Clear(ctx, key); err != nil {
			logger.WithError(err).Warn("Failed to clear cooldown")
		}
		if fetched > 0 {
			logger.WithField("count", fetched).Info("Stored new tweets")
		} else {
			logger.Debug("No new tweets")
		}
		return metrics.OutcomeSuccess, fetched
	}

	var rl *adapter.RateLimitError
	if errors.As(err, &rl) {
		now := s.now()
		until := CooldownUntil(rl, now)
		msg := rl.Message
		if msg == "" {
			msg = rl.Error()
		}
		if setErr := s.rateLimits.Set(ctx, key, until, msg, now); setErr != nil {
			logger.WithError(setErr).Error("Failed to record cooldown")
		}
		logger.WithFields(map[string]interface{}{
			"retry_at": until.UTC().Format(time.RFC3339),
			"error":    msg,
		}).Warn("Account rate limited, cooling down")
		return metrics.OutcomeRateLimited, 0
	}

	var ae *adapter.AdapterError
	if errors.As(err, &ae) {
		err = apperrors.NewUpstreamError(ae.Op, ae.StatusCode, err)
	}
	logger.WithError(err).WithField("retryable", apperrors.IsRetryable(err)).Error("Failed to fetch account")
	return metrics.OutcomeFailed, 0
}

func (s *FetchService) resolve(ctx context.Context, username string, logger *logging.Logger) (*adapter.Account, error) {
	if s.identities != nil {
		id, ok, err := s.identities.Get(ctx, username)
		if err != nil {
			logger.WithError(err).Debug("Identity cache unavailable")
		} else if ok {
			account := &adapter.Account{ID: id.ID, Username: id.Username, Name: id.Name}
			if id.AvatarURL != nil {
				account.AvatarURL = *id.AvatarURL
			}
			return account, nil
		}
	}

	account, err := s.provider.ResolveAccount(ctx, username)
	if err != nil {
		if errors.Is(err, adapter.ErrAccountNotFound) {
			if _, setErr := s.users.SetMonitorStatusByUsername(ctx, username, types.MonitorBlockedOrNotFound, storage.MonitorChange{
				At:     s.now(),
				Source: "fetch",
				Reason: err.Error(),
			}); setErr != nil {
				logger.WithError(setErr).Warn("Failed to mark account as not found")
			}
			if s.identities != nil {
				_ = s.identities.Invalidate(ctx, username)
			}
		}
		return nil, fmt.Errorf("resolve %s: %w", username, err)
	}

	if s.identities != nil {
		if err := s.identities.Put(ctx, &storage.Identity{
			ID:        account.ID,
			Username:  account.Username,
			Name:      account.Name,
			AvatarURL: optString(account.AvatarURL),
		}); err != nil {
			logger.WithError(err).Debug("Failed to cache identity")
		}
	}
	return account, nil
}

func (s *FetchService) fetchAccount(ctx context.Context, username string, logger *logging.Logger) (int, error) {
	account, err := s.resolve(ctx, username, logger)
	if err != nil {
		return 0, err
	}

	now := s.now()
	if err := s.users.Upsert(ctx, &models.User{
		ID:         account.ID,
		Username:   account.Username,
		Name:       account.Name,
		AvatarURL:  optString(account.AvatarURL),
		LastSeenAt: now,
	}); err != nil {
		return 0, err
	}
	if _, err := s.users.SetMonitorStatusByID(ctx, account.ID, types.MonitorActive, storage.MonitorChange{
		At:     now,
		Source: s.monitor.Mode,
	}); err != nil {
		return 0, err
	}

	sinceID, err := s.users.GetLastTweetID(ctx, account.ID)
	if err != nil {
		return 0, err
	}
	timeline, err := s.provider.FetchTimelineSince(ctx, account.ID, sinceID, s.monitor.MaxPerUser)
	if err != nil {
		return 0, err
	}
	if len(timeline.Items) == 0 {
		return 0, nil
	}

	captured := now.UTC().Format(time.RFC3339Nano)
	tweets := make([]*models.Tweet, 0, len(timeline.Items))
	for _, item := range timeline.Items {
		p := item.Post
		tweets = append(tweets, &models.Tweet{
			ID:                     p.ID,
			UserID:                 account.ID,
			Text:                   p.Text,
			CreatedAt:              optString(p.CreatedAt),
			Lang:                   optString(p.Lang),
			Media:                  item.Media,
			Entities:               p.Entities,
			Raw:                    p.Raw,
			IngestSource:           types.IngestDirect,
			CapturedAt:             &captured,
			MonitorStatusAtCapture: types.MonitorActive,
		})
	}
	if err := s.tweets.SaveTweets(ctx, tweets); err != nil {
		return 0, err
	}

	if err := s.storeReferences(ctx, timeline, now); err != nil {
		return 0, err
	}

	newest := ""
	for _, t := range tweets {
		if newerID(t.ID, newest) {
			newest = t.ID
		}
	}
	if err := s.users.SetLastTweetID(ctx, account.ID, newest); err != nil {
		return 0, err
	}

	s.cacheMedia(ctx, account.Username, timeline.Items, logger)
	return len(tweets), nil
}

func (s *FetchService) storeReferences(ctx context.Context, timeline *adapter.Timeline, now time.Time) error {
	var all []models.TweetRef
	for _, item := range timeline.Items {
		refs := ExtractReferences(item.Post)
		if err := s.refs.ReplaceTweetRefs(ctx, item.Post.ID, refs, now); err != nil {
			return err
		}
		all = append(all, refs...)
	}
	snapshots, missing := refSnapshots(all, timeline)
	if err := s.refs.UpsertRefTweets(ctx, snapshots, now); err != nil {
		return err
	}
	return s.refs.InsertRefPlaceholders(ctx, missing, storage.NotIncludedReason, now)
}

// cacheMedia hands tweet media to the cache. Failures only cost the cached
// copy, so they are logged and never fail the account.
func (s *FetchService) cacheMedia(ctx context.Context, username string, items []adapter.TimelineItem, logger *logging.Logger) {
	if s.media == nil {
		return
	}
	for _, item := range items {
		if len(item.Media) == 0 {
			continue
		}
		res, err := s.media.CacheTweet(ctx, item.Post.ID, username, item.Media, false)
		if err != nil {
			logger.WithError(err).WithField("tweet_id", item.Post.ID).Warn("Failed to cache tweet media")
			continue
		}
		s.metrics.MediaFiles(res.CachedFiles, res.FailedFiles)
		if res.Changed {
			if err := s.tweets.UpdateMediaJSON(ctx, item.Post.ID, res.Media); err != nil {
				logger.WithError(err).WithField("tweet_id", item.Post.ID).Warn("Failed to update tweet media")
			}
		}
	}
}

// newerID compares numeric post ids without parsing them
func newerID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}
