package media

import (
	"context"

	"github.com/x-mirror/internal/config"
)

const (
	// BackfillPageSize is the number of tweets scanned per page
	BackfillPageSize = 100
	// DefaultBackfillLimit applies when no limit is requested
	DefaultBackfillLimit = 500
	// MaxBackfillLimit caps a single backfill run
	MaxBackfillLimit = 5000
)

// ClampBackfillLimit maps a requested limit into [1, MaxBackfillLimit],
// using the default for zero
func ClampBackfillLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultBackfillLimit
	case limit < 1:
		return 1
	case limit > MaxBackfillLimit:
		return MaxBackfillLimit
	}
	return limit
}

// BackfillParams are the job parameters of a backfill run
type BackfillParams struct {
	Usernames []string `json:"usernames"`
	Limit     int      `json:"limit"`
	Force     bool     `json:"force"`
}

// Normalize cleans usernames and clamps the limit
func (p BackfillParams) Normalize() BackfillParams {
	p.Usernames = config.NormalizeUsernames(p.Usernames)
	if p.Usernames == nil {
		p.Usernames = []string{}
	}
	p.Limit = ClampBackfillLimit(p.Limit)
	return p
}

// BackfillProgress is the checkpoint persisted while a backfill runs
type BackfillProgress struct {
	Offset        int      `json:"offset"`
	ScannedTweets int      `json:"scannedTweets"`
	UpdatedTweets int      `json:"updatedTweets"`
	CachedFiles   int      `json:"cachedFiles"`
	FailedFiles   int      `json:"failedFiles"`
	Limit         int      `json:"limit"`
	Usernames     []string `json:"usernames"`
	Force         bool     `json:"force"`
	Running       bool     `json:"running"`
}

// BackfillSummary is the result of a backfill run
type BackfillSummary struct {
	ScannedTweets int `json:"scannedTweets"`
	UpdatedTweets int `json:"updatedTweets"`
	CachedFiles   int `json:"cachedFiles"`
	FailedFiles   int `json:"failedFiles"`
	Offset        int `json:"offset"`
}

// Backfill re-runs caching over stored tweets with media, newest first, one
// page at a time. Counters start from resume when given, and onProgress is
// called after every page so a crashed run continues at the next page.
// Errors from onProgress abort the run.
func (c *Cache) Backfill(ctx context.Context, params BackfillParams, resume *BackfillProgress, onProgress func(BackfillProgress) error) (*BackfillSummary, error) {
	params = params.Normalize()
	summary := &BackfillSummary{}
	if resume != nil {
		summary.Offset = nonNegative(resume.Offset)
		summary.ScannedTweets = nonNegative(resume.ScannedTweets)
		summary.UpdatedTweets = nonNegative(resume.UpdatedTweets)
		summary.CachedFiles = nonNegative(resume.CachedFiles)
		summary.FailedFiles = nonNegative(resume.FailedFiles)
	}

	emit := func(running bool) error {
		if onProgress == nil {
			return nil
		}
		return onProgress(BackfillProgress{
			Offset:        summary.Offset,
			ScannedTweets: summary.ScannedTweets,
			UpdatedTweets: summary.UpdatedTweets,
			CachedFiles:   summary.CachedFiles,
			FailedFiles:   summary.FailedFiles,
			Limit:         params.Limit,
			Usernames:     params.Usernames,
			Force:         params.Force,
			Running:       running,
		})
	}
	if err := emit(true); err != nil {
		return nil, err
	}

	for summary.ScannedTweets < params.Limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pageSize := BackfillPageSize
		if left := params.Limit - summary.ScannedTweets; left < pageSize {
			pageSize = left
		}
		rows, err := c.tweets.ListWithMedia(ctx, params.Usernames, pageSize, summary.Offset)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		summary.Offset += len(rows)
		summary.ScannedTweets += len(rows)

		for _, row := range rows {
			if len(row.Media) == 0 {
				continue
			}
			res, err := c.CacheTweet(ctx, row.TweetID, row.Username, row.Media, params.Force)
			if err != nil {
				return nil, err
			}
			summary.CachedFiles += res.CachedFiles
			summary.FailedFiles += res.FailedFiles
			if res.Changed {
				if err := c.tweets.UpdateMediaJSON(ctx, row.TweetID, res.Media); err != nil {
					return nil, err
				}
				summary.UpdatedTweets++
			}
		}
		if err := emit(true); err != nil {
			return nil, err
		}
	}

	if err := emit(false); err != nil {
		return nil, err
	}
	return summary, nil
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
