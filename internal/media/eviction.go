package media

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/x-mirror/internal/logging"
	"github.com/x-mirror/internal/models"
)

// PlanAsset is the part of an asset row eviction planning looks at
type PlanAsset struct {
	SourceHash     string
	FileSize       int64
	LastAccessedAt *time.Time
	CreatedAt      *time.Time
}

func (a PlanAsset) recency() int64 {
	switch {
	case a.LastAccessedAt != nil:
		return a.LastAccessedAt.UnixMilli()
	case a.CreatedAt != nil:
		return a.CreatedAt.UnixMilli()
	}
	return 0
}

// Plan is the set of assets to evict and the disk usage around it
type Plan struct {
	ExpiredHashes   []string `json:"expiredHashes"`
	CapacityHashes  []string `json:"capacityHashes"`
	DeleteHashes    []string `json:"deleteHashes"`
	DiskUsageBefore int64    `json:"diskUsageBefore"`
	DiskUsageAfter  int64    `json:"diskUsageAfter"`
}

// PlanEviction decides which assets to delete. Phase one expires everything
// last used at or before now-ttlDays (skipped when ttlDays <= 0). Phase two
// evicts the least recently used survivors, in stable order, until usage
// fits maxDiskBytes (skipped when maxDiskBytes <= 0).
func PlanEviction(now time.Time, ttlDays int, maxDiskBytes int64, assets []PlanAsset) Plan {
	plan := Plan{
		ExpiredHashes:  []string{},
		CapacityHashes: []string{},
		DeleteHashes:   []string{},
	}

	sizes := make(map[string]int64, len(assets))
	for _, a := range assets {
		size := a.FileSize
		if size < 0 {
			size = 0
		}
		sizes[a.SourceHash] = size
	}
	for _, size := range sizes {
		plan.DiskUsageBefore += size
	}

	deleted := make(map[string]bool)
	if ttlDays > 0 {
		cutoff := now.Add(-time.Duration(ttlDays) * 24 * time.Hour).UnixMilli()
		for _, a := range assets {
			if a.recency() <= cutoff {
				plan.ExpiredHashes = append(plan.ExpiredHashes, a.SourceHash)
				if !deleted[a.SourceHash] {
					deleted[a.SourceHash] = true
					plan.DeleteHashes = append(plan.DeleteHashes, a.SourceHash)
				}
			}
		}
	}

	remaining := plan.DiskUsageBefore
	for h := range deleted {
		remaining -= sizes[h]
	}

	if maxDiskBytes > 0 && remaining > maxDiskBytes {
		candidates := make([]PlanAsset, 0, len(assets))
		for _, a := range assets {
			if !deleted[a.SourceHash] {
				candidates = append(candidates, a)
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].recency() < candidates[j].recency()
		})
		for _, a := range candidates {
			if remaining <= maxDiskBytes {
				break
			}
			if deleted[a.SourceHash] {
				continue
			}
			deleted[a.SourceHash] = true
			plan.CapacityHashes = append(plan.CapacityHashes, a.SourceHash)
			plan.DeleteHashes = append(plan.DeleteHashes, a.SourceHash)
			remaining -= sizes[a.SourceHash]
		}
	}

	if remaining < 0 {
		remaining = 0
	}
	plan.DiskUsageAfter = remaining
	return plan
}

// CleanupSummary reports one cleanup pass
type CleanupSummary struct {
	ScannedAssets     int   `json:"scannedAssets"`
	DeletedAssets     int   `json:"deletedAssets"`
	DeletedFiles      int   `json:"deletedFiles"`
	MissingFiles      int   `json:"missingFiles"`
	ReleasedBytes     int64 `json:"releasedBytes"`
	DiskUsageBefore   int64 `json:"diskUsageBefore"`
	DiskUsageAfter    int64 `json:"diskUsageAfter"`
	UpdatedTweets     int   `json:"updatedTweets"`
	TTLEvictions      int   `json:"ttlEvictions"`
	CapacityEvictions int   `json:"capacityEvictions"`
}

// Cleanup evicts expired and over-budget assets. Rows whose file vanished
// from disk are evicted too. File sizes are taken from disk, not from the
// rows.
func (c *Cache) Cleanup(ctx context.Context) (*CleanupSummary, error) {
	if err := c.EnsureRoot(); err != nil {
		return nil, err
	}
	assets, err := c.assets.ListAssets(ctx)
	if err != nil {
		return nil, err
	}

	byHash := make(map[string]*models.MediaAsset, len(assets))
	var (
		missing    []string
		planAssets []PlanAsset
	)
	for _, a := range assets {
		byHash[a.SourceHash] = a
		info, err := os.Stat(filepath.Join(c.root, filepath.FromSlash(a.RelativePath)))
		if err != nil || !info.Mode().IsRegular() {
			missing = append(missing, a.SourceHash)
			continue
		}
		created := a.CreatedAt
		planAssets = append(planAssets, PlanAsset{
			SourceHash:     a.SourceHash,
			FileSize:       info.Size(),
			LastAccessedAt: a.LastAccessedAt,
			CreatedAt:      &created,
		})
	}

	plan := PlanEviction(c.now(), c.cfg.TTLDays, c.cfg.MaxDiskBytes(), planAssets)
	summary := &CleanupSummary{
		ScannedAssets:     len(assets),
		MissingFiles:      len(missing),
		DiskUsageBefore:   plan.DiskUsageBefore,
		DiskUsageAfter:    plan.DiskUsageAfter,
		TTLEvictions:      len(plan.ExpiredHashes),
		CapacityEvictions: len(plan.CapacityHashes),
	}

	hashes := append(append([]string{}, missing...), plan.DeleteHashes...)
	if len(hashes) == 0 {
		return summary, nil
	}

	evicted, err := c.ApplyEviction(ctx, hashes, byHash)
	if err != nil {
		return nil, err
	}
	summary.DeletedAssets = len(hashes)
	summary.DeletedFiles = evicted.DeletedFiles
	summary.ReleasedBytes = evicted.ReleasedBytes
	summary.UpdatedTweets = evicted.UpdatedTweets
	summary.DiskUsageAfter = plan.DiskUsageBefore - evicted.ReleasedBytes
	if summary.DiskUsageAfter < 0 {
		summary.DiskUsageAfter = 0
	}
	return summary, nil
}

// EvictionResult reports what ApplyEviction touched
type EvictionResult struct {
	DeletedFiles  int
	ReleasedBytes int64
	UpdatedTweets int
}

// ApplyEviction deletes the files of hashes, then in one transaction strips
// the local cache fields from every tweet that linked to them and deletes
// the asset rows with their links. Missing files are not an error.
func (c *Cache) ApplyEviction(ctx context.Context, hashes []string, byHash map[string]*models.MediaAsset) (*EvictionResult, error) {
	logger := logging.FromContext(ctx)
	res := &EvictionResult{}

	links, err := c.assets.ListLinksByHashes(ctx, hashes)
	if err != nil {
		return nil, err
	}
	type hit struct {
		hashes    map[string]bool
		mediaKeys map[string]bool
	}
	byTweet := make(map[string]*hit)
	var tweetIDs []string
	for _, l := range links {
		h, ok := byTweet[l.TweetID]
		if !ok {
			h = &hit{hashes: map[string]bool{}, mediaKeys: map[string]bool{}}
			byTweet[l.TweetID] = h
			tweetIDs = append(tweetIDs, l.TweetID)
		}
		h.hashes[l.SourceHash] = true
		if l.MediaKey != nil && *l.MediaKey != "" {
			h.mediaKeys[*l.MediaKey] = true
		}
	}

	current, err := c.tweets.GetMediaByIDs(ctx, tweetIDs)
	if err != nil {
		return nil, err
	}
	rewritten := make(map[string][]models.MediaItem)
	for id, media := range current {
		h := byTweet[id]
		if h == nil {
			continue
		}
		changed := false
		next := make([]models.MediaItem, len(media))
		for i, m := range media {
			if m.SourceURL != "" && h.hashes[HashSourceURL(m.SourceURL)] || m.MediaKey != "" && h.mediaKeys[m.MediaKey] {
				next[i] = m.StripLocal()
				changed = changed || m.IsCached() || m.CacheError != "" || m.CachedAt != nil
				continue
			}
			next[i] = m
		}
		if changed {
			rewritten[id] = next
		}
	}

	for _, hash := range hashes {
		a := byHash[hash]
		if a == nil {
			continue
		}
		abs := filepath.Join(c.root, filepath.FromSlash(a.RelativePath))
		info, err := os.Stat(abs)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if err := os.Remove(abs); err != nil {
			logger.WithError(err).WithField("path", a.RelativePath).Warn("Failed to delete cached file")
			continue
		}
		res.DeletedFiles++
		res.ReleasedBytes += info.Size()
	}

	if err := c.assets.ApplyEviction(ctx, rewritten, hashes); err != nil {
		return nil, err
	}
	res.UpdatedTweets = len(rewritten)
	return res, nil
}
