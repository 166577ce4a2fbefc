package models

import "time"

// MediaAsset is one content-addressed file in the media cache
type MediaAsset struct {
	SourceHash     string     `json:"sourceHash" db:"source_hash"`
	SourceURL      string     `json:"sourceUrl" db:"source_url"`
	MediaType      string     `json:"mediaType" db:"media_type"`
	MediaKey       *string    `json:"mediaKey,omitempty" db:"media_key"`
	FileExt        string     `json:"fileExt" db:"file_ext"`
	MimeType       string     `json:"mimeType" db:"mime_type"`
	RelativePath   string     `json:"relativePath" db:"relative_path"`
	FileSize       int64      `json:"fileSize" db:"file_size"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" db:"updated_at"`
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty" db:"last_accessed_at"`
	LastCachedAt   *time.Time `json:"lastCachedAt,omitempty" db:"last_cached_at"`
	CacheError     *string    `json:"cacheError,omitempty" db:"cache_error"`
}

// TweetMediaLink ties a tweet to an asset at a position in its media list
type TweetMediaLink struct {
	TweetID    string  `json:"tweetId" db:"tweet_id"`
	SourceHash string  `json:"sourceHash" db:"source_hash"`
	MediaKey   *string `json:"mediaKey,omitempty" db:"media_key"`
	SortOrder  int     `json:"sortOrder" db:"sort_order"`
}
