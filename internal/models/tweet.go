package models

import (
	"encoding/json"
	"time"

	"github.com/x-mirror/internal/types"
)

// Tweet is a stored post of a monitored account
type Tweet struct {
	ID                     string              `json:"id" db:"id"`
	UserID                 string              `json:"userId" db:"user_id"`
	Text                   string              `json:"text" db:"text"`
	CreatedAt              *string             `json:"createdAt,omitempty" db:"created_at"`
	Lang                   *string             `json:"lang,omitempty" db:"lang"`
	Media                  []MediaItem         `json:"media,omitempty" db:"media_json"`
	Entities               json.RawMessage     `json:"entities,omitempty" db:"entities_json"`
	Raw                    json.RawMessage     `json:"-" db:"raw_json"`
	IngestSource           types.IngestSource  `json:"ingestSource" db:"ingest_source"`
	CapturedAt             *string             `json:"capturedAt,omitempty" db:"captured_at"`
	MonitorStatusAtCapture types.MonitorStatus `json:"monitorStatusAtCapture" db:"monitor_status_at_capture"`
}

// TweetWithAuthor is a tweet joined with its author's handle
type TweetWithAuthor struct {
	Tweet
	Username string `json:"username"`
	Name     string `json:"name"`
}

// MediaVariant is one encoding of a video
type MediaVariant struct {
	BitRate     *int   `json:"bit_rate,omitempty"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// MediaItem is one entry of a tweet's media blob. The remote fields mirror
// the upstream media object; the local fields describe the cached copy.
type MediaItem struct {
	MediaKey        string          `json:"media_key,omitempty"`
	Type            types.MediaType `json:"type"`
	URL             string          `json:"url,omitempty"`
	PreviewImageURL string          `json:"preview_image_url,omitempty"`
	Width           int             `json:"width,omitempty"`
	Height          int             `json:"height,omitempty"`
	DurationMs      int             `json:"duration_ms,omitempty"`
	AltText         string          `json:"alt_text,omitempty"`
	Variants        []MediaVariant  `json:"variants,omitempty"`

	SourceURL  string     `json:"source_url,omitempty"`
	LocalPath  string     `json:"local_path,omitempty"`
	LocalURL   string     `json:"local_url,omitempty"`
	CachedAt   *time.Time `json:"cached_at,omitempty"`
	CacheError string     `json:"cache_error,omitempty"`
}

// StripLocal returns a copy without any cache annotations. SourceURL is
// kept because it identifies the asset the entry was derived from.
func (m MediaItem) StripLocal() MediaItem {
	m.LocalPath = ""
	m.LocalURL = ""
	m.CachedAt = nil
	m.CacheError = ""
	return m
}

// IsCached reports whether the entry points at a local copy
func (m MediaItem) IsCached() bool {
	return m.LocalPath != ""
}

// RefTweet is a lightweight snapshot of a referenced post
type RefTweet struct {
	ID                string          `json:"id" db:"id"`
	AuthorID          *string         `json:"authorId,omitempty" db:"author_id"`
	AuthorUsername    *string         `json:"authorUsername,omitempty" db:"author_username"`
	AuthorName        *string         `json:"authorName,omitempty" db:"author_name"`
	Text              *string         `json:"text,omitempty" db:"text"`
	CreatedAt         *string         `json:"createdAt,omitempty" db:"created_at"`
	Lang              *string         `json:"lang,omitempty" db:"lang"`
	Media             []MediaItem     `json:"media,omitempty" db:"media_json"`
	Raw               json.RawMessage `json:"-" db:"raw_json"`
	UnavailableReason *string         `json:"unavailableReason,omitempty" db:"unavailable_reason"`
}

// TweetRef is an edge from a tweet to a post it references
type TweetRef struct {
	TweetID    string          `json:"tweetId" db:"tweet_id"`
	RefTweetID string          `json:"refTweetId" db:"ref_tweet_id"`
	RefType    string          `json:"refType" db:"ref_type"`
	Source     types.RefSource `json:"source" db:"source"`
	URL        *string         `json:"url,omitempty" db:"url"`
}

// TweetRefView is a reference joined with whatever snapshot is known for it
type TweetRefView struct {
	TweetRef
	Snapshot *RefTweet `json:"snapshot,omitempty"`
}
