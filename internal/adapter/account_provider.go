// Package adapter talks to the social platform API. The fetch pipeline only
// depends on the AccountProvider interface so tests can substitute a fake.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/x-mirror/internal/models"
)

// AccountProvider is the upstream capability the fetch pipeline needs
type AccountProvider interface {
	// ResolveAccount looks up the stable id and profile of a handle
	ResolveAccount(ctx context.Context, username string) (*Account, error)

	// FetchTimelineSince returns the account's posts newer than sinceID
	// (all recent posts when empty), newest first, at most pageSize items
	FetchTimelineSince(ctx context.Context, accountID, sinceID string, pageSize int) (*Timeline, error)

	// FetchFollowedHandles lists the handles followed by the authenticated
	// account
	FetchFollowedHandles(ctx context.Context) ([]string, error)
}

// Account is a resolved upstream account
type Account struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	AvatarURL string `json:"profile_image_url,omitempty"`
}

// ReferencedTweet is one entry of a post's referenced_tweets field
type ReferencedTweet struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// URLEntity is one link found in a post's text
type URLEntity struct {
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url"`
}

// Entities is the subset of post entities the pipeline reads
type Entities struct {
	URLs []URLEntity `json:"urls"`
}

// Post is a post as returned by the upstream API
type Post struct {
	ID               string            `json:"id"`
	Text             string            `json:"text"`
	AuthorID         string            `json:"author_id,omitempty"`
	CreatedAt        string            `json:"created_at,omitempty"`
	Lang             string            `json:"lang,omitempty"`
	ReferencedTweets []ReferencedTweet `json:"referenced_tweets,omitempty"`
	Attachments      struct {
		MediaKeys []string `json:"media_keys,omitempty"`
	} `json:"attachments"`

	// Entities is kept verbatim for storage; ParsedEntities is decoded from it
	Entities       json.RawMessage `json:"entities,omitempty"`
	ParsedEntities Entities        `json:"-"`
	Raw            json.RawMessage `json:"-"`
}

// TimelineItem is a post with its attached media resolved
type TimelineItem struct {
	Post  Post
	Media []models.MediaItem
}

// Timeline is one page of an account's posts plus the referenced posts and
// authors the API included alongside them
type Timeline struct {
	Items         []TimelineItem
	IncludedPosts map[string]TimelineItem
	IncludedUsers map[string]Account
}

// RateLimitError is returned for HTTP 429 responses
type RateLimitError struct {
	Op string
	// Reset is the window reset announced by x-rate-limit-reset, if any
	Reset   *time.Time
	Headers http.Header
	// BodyReset is a rate_limit_reset field from the error body, if any
	BodyReset string
	Message   string
}

func (e *RateLimitError) Error() string {
	if e.Reset != nil {
		return fmt.Sprintf("%s: rate limited until %s", e.Op, e.Reset.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("%s: rate limited", e.Op)
}

// AdapterError wraps a non rate-limit upstream failure with its status
type AdapterError struct {
	Op         string // e.g. "ResolveAccount"
	StatusCode int
	Err        error
	Details    map[string]interface{}
}

func (e *AdapterError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream error [%s:%d]: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream error [%s]: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(op string, statusCode int, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Op:         op,
		StatusCode: statusCode,
		Err:        err,
		Details:    details,
	}
}

var (
	// ErrAccountNotFound means the handle does not resolve to an account
	ErrAccountNotFound = fmt.Errorf("account not found")

	// ErrMalformedResponse means the upstream answered with an unexpected shape
	ErrMalformedResponse = fmt.Errorf("malformed upstream response")

	// ErrUnauthorized means the credentials were rejected
	ErrUnauthorized = fmt.Errorf("upstream rejected credentials")
)
