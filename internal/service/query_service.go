package service

import (
	"context"
	"strings"
	"time"

	"github.com/x-mirror/internal/config"
	apperrors "github.com/x-mirror/internal/errors"
	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/storage"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 200
)

// TweetQuerier defines the interface for querying stored tweets
type TweetQuerier interface {
	Query(ctx context.Context, q storage.TweetQuery) ([]*models.TweetWithAuthor, error)
	Count(ctx context.Context, q storage.TweetQuery) (int64, error)
}

// RefLoader loads the reference views of tweets
type RefLoader interface {
	GetRefsByTweetIDs(ctx context.Context, tweetIDs []string) (map[string][]models.TweetRefView, error)
}

// QueryService handles tweet listing with filtering and pagination
type QueryService struct {
	tweets TweetQuerier
	refs   RefLoader
}

// NewQueryService creates a new query service
func NewQueryService(tweets TweetQuerier, refs RefLoader) *QueryService {
	return &QueryService{tweets: tweets, refs: refs}
}

// QueryInput defines input parameters for tweet queries
type QueryInput struct {
	Username string `json:"username,omitempty"`
	// Since and Until are RFC 3339 bounds on created_at
	Since    string `json:"since,omitempty"`
	Until    string `json:"until,omitempty"`
	Contains string `json:"contains,omitempty"`
	Lang     string `json:"lang,omitempty"`
	// IncludeInactive also lists tweets of paused or removed accounts
	IncludeInactive bool `json:"includeInactive,omitempty"`
	Limit           int  `json:"limit,omitempty"`  // Default: 50, Max: 200
	Offset          int  `json:"offset,omitempty"` // Default: 0
}

// TweetView is a stored tweet with its references resolved
type TweetView struct {
	*models.TweetWithAuthor
	Refs []models.TweetRefView `json:"refs"`
}

// QueryResult represents the result of a tweet query
type QueryResult struct {
	Tweets      []TweetView    `json:"tweets"`
	Pagination  PaginationInfo `json:"pagination"`
	QueryTimeMs int64          `json:"queryTimeMs"`
}

// PaginationInfo contains pagination metadata
type PaginationInfo struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"hasMore"`
}

// Query lists tweets newest first
func (s *QueryService) Query(ctx context.Context, input *QueryInput) (*QueryResult, error) {
	startTime := time.Now()

	if err := s.validateQueryInput(input); err != nil {
		return nil, err
	}
	s.applyDefaults(input)

	q := storage.TweetQuery{
		Username:   input.Username,
		Since:      input.Since,
		Until:      input.Until,
		Contains:   input.Contains,
		Lang:       input.Lang,
		ActiveOnly: !input.IncludeInactive,
		Limit:      input.Limit,
		Offset:     input.Offset,
	}
	rows, err := s.tweets.Query(ctx, q)
	if err != nil {
		return nil, apperrors.NewStorageError("query tweets", err)
	}
	total, err := s.tweets.Count(ctx, q)
	if err != nil {
		return nil, apperrors.NewStorageError("count tweets", err)
	}

	ids := make([]string, 0, len(rows))
	for _, t := range rows {
		ids = append(ids, t.ID)
	}
	refs := map[string][]models.TweetRefView{}
	if s.refs != nil && len(ids) > 0 {
		if refs, err = s.refs.GetRefsByTweetIDs(ctx, ids); err != nil {
			return nil, apperrors.NewStorageError("load tweet refs", err)
		}
	}

	views := make([]TweetView, 0, len(rows))
	for _, t := range rows {
		views = append(views, TweetView{TweetWithAuthor: t, Refs: refs[t.ID]})
	}

	return &QueryResult{
		Tweets: views,
		Pagination: PaginationInfo{
			Total:   total,
			Limit:   input.Limit,
			Offset:  input.Offset,
			HasMore: int64(input.Offset+len(views)) < total,
		},
		QueryTimeMs: time.Since(startTime).Milliseconds(),
	}, nil
}

func (s *QueryService) validateQueryInput(input *QueryInput) error {
	input.Username = config.NormalizeUsername(input.Username)
	if input.Username != "" {
		if err := config.ValidateUsername(input.Username); err != nil {
			return err
		}
	}
	if input.Limit < 0 {
		return apperrors.NewInvalidParameterError("limit", "must be non-negative")
	}
	if input.Limit > maxQueryLimit {
		return apperrors.NewInvalidParameterError("limit", "cannot exceed 200")
	}
	if input.Offset < 0 {
		return apperrors.NewInvalidParameterError("offset", "must be non-negative")
	}

	var since, until time.Time
	var err error
	if input.Since != "" {
		if since, err = time.Parse(time.RFC3339, input.Since); err != nil {
			return apperrors.NewInvalidParameterError("since", "must be an RFC 3339 timestamp")
		}
	}
	if input.Until != "" {
		if until, err = time.Parse(time.RFC3339, input.Until); err != nil {
			return apperrors.NewInvalidParameterError("until", "must be an RFC 3339 timestamp")
		}
	}
	if !since.IsZero() && !until.IsZero() && since.After(until) {
		return apperrors.NewInvalidParameterError("since", "must not be after until")
	}
	input.Contains = strings.TrimSpace(input.Contains)
	return nil
}

func (s *QueryService) applyDefaults(input *QueryInput) {
	if input.Limit == 0 {
		input.Limit = defaultQueryLimit
	}
}
