package service

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/x-mirror/internal/errors"
	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/storage"
)

type mockTweetRepo struct {
	tweets []*models.TweetWithAuthor
	last   storage.TweetQuery
	err    error
}

func (m *mockTweetRepo) Query(ctx context.Context, q storage.TweetQuery) ([]*models.TweetWithAuthor, error) {
	m.last = q
	if m.err != nil {
		return nil, m.err
	}
	end := q.Offset + q.Limit
	if end > len(m.tweets) {
		end = len(m.tweets)
	}
	if q.Offset >= end {
		return nil, nil
	}
	return m.tweets[q.Offset:end], nil
}

func (m *mockTweetRepo) Count(ctx context.Context, q storage.TweetQuery) (int64, error) {
	return int64(len(m.tweets)), m.err
}

type mockRefLoader struct {
	refs map[string][]models.TweetRefView
}

func (m *mockRefLoader) GetRefsByTweetIDs(ctx context.Context, ids []string) (map[string][]models.TweetRefView, error) {
	return m.refs, nil
}

func makeTweets(n int) []*models.TweetWithAuthor {
	out := make([]*models.TweetWithAuthor, n)
	for i := range out {
		out[i] = &models.TweetWithAuthor{Tweet: models.Tweet{ID: string(rune('a' + i))}, Username: "alice"}
	}
	return out
}

func TestQueryService_DefaultsAndPagination(t *testing.T) {
	repo := &mockTweetRepo{tweets: makeTweets(3)}
	refs := &mockRefLoader{refs: map[string][]models.TweetRefView{
		"a": {{TweetRef: models.TweetRef{TweetID: "a", RefTweetID: "z"}}},
	}}
	svc := NewQueryService(repo, refs)

	res, err := svc.Query(context.Background(), &QueryInput{Username: "@alice", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, "alice", repo.last.Username)
	assert.True(t, repo.last.ActiveOnly)
	require.Len(t, res.Tweets, 2)
	assert.Len(t, res.Tweets[0].Refs, 1)
	assert.Equal(t, PaginationInfo{Total: 3, Limit: 2, Offset: 0, HasMore: true}, res.Pagination)

	res, err = svc.Query(context.Background(), &QueryInput{Offset: 2, IncludeInactive: true})
	require.NoError(t, err)
	assert.Equal(t, defaultQueryLimit, repo.last.Limit)
	assert.False(t, repo.last.ActiveOnly)
	assert.False(t, res.Pagination.HasMore)
	assert.Len(t, res.Tweets, 1)
}

func TestQueryService_Validation(t *testing.T) {
	svc := NewQueryService(&mockTweetRepo{}, nil)
	tests := []struct {
		name  string
		input QueryInput
	}{
		{"bad username", QueryInput{Username: "not a handle"}},
		{"negative limit", QueryInput{Limit: -1}},
		{"limit too large", QueryInput{Limit: maxQueryLimit + 1}},
		{"negative offset", QueryInput{Offset: -5}},
		{"bad since", QueryInput{Since: "yesterday"}},
		{"inverted range", QueryInput{Since: "2024-02-01T00:00:00Z", Until: "2024-01-01T00:00:00Z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.input
			_, err := svc.Query(context.Background(), &in)
			require.Error(t, err)
			assert.Equal(t, http.StatusBadRequest, apperrors.GetHTTPStatusCode(err))
		})
	}
}

func TestQueryService_StorageError(t *testing.T) {
	svc := NewQueryService(&mockTweetRepo{err: errors.New("disk I/O error")}, nil)
	_, err := svc.Query(context.Background(), &QueryInput{})
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, apperrors.GetHTTPStatusCode(err))
}
