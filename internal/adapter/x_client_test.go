package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-mirror/internal/config"
	"github.com/x-mirror/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *XClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewXClient(&config.UpstreamConfig{
		BearerToken:       "token",
		BaseURL:           srv.URL + "/2",
		Timeout:           5 * time.Second,
		RequestsPerSecond: 1000,
	})
	require.NoError(t, err)
	c.retry.InitialDelay = time.Millisecond
	c.retry.MaxDelay = time.Millisecond
	return c
}

func TestNewXClient_RequiresToken(t *testing.T) {
	_, err := NewXClient(&config.UpstreamConfig{BaseURL: "http://localhost"})
	assert.Error(t, err)
}

func TestResolveAccount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.Equal(t, "/2/users/by/username/alice", r.URL.Path)
		assert.Equal(t, "profile_image_url", r.URL.Query().Get("user.fields"))
		fmt.Fprint(w, `{"data":{"id":"42","username":"alice","name":"Alice","profile_image_url":"https://pbs/a.jpg"}}`)
	})

	acc, err := c.ResolveAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, &Account{ID: "42", Username: "alice", Name: "Alice", AvatarURL: "https://pbs/a.jpg"}, acc)
	assert.Equal(t, int64(1), c.Health().Snapshot().SuccessfulReqs)
}

func TestResolveAccount_NotFoundInBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors":[{"title":"Not Found Error","detail":"Could not find user with username: [ghost]."}]}`)
	})

	_, err := c.ResolveAccount(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAccountNotFound))
	var ae *AdapterError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusNotFound, ae.StatusCode)
}

func TestFetchTimelineSince(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/2/users/42/tweets", r.URL.Path)
		assert.Equal(t, "retweets,replies", q.Get("exclude"))
		assert.Equal(t, "100", q.Get("max_results"), "page size is clamped")
		assert.Equal(t, "100", q.Get("since_id"))
		assert.Contains(t, q.Get("expansions"), "attachments.media_keys")
		fmt.Fprint(w, `{
			"data":[
				{"id":"102","text":"two","created_at":"2024-01-02T00:00:00.000Z","lang":"en",
				 "attachments":{"media_keys":["3_1","3_missing"]},
				 "entities":{"urls":[{"url":"https://t.co/x","expanded_url":"https://x.com/bob/status/7"}]},
				 "referenced_tweets":[{"type":"quoted","id":"7"}]},
				{"id":"101","text":"one"}
			],
			"includes":{
				"media":[{"media_key":"3_1","type":"photo","url":"https://pbs/1.jpg","width":10,"height":20}],
				"tweets":[{"id":"7","text":"quoted","author_id":"9"}],
				"users":[{"id":"9","username":"bob","name":"Bob"}]
			},
			"meta":{"result_count":2}
		}`)
	})

	tl, err := c.FetchTimelineSince(context.Background(), "42", "100", 500)
	require.NoError(t, err)
	require.Len(t, tl.Items, 2)

	first := tl.Items[0]
	assert.Equal(t, "102", first.Post.ID)
	require.Len(t, first.Media, 1)
	assert.Equal(t, types.MediaPhoto, first.Media[0].Type)
	assert.Equal(t, "https://pbs/1.jpg", first.Media[0].URL)
	require.Len(t, first.Post.ParsedEntities.URLs, 1)
	assert.Equal(t, "https://x.com/bob/status/7", first.Post.ParsedEntities.URLs[0].ExpandedURL)
	assert.Equal(t, []ReferencedTweet{{Type: "quoted", ID: "7"}}, first.Post.ReferencedTweets)
	assert.NotEmpty(t, first.Post.Raw)

	assert.Equal(t, "quoted", tl.IncludedPosts["7"].Post.Text)
	assert.Equal(t, "bob", tl.IncludedUsers["9"].Username)
}

func TestFetchTimelineSince_EmptyPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("max_results"))
		assert.Empty(t, r.URL.Query().Get("since_id"))
		fmt.Fprint(w, `{"meta":{"result_count":0}}`)
	})

	tl, err := c.FetchTimelineSince(context.Background(), "42", "", 1)
	require.NoError(t, err)
	assert.Empty(t, tl.Items)
}

func TestFetchTimelineSince_MalformedPost(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"text":"no id"}]}`)
	})

	_, err := c.FetchTimelineSince(context.Background(), "42", "", 10)
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestRateLimitedResponse(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("x-rate-limit-reset", "1700000000")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"title":"Too Many Requests","rate_limit_reset":1700000900}`)
	})

	_, err := c.ResolveAccount(context.Background(), "alice")
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	require.NotNil(t, rl.Reset)
	assert.Equal(t, int64(1700000000), rl.Reset.Unix())
	assert.Equal(t, "1700000900", rl.BodyReset)
	assert.Equal(t, "Too Many Requests", rl.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "429 is not retried")
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"data":{"id":"1","username":"alice"}}`)
	})

	acc, err := c.ResolveAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "1", acc.ID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(2), c.Health().Snapshot().FailedReqs)
}

func TestServerErrorsExhaustRetries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"title":"Service Unavailable"}`)
	})

	_, err := c.ResolveAccount(context.Background(), "alice")
	var ae *AdapterError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusServiceUnavailable, ae.StatusCode)
	assert.Contains(t, err.Error(), "Service Unavailable")
}

func TestUnauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.FetchTimelineSince(context.Background(), "42", "", 10)
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestFetchFollowedHandles_Paginates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/2/users/me":
			fmt.Fprint(w, `{"data":{"id":"1","username":"me"}}`)
		case "/2/users/1/following":
			assert.Equal(t, "1000", r.URL.Query().Get("max_results"))
			if r.URL.Query().Get("pagination_token") == "" {
				fmt.Fprint(w, `{"data":[{"id":"2","username":"alice"},{"id":"3","username":"bob"}],"meta":{"next_token":"p2"}}`)
				return
			}
			fmt.Fprint(w, `{"data":[{"id":"4","username":"carol"}],"meta":{}}`)
		default:
			http.NotFound(w, r)
		}
	})

	handles, err := c.FetchFollowedHandles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, handles)
}

func TestHealthThresholds(t *testing.T) {
	h := NewHealth()
	for i := 0; i < 4; i++ {
		h.RecordFailure(errors.New("boom"))
	}
	assert.True(t, h.IsHealthy())
	h.RecordFailure(errors.New("boom"))
	assert.False(t, h.IsHealthy())
	assert.Equal(t, "boom", h.Snapshot().LastError)

	h.RecordSuccess(time.Millisecond)
	assert.True(t, h.IsHealthy())
}
