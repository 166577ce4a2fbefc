package adapter

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/x-mirror/internal/config"
	"github.com/x-mirror/internal/logging"
	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/retry"
)

const (
	minPageSize = 5
	maxPageSize = 100
	// followingPageSize is the per-page cap of the followings endpoint
	followingPageSize = 1000
)

var mediaFields = "type,url,preview_image_url,width,height,duration_ms,alt_text,variants"

// XClient is the AccountProvider backed by the platform's v2 REST API.
// Requests are paced by a token bucket and transient failures (network
// errors, 5xx) are retried with exponential backoff. A 429 is never retried
// here; it is returned as *RateLimitError for the caller to schedule a
// cooldown.
type XClient struct {
	token   string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	retry   *retry.RetryConfig
	health  *Health
}

// NewXClient creates a client from upstream configuration
func NewXClient(cfg *config.UpstreamConfig) (*XClient, error) {
	if strings.TrimSpace(cfg.BearerToken) == "" {
		return nil, fmt.Errorf("X_BEARER_TOKEN is required")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	retryCfg := retry.DefaultRetryConfig()
	retryCfg.MaxAttempts = 3
	retryCfg.ShouldRetry = isTransient

	return &XClient{
		token:   cfg.BearerToken,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		retry:   retryCfg,
		health:  NewHealth(),
	}, nil
}

// Health reports request statistics
func (c *XClient) Health() *Health {
	return c.health
}

type apiError struct {
	Title          string          `json:"title"`
	Detail         string          `json:"detail"`
	Type           string          `json:"type"`
	Message        string          `json:"message"`
	RateLimitReset json.RawMessage `json:"rate_limit_reset,omitempty"`
}

func (e apiError) text() string {
	for _, s := range []string{e.Detail, e.Title, e.Message} {
		if s != "" {
			return s
		}
	}
	return ""
}

type errorBody struct {
	apiError
	Errors []apiError `json:"errors"`
}

// ResolveAccount implements AccountProvider
func (c *XClient) ResolveAccount(ctx context.Context, username string) (*Account, error) {
	const op = "ResolveAccount"
	q := url.Values{}
	q.Set("user.fields", "profile_image_url")

	body, err := c.doRequest(ctx, op, "/users/by/username/"+url.PathEscape(username), q)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data   *Account   `json:"data"`
		Errors []apiError `json:"errors"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewAdapterError(op, http.StatusOK, fmt.Errorf("%w: %v", ErrMalformedResponse, err), nil)
	}
	if resp.Data == nil {
		details := map[string]interface{}{"username": username}
		if len(resp.Errors) > 0 {
			details["error"] = resp.Errors[0].text()
		}
		return nil, NewAdapterError(op, http.StatusNotFound, ErrAccountNotFound, details)
	}
	if resp.Data.ID == "" || resp.Data.Username == "" {
		return nil, NewAdapterError(op, http.StatusOK, fmt.Errorf("%w: account without id", ErrMalformedResponse), nil)
	}
	return resp.Data, nil
}

// FetchTimelineSince implements AccountProvider. Retweets and replies are
// excluded.
func (c *XClient) FetchTimelineSince(ctx context.Context, accountID, sinceID string, pageSize int) (*Timeline, error) {
	const op = "FetchTimelineSince"
	if pageSize < minPageSize {
		pageSize = minPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	q := url.Values{}
	q.Set("exclude", "retweets,replies")
	q.Set("max_results", strconv.Itoa(pageSize))
	q.Set("tweet.fields", "created_at,lang,entities,referenced_tweets,author_id,attachments")
	q.Set("expansions", "attachments.media_keys,referenced_tweets.id,referenced_tweets.id.author_id")
	q.Set("media.fields", mediaFields)
	q.Set("user.fields", "username,name")
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}

	body, err := c.doRequest(ctx, op, "/users/"+url.PathEscape(accountID)+"/tweets", q)
	if err != nil {
		return nil, err
	}
	timeline, err := decodeTimeline(body)
	if err != nil {
		return nil, NewAdapterError(op, http.StatusOK, err, map[string]interface{}{"accountId": accountID})
	}
	return timeline, nil
}

type timelineResponse struct {
	Data     []json.RawMessage `json:"data"`
	Includes struct {
		Media  []models.MediaItem `json:"media"`
		Tweets []json.RawMessage  `json:"tweets"`
		Users  []Account          `json:"users"`
	} `json:"includes"`
}

func decodePost(raw json.RawMessage) (Post, error) {
	var p Post
	if err := json.Unmarshal(raw, &p); err != nil {
		return Post{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if p.ID == "" {
		return Post{}, fmt.Errorf("%w: post without id", ErrMalformedResponse)
	}
	if len(p.Entities) > 0 {
		// unknown entity shapes are tolerated; only urls are read
		_ = json.Unmarshal(p.Entities, &p.ParsedEntities)
	}
	p.Raw = raw
	return p, nil
}

func decodeTimeline(body []byte) (*Timeline, error) {
	var resp timelineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	mediaByKey := make(map[string]models.MediaItem, len(resp.Includes.Media))
	for _, m := range resp.Includes.Media {
		if m.MediaKey != "" {
			mediaByKey[m.MediaKey] = m
		}
	}
	attach := func(p Post) TimelineItem {
		item := TimelineItem{Post: p}
		for _, key := range p.Attachments.MediaKeys {
			if m, ok := mediaByKey[key]; ok {
				item.Media = append(item.Media, m)
			}
		}
		return item
	}

	timeline := &Timeline{
		IncludedPosts: make(map[string]TimelineItem, len(resp.Includes.Tweets)),
		IncludedUsers: make(map[string]Account, len(resp.Includes.Users)),
	}
	for _, raw := range resp.Data {
		p, err := decodePost(raw)
		if err != nil {
			return nil, err
		}
		timeline.Items = append(timeline.Items, attach(p))
	}
	for _, raw := range resp.Includes.Tweets {
		p, err := decodePost(raw)
		if err != nil {
			continue
		}
		timeline.IncludedPosts[p.ID] = attach(p)
	}
	for _, u := range resp.Includes.Users {
		if u.ID != "" {
			timeline.IncludedUsers[u.ID] = u
		}
	}
	return timeline, nil
}

// FetchFollowedHandles implements AccountProvider. It needs user-context
// credentials; app-only tokens are rejected by the platform.
func (c *XClient) FetchFollowedHandles(ctx context.Context) ([]string, error) {
	const op = "FetchFollowedHandles"
	body, err := c.doRequest(ctx, op, "/users/me", nil)
	if err != nil {
		return nil, err
	}
	var me struct {
		Data *Account `json:"data"`
	}
	if err := json.Unmarshal(body, &me); err != nil || me.Data == nil || me.Data.ID == "" {
		return nil, NewAdapterError(op, http.StatusOK, ErrMalformedResponse, nil)
	}

	var (
		handles []string
		token   string
	)
	for {
		q := url.Values{}
		q.Set("max_results", strconv.Itoa(followingPageSize))
		if token != "" {
			q.Set("pagination_token", token)
		}
		body, err := c.doRequest(ctx, op, "/users/"+url.PathEscape(me.Data.ID)+"/following", q)
		if err != nil {
			return nil, err
		}
		var page struct {
			Data []Account `json:"data"`
			Meta struct {
				NextToken string `json:"next_token"`
			} `json:"meta"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, NewAdapterError(op, http.StatusOK, fmt.Errorf("%w: %v", ErrMalformedResponse, err), nil)
		}
		for _, u := range page.Data {
			if u.Username != "" {
				handles = append(handles, u.Username)
			}
		}
		if page.Meta.NextToken == "" {
			return handles, nil
		}
		token = page.Meta.NextToken
	}
}

// transientError marks failures worth retrying within one call
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var t *transientError
	return stderrors.As(err, &t)
}

func (c *XClient) doRequest(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	logger := logging.FromContext(ctx).WithComponent("x-client")
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body []byte
	result := retry.WithExponentialBackoff(ctx, c.retry, func(ctx context.Context, attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		start := time.Now()
		b, err := c.roundTrip(ctx, op, endpoint)
		if err != nil {
			c.health.RecordFailure(err)
			if isTransient(err) {
				logger.WithFields(map[string]interface{}{
					"op":      op,
					"attempt": attempt,
				}).WithError(err).Debug("Upstream request failed")
			}
			return err
		}
		c.health.RecordSuccess(time.Since(start))
		body = b
		return nil
	})
	if !result.Success {
		var t *transientError
		if stderrors.As(result.LastError, &t) {
			return nil, t.err
		}
		return nil, result.LastError
	}
	return body, nil
}

func (c *XClient) roundTrip(ctx context.Context, op, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &transientError{err: NewAdapterError(op, 0, err, nil)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &transientError{err: NewAdapterError(op, resp.StatusCode, fmt.Errorf("failed to read response: %w", err), nil)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, newRateLimitError(op, resp.Header, body)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewAdapterError(op, resp.StatusCode, ErrUnauthorized, map[string]interface{}{"error": bodyMessage(body)})
	case resp.StatusCode == http.StatusNotFound:
		return nil, NewAdapterError(op, resp.StatusCode, ErrAccountNotFound, map[string]interface{}{"error": bodyMessage(body)})
	case resp.StatusCode >= 500:
		return nil, &transientError{err: NewAdapterError(op, resp.StatusCode, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bodyMessage(body)), nil)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, NewAdapterError(op, resp.StatusCode, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bodyMessage(body)), nil)
	}
	return body, nil
}

func bodyMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if msg := eb.text(); msg != "" {
			return msg
		}
		if len(eb.Errors) > 0 {
			return eb.Errors[0].text()
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func newRateLimitError(op string, header http.Header, body []byte) *RateLimitError {
	e := &RateLimitError{Op: op, Headers: header.Clone(), Message: bodyMessage(body)}
	if v := header.Get("x-rate-limit-reset"); v != "" {
		if secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && secs > 0 {
			t := time.Unix(secs, 0)
			e.Reset = &t
		}
	}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && len(eb.RateLimitReset) > 0 {
		e.BodyReset = strings.Trim(string(eb.RateLimitReset), `"`)
	}
	return e
}
