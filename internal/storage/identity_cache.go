package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Identity is the resolved platform account behind a handle
type Identity struct {
	ID        string  `json:"id"`
	Username  string  `json:"username"`
	Name      string  `json:"name"`
	AvatarURL *string `json:"avatarUrl,omitempty"`
}

// IdentityCache remembers handle lookups so repeated fetches skip the
// upstream user lookup. A nil *IdentityCache is a valid no-op cache.
type IdentityCache struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewIdentityCache creates an identity cache backed by Redis
func NewIdentityCache(r *RedisCache, ttl time.Duration) *IdentityCache {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &IdentityCache{redis: r, ttl: ttl}
}

func identityKey(username string) string {
	return "identity:" + strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
}

// Get returns the cached identity of username, if any
func (c *IdentityCache) Get(ctx context.Context, username string) (*Identity, bool, error) {
	if c == nil || c.redis == nil {
		return nil, false, nil
	}
	var id Identity
	ok, err := c.redis.GetJSON(ctx, identityKey(username), &id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read identity cache: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &id, true, nil
}

// Put caches the identity under its handle
func (c *IdentityCache) Put(ctx context.Context, id *Identity) error {
	if c == nil || c.redis == nil || id == nil {
		return nil
	}
	if err := c.redis.SetJSON(ctx, identityKey(id.Username), id, c.ttl); err != nil {
		return fmt.Errorf("failed to write identity cache: %w", err)
	}
	return nil
}

// Invalidate forgets the cached identity of username
func (c *IdentityCache) Invalidate(ctx context.Context, username string) error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Del(ctx, identityKey(username))
}
