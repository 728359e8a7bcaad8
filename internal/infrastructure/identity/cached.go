package identity

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/alem-hub/progression/internal/domain/leaderboard"
	"github.com/alem-hub/progression/internal/domain/shared"
	"github.com/alem-hub/progression/pkg/timeutil"
)

const (
	// DefaultCacheSize bounds the number of cached identities.
	DefaultCacheSize = 4096

	// DefaultCacheTTL is how long a cached identity is trusted.
	DefaultCacheTTL = 5 * time.Minute
)

type cachedIdentity struct {
	identity  leaderboard.Identity
	expiresAt time.Time
}

// CachedProvider keeps recently read identities in an LRU cache.
// Only found identities are cached; misses always reach the inner provider.
type CachedProvider struct {
	inner leaderboard.IdentityProvider
	cache *lru.Cache
	ttl   time.Duration
	clock timeutil.Clock
}

var _ leaderboard.BatchIdentityProvider = (*CachedProvider)(nil)

// NewCachedProvider wraps inner with a cache of size entries.
func NewCachedProvider(inner leaderboard.IdentityProvider, size int, ttl time.Duration, clock timeutil.Clock) (*CachedProvider, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("identity: create cache: %w", err)
	}
	return &CachedProvider{inner: inner, cache: cache, ttl: ttl, clock: clock}, nil
}

func (c *CachedProvider) lookup(userID string) (leaderboard.Identity, bool) {
	v, ok := c.cache.Get(userID)
	if !ok {
		return leaderboard.Identity{}, false
	}
	entry := v.(cachedIdentity)
	if !c.clock.Now().Before(entry.expiresAt) {
		c.cache.Remove(userID)
		return leaderboard.Identity{}, false
	}
	return entry.identity, true
}

func (c *CachedProvider) store(id leaderboard.Identity) {
	c.cache.Add(id.UserID, cachedIdentity{identity: id, expiresAt: c.clock.Now().Add(c.ttl)})
}

// GetIdentity implements leaderboard.IdentityProvider.
func (c *CachedProvider) GetIdentity(ctx context.Context, userID string) (leaderboard.Identity, error) {
	if id, ok := c.lookup(userID); ok {
		return id, nil
	}
	id, err := c.inner.GetIdentity(ctx, userID)
	if err != nil {
		return leaderboard.Identity{}, err
	}
	c.store(id)
	return id, nil
}

// GetIdentities implements leaderboard.BatchIdentityProvider.
func (c *CachedProvider) GetIdentities(ctx context.Context, userIDs []string) (map[string]leaderboard.Identity, error) {
	out := make(map[string]leaderboard.Identity, len(userIDs))
	var misses []string
	for _, uid := range userIDs {
		if id, ok := c.lookup(uid); ok {
			out[uid] = id
			continue
		}
		misses = append(misses, uid)
	}
	if len(misses) == 0 {
		return out, nil
	}

	if batch, ok := c.inner.(leaderboard.BatchIdentityProvider); ok {
		found, err := batch.GetIdentities(ctx, misses)
		if err != nil {
			return nil, err
		}
		for uid, id := range found {
			c.store(id)
			out[uid] = id
		}
		return out, nil
	}

	for _, uid := range misses {
		id, err := c.inner.GetIdentity(ctx, uid)
		if shared.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		c.store(id)
		out[uid] = id
	}
	return out, nil
}

// Invalidate drops a cached identity, e.g. after a profile change.
func (c *CachedProvider) Invalidate(userID string) {
	c.cache.Remove(userID)
}

// Len returns the number of cached identities.
func (c *CachedProvider) Len() int {
	return c.cache.Len()
}
