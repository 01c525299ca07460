package graph

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedStore absorbs subscribe bursts with a bounded TTL cache of positive
// mutual answers. Negatives are never cached: a stale "not mutual" would deny
// a just-reciprocated follow until the entry aged out.
type CachedStore struct {
	inner Store
	cache *expirable.LRU[string, struct{}]
}

func NewCachedStore(inner Store, size int, ttl time.Duration) *CachedStore {
	return &CachedStore{
		inner: inner,
		cache: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

// pairKey is order-independent; mutuality is symmetric so (a,b) and (b,a)
// share one entry.
func pairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

func (c *CachedStore) IsMutual(ctx context.Context, a, b int64) (bool, error) {
	key := pairKey(a, b)
	if _, ok := c.cache.Get(key); ok {
		return true, nil
	}

	mutual, err := c.inner.IsMutual(ctx, a, b)
	if err != nil {
		return false, err
	}
	if mutual {
		c.cache.Add(key, struct{}{})
	}
	return mutual, nil
}

func (c *CachedStore) Mutuals(ctx context.Context, userID int64, limit int) ([]Mutual, error) {
	return c.inner.Mutuals(ctx, userID, limit)
}

func (c *CachedStore) Exists(ctx context.Context, userID int64) (bool, error) {
	return c.inner.Exists(ctx, userID)
}
