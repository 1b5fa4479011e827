package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aleks-frontend/ai-hero/internal/store/redisstore"
)

// CachedSearcher fronts a Searcher with a redis result cache. The cache is
// strictly best-effort: any redis failure is logged and the query falls
// through to the inner searcher.
type CachedSearcher struct {
	inner Searcher
	redis *redisstore.Store
	ttl   time.Duration
	log   *logrus.Logger
}

func NewCachedSearcher(inner Searcher, rds *redisstore.Store, ttl time.Duration, log *logrus.Logger) *CachedSearcher {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CachedSearcher{inner: inner, redis: rds, ttl: ttl, log: log}
}

func cacheKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

func (c *CachedSearcher) Search(ctx context.Context, query string) ([]Result, error) {
	key := cacheKey(query)

	if cached, ok, err := c.redis.GetSearchResults(ctx, key); err != nil {
		c.log.WithError(err).Warn("search cache read failed")
	} else if ok {
		var results []Result
		if err := json.Unmarshal([]byte(cached), &results); err == nil {
			c.log.WithField("query", query).Debug("search cache hit")
			return results, nil
		}
		c.log.WithField("query", query).Warn("search cache entry corrupt, refetching")
	}

	results, err := c.inner.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(results); err == nil {
		if err := c.redis.SetSearchResults(ctx, key, string(b), c.ttl); err != nil {
			c.log.WithError(err).Warn("search cache write failed")
		}
	}
	return results, nil
}
