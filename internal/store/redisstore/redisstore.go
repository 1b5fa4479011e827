package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	client *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

// GetSearchResults returns the cached payload for a search cache key.
// A miss is (value="", ok=false, err=nil).
func (s *Store) GetSearchResults(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, "search:"+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) SetSearchResults(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, "search:"+key, value, ttl).Err()
}
