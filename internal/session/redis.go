package session

import (
	"context"
	"fmt"
	"time"

	"abi-agent/internal/cache"
)

const redisKeyPrefix = "session:"

// RedisStore keeps sessions as JSON values with a sliding TTL.
type RedisStore struct {
	cache *cache.Redis
	ttl   time.Duration
}

// NewRedisStore stores sessions in c.
func NewRedisStore(c *cache.Redis, ttl time.Duration) *RedisStore {
	return &RedisStore{cache: c, ttl: ttl}
}

func (r *RedisStore) Get(ctx context.Context, token string) (*Session, error) {
	var s Session
	found, err := r.cache.GetJSON(ctx, redisKeyPrefix+token, &s)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	if err := r.cache.Touch(ctx, redisKeyPrefix+token, r.ttl); err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	if err := r.cache.SetJSON(ctx, redisKeyPrefix+s.Token, s, r.ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, token string) error {
	return r.cache.Delete(ctx, redisKeyPrefix+token)
}
