package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps window counters in Redis, one key per (account,
// window-start) pair. INCR makes concurrent increments atomic; keys
// expire two hours after their window starts so counters never need
// explicit deletion.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: redis.NewClient(opt)}, nil
}

func windowKey(accountID string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:acct:%s:%d", accountID, windowStart.Unix())
}

func (s *RedisStore) Count(ctx context.Context, accountID string, windowStart time.Time) (int, error) {
	count, err := s.client.Get(ctx, windowKey(accountID, windowStart)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *RedisStore) Increment(ctx context.Context, accountID string, windowStart time.Time) error {
	key := windowKey(accountID, windowStart)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if count == 1 {
		s.client.Expire(ctx, key, 2*time.Hour)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
