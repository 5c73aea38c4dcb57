package server

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisLoginStore counts login attempts per key in Redis with a fixed window:
// INCR plus an EXPIRE on the first hit. The TTL of a saturated key tells the
// client how long to back off.
type redisLoginStore struct {
	client  *redis.Client
	timeout time.Duration
}

func newRedisLoginStore(addr, password string, timeout time.Duration) *redisLoginStore {
	return &redisLoginStore{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		}),
		timeout: timeout,
	}
}

func (s *redisLoginStore) Allow(key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if window < time.Second {
			window = time.Second
		}
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, ttl, nil
}
