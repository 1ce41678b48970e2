package settings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// DefaultRedisKey is the hash holding runtime settings.
const DefaultRedisKey = "banf:settings"

// fetchTimeout bounds a shared fetch, which outlives the caller that started it.
const fetchTimeout = 3 * time.Second

// RedisSource serves values from a Redis hash. The whole hash is fetched at
// most once per ttl; concurrent fetches share one round trip.
type RedisSource struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	now    func() time.Time

	group     singleflight.Group
	mu        sync.RWMutex
	values    map[string]string
	fetchedAt time.Time
}

// NewRedisSource constructs a RedisSource. A ttl of 0 fetches on every call.
func NewRedisSource(client *redis.Client, key string, ttl time.Duration) *RedisSource {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSource{client: client, key: key, ttl: ttl, now: time.Now}
}

// Value implements Source.
func (s *RedisSource) Value(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.client == nil {
		return "", false, nil
	}
	values, err := s.snapshot(ctx)
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (s *RedisSource) snapshot(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	values, fetchedAt := s.values, s.fetchedAt
	s.mu.RUnlock()
	if values != nil && s.ttl > 0 && s.now().Sub(fetchedAt) < s.ttl {
		return values, nil
	}

	ch := s.group.DoChan(s.key, func() (interface{}, error) {
		return s.fetch(ctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]string), nil
	}
}

// fetch loads the hash and caches it. Cancellation of ctx is ignored since
// other callers may be waiting on the same fetch.
func (s *RedisSource) fetch(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
	defer cancel()
	fresh, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("settings: redis hgetall %s: %w", s.key, err)
	}
	s.mu.Lock()
	s.values, s.fetchedAt = fresh, s.now()
	s.mu.Unlock()
	return fresh, nil
}

// Set writes a setting and drops the cached snapshot.
func (s *RedisSource) Set(ctx context.Context, key, value string) error {
	if err := s.client.HSet(ctx, s.key, key, value).Err(); err != nil {
		return fmt.Errorf("settings: redis hset %s: %w", key, err)
	}
	s.invalidate()
	return nil
}

// Delete removes a setting so the next read falls back to the next source.
func (s *RedisSource) Delete(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, s.key, key).Err(); err != nil {
		return fmt.Errorf("settings: redis hdel %s: %w", key, err)
	}
	s.invalidate()
	return nil
}

// All returns every stored setting.
func (s *RedisSource) All(ctx context.Context) (map[string]string, error) {
	values, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

func (s *RedisSource) invalidate() {
	s.mu.Lock()
	s.values, s.fetchedAt = nil, time.Time{}
	s.mu.Unlock()
}
