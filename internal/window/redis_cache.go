package window

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// cachedStatus is what RedisCache writes for each user
type cachedStatus struct {
	Status   Status    `json:"status"`
	StoredAt time.Time `json:"stored_at"`
}

// RedisCache keeps the last good window status in Redis so a restarted API
// still has something to fall back to
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and checks the connection
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisCache{
		client: client,
		prefix: "window:",
		ttl:    ttl,
	}
}

func (c *RedisCache) key(username string) string {
	return c.prefix + username
}

// Store overwrites the cached status for username
func (c *RedisCache) Store(ctx context.Context, username string, status Status) error {
	data, err := json.Marshal(cachedStatus{Status: status, StoredAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal window status: %w", err)
	}
	if err := c.client.Set(ctx, c.key(username), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("save window status: %w", err)
	}
	return nil
}

// Load returns the cached status for username, if any
func (c *RedisCache) Load(ctx context.Context, username string) (Status, bool, error) {
	raw, err := c.client.Get(ctx, c.key(username)).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, fmt.Errorf("load window status: %w", err)
	}

	var cached cachedStatus
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return Status{}, false, fmt.Errorf("unmarshal window status: %w", err)
	}
	return cached.Status, true, nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
