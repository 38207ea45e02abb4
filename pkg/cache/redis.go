// pkg/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"survey-bot/internal/models"

	"github.com/go-redis/redis/v8"
)

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr string) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &RedisCache{client: client}
}

// Client exposes the underlying connection so other stores can share it.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func statsKey(pollID uint) string {
	return fmt.Sprintf("stats:poll:%d", pollID)
}

func (c *RedisCache) SetPollStats(ctx context.Context, stats *models.PollStats, ttl time.Duration) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return c.client.Set(ctx, statsKey(stats.PollID), data, ttl).Err()
}

// GetPollStats returns (nil, nil) on a cache miss.
func (c *RedisCache) GetPollStats(ctx context.Context, pollID uint) (*models.PollStats, error) {
	data, err := c.client.Get(ctx, statsKey(pollID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var stats models.PollStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *RedisCache) InvalidatePollStats(ctx context.Context, pollID uint) error {
	return c.client.Del(ctx, statsKey(pollID)).Err()
}
