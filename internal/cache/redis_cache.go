package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"segarstok/backend/internal/domain"
)

type RedisReturnCache struct {
	client *redis.Client
}

func NewRedisReturnCache(addr string, password string, db int) *RedisReturnCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisReturnCache{client: client}
}

func (c *RedisReturnCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisReturnCache) Close() error {
	return c.client.Close()
}

func (c *RedisReturnCache) GetReturn(ctx context.Context, returnID string) (*domain.Return, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(returnID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var ret domain.Return
	if err := json.Unmarshal([]byte(val), &ret); err != nil {
		return nil, false, err
	}
	return &ret, true, nil
}

func (c *RedisReturnCache) SetReturn(ctx context.Context, ret *domain.Return, ttl time.Duration) error {
	if ret == nil {
		return nil
	}
	payload, err := json.Marshal(ret)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(ret.ID), payload, ttl).Err()
}

func (c *RedisReturnCache) InvalidateReturn(ctx context.Context, returnID string) error {
	return c.client.Del(ctx, cacheKey(returnID)).Err()
}

func cacheKey(returnID string) string {
	return "return:" + returnID
}
