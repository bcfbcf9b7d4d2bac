package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Storage implementation backed by a shared Redis instance,
// namespacing nothing itself — callers already namespace keys as
// "quota:<id>" per the storage contract.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing go-redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	var ttl time.Duration
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
