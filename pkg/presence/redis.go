package presence

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

type redisKV struct {
	client *goredis.Client
}

// NewRedisRegistry returns a Registry backed by two Redis hashes, one per map
// direction. HSET/HGET/HDEL are atomic per field, which is all the registry
// contract requires.
func NewRedisRegistry(ctx context.Context, redisURL string) (Registry, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("presence: invalid redis URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis ping: %w", err)
	}
	return newRegistry(&redisKV{client: client}), nil
}

func (r *redisKV) Set(ctx context.Context, table, field, value string) error {
	return r.client.HSet(ctx, table, field, value).Err()
}

func (r *redisKV) Get(ctx context.Context, table, field string) (string, error) {
	val, err := r.client.HGet(ctx, table, field).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (r *redisKV) Delete(ctx context.Context, table, field string) error {
	return r.client.HDel(ctx, table, field).Err()
}
