package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Redis is a Store on a Redis server, for profiles whose state is kept off
// device. Keys are prefixed with Prefix.
type Redis struct {
	Prefix string
	client *redis.Client
}

// DialRedis connects to the Redis server at url (redis://host:port/db) and
// verifies the connection.
func DialRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, Prefix: prefix}, nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, Prefix: prefix}
}

func (r *Redis) GetItem(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.Prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) SetItem(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.Prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) RemoveItem(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.Prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
