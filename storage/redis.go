package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBlob implements Blob on a redis instance. It covers only the blob
// half of the storage surface; the WAL stays on local media where fsync
// semantics are explicit.
type RedisBlob struct {
	client *redis.Client
	prefix string
}

// RedisBlobOption configures a RedisBlob.
type RedisBlobOption func(*RedisBlob)

// WithKeyPrefix namespaces all blob keys.
func WithKeyPrefix(prefix string) RedisBlobOption {
	return func(r *RedisBlob) { r.prefix = prefix }
}

// NewRedisBlob creates a redis-backed blob store and verifies connectivity.
func NewRedisBlob(ctx context.Context, redisURL string, opts ...RedisBlobOption) (*RedisBlob, error) {
	cfg, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("storage: redis url: %w", err)
	}
	r := &RedisBlob{client: redis.NewClient(cfg), prefix: "agentmesh:blob:"}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("storage: redis ping: %w", err)
	}
	return r, nil
}

// Put implements Blob.
func (r *RedisBlob) Put(ctx context.Context, key string, content []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, content, 0).Err(); err != nil {
		return fmt.Errorf("storage: redis put %q: %w", key, err)
	}
	return nil
}

// Get implements Blob.
func (r *RedisBlob) Get(ctx context.Context, key string) ([]byte, error) {
	content, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("storage: redis get %q: not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: redis get %q: %w", key, err)
	}
	return content, nil
}

// Delete implements Blob.
func (r *RedisBlob) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("storage: redis delete %q: %w", key, err)
	}
	return nil
}

// Close releases the client.
func (r *RedisBlob) Close() error {
	return r.client.Close()
}
