package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps cart keys under a per-device prefix. With a non-zero ttl
// every write refreshes the expiry of the keys it sets, so an abandoned cart is
// dropped by Redis itself.
type RedisStorage struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStorage(client *redis.Client, prefix string, ttl time.Duration) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *RedisStorage) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return v, nil
}

func (r *RedisStorage) Write(ctx context.Context, batch Batch) error {
	ttl := r.expiration()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range batch.Set {
			pipe.Set(ctx, r.key(k), v, ttl)
		}
		if len(batch.Delete) > 0 {
			keys := make([]string, len(batch.Delete))
			for i, k := range batch.Delete {
				keys[i] = r.key(k)
			}
			pipe.Del(ctx, keys...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write failed: %w", err)
	}
	return nil
}

func (r *RedisStorage) expiration() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Intn(60)) * time.Minute
	return r.ttl + jitter
}

func (r *RedisStorage) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return fmt.Sprintf("%s:%s", r.prefix, k)
}
