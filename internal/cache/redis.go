package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "cireport:"

// RedisStore keeps a namespace in one Redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func NewRedisFactory(client *redis.Client) Factory {
	return func(namespace string) (Store, error) {
		if err := validNamespace(namespace); err != nil {
			return nil, err
		}
		return NewRedisStore(client, namespace), nil
	}
}

func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{
		client: client,
		key:    redisKeyPrefix + namespace,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.HGet(ctx, s.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s from Redis: %w", key, err)
	}

	return value, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.HSet(ctx, s.key, key, value).Err(); err != nil {
		return fmt.Errorf("failed to write %s to Redis: %w", key, err)
	}

	return nil
}

func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list Redis keys: %w", err)
	}
	slices.Sort(keys)

	return keys, nil
}
