// Package rstate persists conversation state in Redis so a restart does not
// lose a half-built post.
package rstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "promobot:state:"
	defaultTTL = 24 * time.Hour
)

// RedisStateStore implements storage.StateStore on top of Redis
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewClient connects to Redis and verifies the connection
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("invalid REDIS_ADDR: %s", addr)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// New wraps a Redis client. Abandoned conversations expire after ttl.
func New(client *redis.Client, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStateStore{client: client, ttl: ttl}
}

func key(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}

func (s *RedisStateStore) Load(ctx context.Context, userID int64) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load state: %w", err)
	}
	return data, true, nil
}

func (s *RedisStateStore) Save(ctx context.Context, userID int64, data []byte) error {
	if err := s.client.Set(ctx, key(userID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Delete(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
