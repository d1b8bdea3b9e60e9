// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. Consume uses GETDEL so exactly one
// caller across all instances can obtain a given entry.
type RedisStore[T any] struct {
	client    redis.UniversalClient
	keyPrefix string
	name      string
}

// storedEntry is the JSON envelope written to Redis.
type storedEntry[T any] struct {
	Value     T         `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRedisStore creates a store over an existing client.
// This is also how tests plug in miniredis.
func NewRedisStore[T any](client redis.UniversalClient, keyPrefix, name string) *RedisStore[T] {
	return &RedisStore[T]{
		client:    client,
		keyPrefix: keyPrefix,
		name:      name,
	}
}

// NewRedisClient builds a standalone or Sentinel client from cfg and checks connectivity.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var client redis.UniversalClient
	if cfg.MasterName != "" {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.SentinelAddrs,
			DB:            cfg.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// redisKey hashes the caller key so secrets such as refresh tokens never
// appear verbatim in the Redis keyspace.
func redisKey(prefix, name, key string) string {
	sum := sha256.Sum256([]byte(key))
	return prefix + name + ":" + hex.EncodeToString(sum[:])
}

// Name returns the store name.
func (s *RedisStore[T]) Name() string {
	return s.name
}

// Put stores value under key with a native Redis expiry.
func (s *RedisStore[T]) Put(ctx context.Context, key string, value T, ttl time.Duration) error {
	if key == "" {
		return errors.New("storage: key must not be empty")
	}
	if ttl <= 0 {
		return fmt.Errorf("storage: ttl must be positive, got %s", ttl)
	}

	data, err := json.Marshal(storedEntry[T]{Value: value, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal %s entry: %w", s.name, err)
	}
	if err := s.client.Set(ctx, redisKey(s.keyPrefix, s.name, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store %s entry: %w", s.name, err)
	}
	return nil
}

// Consume atomically fetches and deletes the entry with GETDEL.
func (s *RedisStore[T]) Consume(ctx context.Context, key string) (T, error) {
	var zero T

	data, err := s.client.GetDel(ctx, redisKey(s.keyPrefix, s.name, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, s.name)
	}
	if err != nil {
		return zero, fmt.Errorf("failed to consume %s entry: %w", s.name, err)
	}

	var entry storedEntry[T]
	if err := json.Unmarshal(data, &entry); err != nil {
		return zero, fmt.Errorf("failed to unmarshal %s entry: %w", s.name, err)
	}
	return entry.Value, nil
}

// Delete removes the entry for key if present.
func (s *RedisStore[T]) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKey(s.keyPrefix, s.name, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s entry: %w", s.name, err)
	}
	return nil
}

// Sweep is a no-op: Redis expires keys on its own.
func (*RedisStore[T]) Sweep(context.Context) (int, error) {
	return 0, nil
}
