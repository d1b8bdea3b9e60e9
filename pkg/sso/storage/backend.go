// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/central-sso/pkg/logger"
)

// Backend owns the shared connection (if any) behind a group of stores.
type Backend struct {
	kind      Type
	client    redis.UniversalClient
	keyPrefix string
}

// NewBackend connects the configured backend.
func NewBackend(ctx context.Context, cfg *Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Type != TypeRedis {
		return &Backend{kind: TypeMemory}, nil
	}

	client, err := NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	return &Backend{kind: TypeRedis, client: client, keyPrefix: cfg.Redis.KeyPrefix}, nil
}

// NewRedisBackend wraps an existing client, e.g. one pointing at miniredis.
func NewRedisBackend(client redis.UniversalClient, keyPrefix string) *Backend {
	return &Backend{kind: TypeRedis, client: client, keyPrefix: keyPrefix}
}

// Type returns the backend type.
func (b *Backend) Type() Type {
	return b.kind
}

// Health checks backend connectivity.
func (b *Backend) Health(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the backend connection.
func (b *Backend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// Open returns a store named name on backend b.
func Open[T any](b *Backend, name string, opts ...MemoryOption) Store[T] {
	if b.client != nil {
		return NewRedisStore[T](b.client, b.keyPrefix, name)
	}
	return NewMemoryStore[T](name, opts...)
}

// Sweeper periodically purges expired entries from a set of stores.
type Sweeper struct {
	interval time.Duration
	stores   []Sweepable
	onSweep  func(store string, removed int)
}

// NewSweeper creates a sweeper over stores. A non-positive interval uses DefaultSweepInterval.
func NewSweeper(interval time.Duration, stores ...Sweepable) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{interval: interval, stores: stores}
}

// OnSweep registers a callback invoked after each store is swept.
func (s *Sweeper) OnSweep(fn func(store string, removed int)) {
	s.onSweep = fn
}

// Run sweeps on every tick until ctx is cancelled. It never blocks request handling:
// each store locks only for the duration of its own sweep.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Debugw("store sweeper started", "interval", s.interval.String(), "stores", len(s.stores))
	for {
		select {
		case <-ctx.Done():
			logger.Debug("store sweeper stopped")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce sweeps every store once and returns the total number of entries removed.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	total := 0
	for _, store := range s.stores {
		removed, err := store.Sweep(ctx)
		if err != nil {
			logger.Warnw("failed to sweep store", "store", store.Name(), "error", err)
			continue
		}
		if removed > 0 {
			logger.Debugw("swept expired entries", "store", store.Name(), "removed", removed)
		}
		if s.onSweep != nil {
			s.onSweep(store.Name(), removed)
		}
		total += removed
	}
	return total
}
