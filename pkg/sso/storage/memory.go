// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryStore implements Store with a mutex-guarded map.
// It is safe for concurrent use but is local to a single process.
type MemoryStore[T any] struct {
	name    string
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]*timedEntry[T]
}

type memoryOptions struct {
	now func() time.Time
}

// MemoryOption configures a MemoryStore instance.
type MemoryOption func(*memoryOptions)

// WithClock overrides the time source used for TTL decisions.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) {
		o.now = now
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore[T any](name string, opts ...MemoryOption) *MemoryStore[T] {
	o := memoryOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore[T]{
		name:    name,
		now:     o.now,
		entries: make(map[string]*timedEntry[T]),
	}
}

// Name returns the store name.
func (s *MemoryStore[T]) Name() string {
	return s.name
}

// Put stores value under key for ttl.
func (s *MemoryStore[T]) Put(_ context.Context, key string, value T, ttl time.Duration) error {
	if key == "" {
		return errors.New("storage: key must not be empty")
	}
	if ttl <= 0 {
		return fmt.Errorf("storage: ttl must be positive, got %s", ttl)
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &timedEntry[T]{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Consume reads and deletes the entry for key under the write lock.
func (s *MemoryStore[T]) Consume(_ context.Context, key string) (T, error) {
	var zero T
	now := s.now()

	s.mu.Lock()
	entry, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, s.name)
	}
	if entry.expired(now) {
		return zero, fmt.Errorf("%w: %s entry expired", ErrNotFound, s.name)
	}
	return entry.value, nil
}

// Delete removes the entry for key if present.
func (s *MemoryStore[T]) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Sweep removes all expired entries.
// Expired keys are collected under the read lock and deleted under the write
// lock, re-checking each one since it may have been replaced in between.
func (s *MemoryStore[T]) Sweep(_ context.Context) (int, error) {
	now := s.now()

	s.mu.RLock()
	var expired []string
	for k, v := range s.entries {
		if v.expired(now) {
			expired = append(expired, k)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0, nil
	}

	removed := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range expired {
		if v, ok := s.entries[k]; ok && v.expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries currently held, expired or not.
func (s *MemoryStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
