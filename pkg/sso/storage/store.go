// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the ephemeral, one-time-consume stores that hold
// authorization sessions, exchange codes, refresh tokens and native-auth
// continuation tokens.
//
// Every store shares one contract: Put with a TTL, an atomic Consume that
// returns a value to at most one caller, and a Sweep that purges expired
// entries. Callers never learn which backend is in use.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent, already consumed, or expired.
var ErrNotFound = errors.New("storage: entry not found")

// Store is a keyed store with per-entry TTL and one-time consume semantics.
type Store[T any] interface {
	// Name identifies the store in logs and metrics.
	Name() string

	// Put stores value under key for ttl, replacing any existing entry.
	Put(ctx context.Context, key string, value T, ttl time.Duration) error

	// Consume atomically reads and deletes the entry for key.
	// Concurrent callers racing on the same key see at most one success;
	// every other caller gets ErrNotFound.
	Consume(ctx context.Context, key string) (T, error)

	// Delete removes the entry for key if present.
	Delete(ctx context.Context, key string) error

	// Sweep deletes all expired entries and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
}

// Sweepable is the subset of Store the Sweeper needs.
type Sweepable interface {
	Name() string
	Sweep(ctx context.Context) (int, error)
}
