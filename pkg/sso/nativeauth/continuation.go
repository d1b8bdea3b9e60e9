// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package nativeauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	ssoerrors "github.com/stacklok/central-sso/pkg/errors"
	"github.com/stacklok/central-sso/pkg/sso/datastore"
	"github.com/stacklok/central-sso/pkg/sso/storage"
)

// Stage is the state a continuation token was stored for.
type Stage string

// Continuation stages. Each stage has its own store.
const (
	StageSignupStarted     Stage = "signup_started"
	StageSignupOTPVerified Stage = "signup_otp_verified"
	StageResetStarted      Stage = "reset_started"
	StageResetOTPVerified  Stage = "reset_otp_verified"
)

// Stages lists every continuation stage.
var Stages = []Stage{StageSignupStarted, StageSignupOTPVerified, StageResetStarted, StageResetOTPVerified}

// Record is a stored continuation token.
type Record struct {
	Stage             Stage     `json:"stage"`
	ContinuationToken string    `json:"continuation_token"`
	Next              Next      `json:"next,omitempty"`
	CodeLength        int       `json:"code_length,omitempty"`
	Attributes        []string  `json:"attributes,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Continuations holds one store per stage, keyed by normalized email.
type Continuations struct {
	stores map[Stage]storage.Store[Record]
	ttl    time.Duration
	now    func() time.Time
}

// NewContinuations creates Continuations from one store per stage.
func NewContinuations(ttl time.Duration, stores map[Stage]storage.Store[Record]) (*Continuations, error) {
	for _, s := range Stages {
		if stores[s] == nil {
			return nil, fmt.Errorf("no continuation store for stage %s", s)
		}
	}
	if ttl <= 0 {
		ttl = storage.DefaultContinuationTTL
	}
	return &Continuations{stores: stores, ttl: ttl, now: time.Now}, nil
}

// OpenContinuations opens the per-stage stores on backend.
func OpenContinuations(b *storage.Backend, ttl time.Duration, opts ...storage.MemoryOption) *Continuations {
	stores := make(map[Stage]storage.Store[Record], len(Stages))
	for _, s := range Stages {
		stores[s] = storage.Open[Record](b, "continuation_"+string(s), opts...)
	}
	c, _ := NewContinuations(ttl, stores)
	return c
}

// Sweepables returns the stores for the sweeper.
func (c *Continuations) Sweepables() []storage.Sweepable {
	out := make([]storage.Sweepable, 0, len(Stages))
	for _, s := range Stages {
		out = append(out, c.stores[s])
	}
	return out
}

// TTL is the lifetime of a stored continuation token.
func (c *Continuations) TTL() time.Duration {
	return c.ttl
}

func (c *Continuations) put(ctx context.Context, stage Stage, email string, rec Record) error {
	rec.Stage = stage
	rec.CreatedAt = c.now()
	if err := c.stores[stage].Put(ctx, datastore.NormalizeEmail(email), rec, c.ttl); err != nil {
		return ssoerrors.NewTransientError("continuation store unavailable", err)
	}
	return nil
}

// take consumes the record for stage. A missing record means the caller
// skipped a stage, reused a token or waited too long.
func (c *Continuations) take(ctx context.Context, stage Stage, email string) (Record, error) {
	rec, err := c.stores[stage].Consume(ctx, datastore.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Record{}, ssoerrors.NewExpiredTokenError("verification expired or not started, start again", err)
		}
		return Record{}, ssoerrors.NewTransientError("continuation store unavailable", err)
	}
	return rec, nil
}

func (c *Continuations) drop(ctx context.Context, stage Stage, email string) error {
	if err := c.stores[stage].Delete(ctx, datastore.NormalizeEmail(email)); err != nil {
		return ssoerrors.NewTransientError("continuation store unavailable", err)
	}
	return nil
}
