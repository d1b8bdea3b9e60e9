// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package nativeauth drives the identity provider's native authentication
// API for password login, sign-up and password reset.
//
// Every flow is a linear state machine. Each provider call returns a
// continuation token that feeds the next call. Between broker requests the
// token is held in a per-stage continuation store keyed by email, so a stage
// can only run when the stage before it completed and has not been replayed.
package nativeauth

import (
	"context"
	"errors"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	ssoerrors "github.com/stacklok/central-sso/pkg/errors"
	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/sso/claims"
	"github.com/stacklok/central-sso/pkg/sso/datastore"
	"github.com/stacklok/central-sso/pkg/sso/metrics"
	"github.com/stacklok/central-sso/pkg/sso/tokens"
)

// Result statuses.
const (
	StatusVerificationSent       = "verification_sent"
	StatusOTPVerified            = "otp_verified"
	StatusPasswordResetSucceeded = "password_reset_succeeded"
)

// maxPollInterval caps the provider's requested poll interval.
const maxPollInterval = 10 * time.Second

// maxPollBudget caps the total wait between reset completion polls.
const maxPollBudget = 20 * time.Second

// ResetSubmitTimeout bounds the provider calls of a password reset
// submission: the submit itself, completion polling and the sign-in.
// HTTP write timeouts must exceed it.
const ResetSubmitTimeout = 45 * time.Second

// Issuer resolves claims and issues tokens. It is implemented by tokens.Service.
type Issuer interface {
	ResolveClaims(ctx context.Context, user claims.UpstreamUser, roleHint string) claims.ClaimSet
	Issue(ctx context.Context, flow string, user claims.UpstreamUser, set claims.ClaimSet, clientID string) (*tokens.Response, error)
}

// StartResult is returned when a verification code has been sent.
type StartResult struct {
	Status               string `json:"status"`
	ChallengeChannel     string `json:"challenge_channel,omitempty"`
	ChallengeTargetLabel string `json:"challenge_target_label,omitempty"`
	CodeLength           int    `json:"code_length,omitempty"`
	ExpiresIn            int64  `json:"expires_in"`
}

// VerifyResult is returned when a verification code was accepted.
type VerifyResult struct {
	Status    string `json:"status"`
	ExpiresIn int64  `json:"expires_in"`
}

type base struct {
	api       API
	cfg       Config
	issuer    Issuer
	conts     *Continuations
	datastore datastore.Store
	metrics   *metrics.Metrics
	verifier  *oidc.IDTokenVerifier
}

// Option configures the orchestrators.
type Option func(*base)

// WithDatastore records leads and sign-up workflow steps.
func WithDatastore(ds datastore.Store) Option {
	return func(b *base) {
		b.datastore = ds
	}
}

// WithMetrics records failures by flow and code.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *base) {
		b.metrics = m
	}
}

// WithIDTokenVerifier checks the signature, issuer and audience of every id
// token the provider returns.
func WithIDTokenVerifier(v *oidc.IDTokenVerifier) Option {
	return func(b *base) {
		b.verifier = v
	}
}

// Orchestrators groups the three native authentication flows.
type Orchestrators struct {
	Login  *LoginOrchestrator
	Signup *SignupOrchestrator
	Reset  *ResetOrchestrator
}

// New creates the orchestrators over one API client and continuation set.
func New(api API, cfg Config, issuer Issuer, conts *Continuations, opts ...Option) *Orchestrators {
	b := &base{api: api, cfg: cfg, issuer: issuer, conts: conts}
	for _, opt := range opts {
		opt(b)
	}
	login := &LoginOrchestrator{base: b}
	return &Orchestrators{
		Login:  login,
		Signup: &SignupOrchestrator{base: b},
		Reset:  &ResetOrchestrator{base: b, login: login},
	}
}

func (b *base) expiresIn() int64 {
	return int64(b.conts.TTL().Seconds())
}

func (b *base) fail(flow, stage string, err error) error {
	classified := classify(flow, stage, err)
	code, _ := ssoerrors.Code(classified)
	b.metrics.GrantFailed(flow, code)
	return classified
}

// recordStep writes a workflow step. Failures are logged and never returned.
func (b *base) recordStep(ctx context.Context, email string, s datastore.WorkflowStep) {
	if b.datastore == nil {
		return
	}
	if err := b.datastore.RecordWorkflowStep(ctx, email, s); err != nil {
		logger.Warnw("failed to record workflow step", "step", s, "error", err)
	}
}

func (b *base) recordLead(ctx context.Context, email, source string) {
	if b.datastore == nil {
		return
	}
	if err := b.datastore.RecordLead(ctx, email, source); err != nil {
		logger.Warnw("failed to record lead", "source", source, "error", err)
	}
}

// workflowStatus reads the furthest recorded step, falling back to reached.
func (b *base) workflowStatus(ctx context.Context, email string, reached datastore.WorkflowStep) string {
	if b.datastore == nil {
		return string(reached)
	}
	s, err := b.datastore.LatestWorkflowStep(ctx, email)
	if err != nil {
		if !errors.Is(err, datastore.ErrNotFound) {
			logger.Warnw("failed to read workflow status", "error", err)
		}
		return string(reached)
	}
	return string(s)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
