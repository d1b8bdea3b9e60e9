// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens issues signed access tokens with refresh tokens, and
// redeems one-time exchange codes and refresh tokens.
//
// Every login path ends in Service.Issue: the redirect callback, password
// login, sign-up completion and password reset. Claim resolution against the
// datastore also lives here so that login and refresh derive claims the same way.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	ssoerrors "github.com/stacklok/central-sso/pkg/errors"
	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/sso/claims"
	"github.com/stacklok/central-sso/pkg/sso/datastore"
	"github.com/stacklok/central-sso/pkg/sso/metrics"
	"github.com/stacklok/central-sso/pkg/sso/storage"
)

// TokenType is the token_type of every token response.
const TokenType = "Bearer"

// tokenBytes is the entropy of exchange codes and refresh tokens.
const tokenBytes = 32

// Random returns n cryptographically random bytes, base64url encoded without padding.
func Random(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Response is the JSON body of every successful token grant.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ExchangeRecord is the value held by the exchange code store.
type ExchangeRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresIn    int64     `json:"expires_in"`
	ClientID     string    `json:"client_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// RefreshRecord is the value held by the refresh token store.
type RefreshRecord struct {
	Claims    claims.ClaimSet     `json:"claims"`
	User      claims.UpstreamUser `json:"user"`
	ClientID  string              `json:"client_id,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// Signer is the part of signer.Signer the service needs.
type Signer interface {
	Sign(ctx context.Context, set claims.ClaimSet) (string, error)
	TTL() time.Duration
}

// Config configures the service.
type Config struct {
	ExchangeCodeTTL time.Duration
	RefreshTokenTTL time.Duration
	// RotateRefresh replaces the refresh token on every use.
	RotateRefresh bool
	Fallback      claims.Fallback
}

// Service issues and redeems tokens.
type Service struct {
	signer    Signer
	datastore datastore.Store
	exchange  storage.Store[ExchangeRecord]
	refresh   storage.Store[RefreshRecord]
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records issuance and failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service. ds may be nil, in which case every claim set
// uses the fallback.
func NewService(
	signer Signer,
	ds datastore.Store,
	exchange storage.Store[ExchangeRecord],
	refresh storage.Store[RefreshRecord],
	cfg Config,
	opts ...Option,
) *Service {
	if cfg.ExchangeCodeTTL <= 0 {
		cfg.ExchangeCodeTTL = storage.DefaultExchangeCodeTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = storage.DefaultRefreshTokenTTL
	}
	s := &Service{
		signer:    signer,
		datastore: ds,
		exchange:  exchange,
		refresh:   refresh,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveClaims looks up the user's datastore record, provisioning the
// person when none exists, and assembles the claim set. Datastore failures
// are logged and yield the fallback claims; they never block issuance.
func (s *Service) ResolveClaims(ctx context.Context, user claims.UpstreamUser, roleHint string) claims.ClaimSet {
	record := s.lookup(ctx, user, roleHint, true)
	return claims.Assemble(user, record, s.cfg.Fallback)
}

func (s *Service) lookup(ctx context.Context, user claims.UpstreamUser, roleHint string, provision bool) *claims.Record {
	if s.datastore == nil || user.Email == "" {
		return nil
	}

	record, err := s.datastore.GetClaimsByEmail(ctx, user.Email)
	if err == nil {
		return record
	}
	if !errors.Is(err, datastore.ErrNotFound) {
		logger.Warnw("datastore lookup failed, using default claims", "error", err)
		return nil
	}
	if !provision {
		return nil
	}

	if err := s.datastore.ProvisionPerson(ctx, datastore.NewPerson{
		IDPSubject:  user.Subject,
		Email:       user.Email,
		DisplayName: user.Name,
		RoleHint:    roleHint,
	}); err != nil {
		logger.Warnw("person provisioning failed, using default claims", "error", err)
		return nil
	}

	record, err = s.datastore.GetClaimsByEmail(ctx, user.Email)
	if err != nil {
		logger.Warnw("datastore lookup after provisioning failed, using default claims", "error", err)
		return nil
	}
	return record
}

// Issue signs set and stores a new refresh token for it.
func (s *Service) Issue(ctx context.Context, flow string, user claims.UpstreamUser, set claims.ClaimSet, clientID string) (*Response, error) {
	accessToken, err := s.signer.Sign(ctx, set)
	if err != nil {
		return nil, ssoerrors.NewInternalError("failed to issue token", err)
	}

	refreshToken, err := s.putRefresh(ctx, RefreshRecord{
		Claims:    set,
		User:      user,
		ClientID:  clientID,
		CreatedAt: s.now(),
	}, s.cfg.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}

	s.metrics.TokenIssued(flow)
	return &Response{
		AccessToken:  accessToken,
		TokenType:    TokenType,
		ExpiresIn:    int64(s.signer.TTL().Seconds()),
		RefreshToken: refreshToken,
	}, nil
}

func (s *Service) putRefresh(ctx context.Context, rec RefreshRecord, ttl time.Duration) (string, error) {
	token, err := Random(tokenBytes)
	if err != nil {
		return "", ssoerrors.NewInternalError("failed to issue token", err)
	}
	if err := s.refresh.Put(ctx, token, rec, ttl); err != nil {
		return "", ssoerrors.NewTransientError("token store unavailable", err)
	}
	return token, nil
}

// IssueExchangeCode stores resp behind a one-time code bound to clientID.
func (s *Service) IssueExchangeCode(ctx context.Context, resp *Response, clientID string) (string, error) {
	code, err := Random(tokenBytes)
	if err != nil {
		return "", ssoerrors.NewInternalError("failed to issue exchange code", err)
	}
	err = s.exchange.Put(ctx, code, ExchangeRecord{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpiresIn,
		ClientID:     clientID,
		CreatedAt:    s.now(),
	}, s.cfg.ExchangeCodeTTL)
	if err != nil {
		return "", ssoerrors.NewTransientError("token store unavailable", err)
	}
	return code, nil
}

// Exchange redeems a one-time exchange code. The code is burned even when
// the client does not match.
func (s *Service) Exchange(ctx context.Context, code, clientID string) (*Response, error) {
	rec, err := s.exchange.Consume(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.GrantFailed("exchange", ssoerrors.CodeInvalidGrant)
			return nil, ssoerrors.NewInvalidGrantError("exchange code is invalid or expired", err)
		}
		return nil, ssoerrors.NewTransientError("token store unavailable", err)
	}
	if rec.ClientID != clientID {
		logger.Warnw("exchange code presented by a different client",
			"expected_client_id", rec.ClientID,
			"client_id", clientID,
		)
		s.metrics.GrantFailed("exchange", ssoerrors.CodeInvalidGrant)
		return nil, ssoerrors.NewInvalidGrantError("exchange code is invalid or expired", nil)
	}

	return &Response{
		AccessToken:  rec.AccessToken,
		TokenType:    TokenType,
		ExpiresIn:    rec.ExpiresIn,
		RefreshToken: rec.RefreshToken,
	}, nil
}

// Refresh redeems a refresh token for a new access token. Claims are
// re-derived from the datastore; the stored claim set is used when the
// lookup fails. With rotation the old token is replaced, otherwise it is
// stored again for the rest of its lifetime.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Response, error) {
	rec, err := s.refresh.Consume(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.GrantFailed("refresh", ssoerrors.CodeInvalidGrant)
			return nil, ssoerrors.NewInvalidGrantError("refresh token is invalid or expired", err)
		}
		return nil, ssoerrors.NewTransientError("token store unavailable", err)
	}

	set := rec.Claims
	if record := s.lookup(ctx, rec.User, "", false); record != nil {
		set = claims.Assemble(rec.User, record, s.cfg.Fallback)
	}

	accessToken, err := s.signer.Sign(ctx, set)
	if err != nil {
		return nil, ssoerrors.NewInternalError("failed to issue token", err)
	}

	next := refreshToken
	if s.cfg.RotateRefresh {
		rec.Claims = set
		rec.CreatedAt = s.now()
		next, err = s.putRefresh(ctx, rec, s.cfg.RefreshTokenTTL)
		if err != nil {
			return nil, err
		}
	} else {
		remaining := rec.CreatedAt.Add(s.cfg.RefreshTokenTTL).Sub(s.now())
		if remaining <= 0 {
			return nil, ssoerrors.NewInvalidGrantError("refresh token is invalid or expired", nil)
		}
		rec.Claims = set
		if err := s.refresh.Put(ctx, refreshToken, rec, remaining); err != nil {
			return nil, ssoerrors.NewTransientError("token store unavailable", err)
		}
	}

	s.metrics.TokenIssued("refresh")
	return &Response{
		AccessToken:  accessToken,
		TokenType:    TokenType,
		ExpiresIn:    int64(s.signer.TTL().Seconds()),
		RefreshToken: next,
	}, nil
}
